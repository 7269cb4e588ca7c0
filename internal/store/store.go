package store

import (
	"context"
	"time"

	"qms/dispatch-service/internal/models"
)

// TicketStore is the persistence contract the queue engine relies on. Writes
// are conditional on the ticket version so concurrent writers cannot both
// succeed, and implementations must reject a second active ticket on the same
// counter with ErrCounterBusy and a duplicate number with ErrAllocationConflict.
type TicketStore interface {
	InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error)
	GetTicket(ctx context.Context, ticketID string) (models.Ticket, error)
	UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int, eventType string) (models.Ticket, error)
	NextPending(ctx context.Context, serviceID string, skip []string) (models.Ticket, bool, error)
	ListPending(ctx context.Context, serviceID string) ([]models.Ticket, error)
	ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error)
	ListByStatus(ctx context.Context, status string, limit int) ([]models.Ticket, error)
	ListCalledBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Ticket, error)
	MaxNumber(ctx context.Context, prefix, queueDate string) (int, error)
	CounterStats(ctx context.Context, counterID, queueDate string) (models.CounterStats, error)
	ListTicketEvents(ctx context.Context, ticketID string) ([]TicketEvent, error)
}

// Directory exposes the administrator-managed records the engine only reads.
type Directory interface {
	GetService(ctx context.Context, serviceID string) (models.Service, error)
	GetServiceByCode(ctx context.Context, code string) (models.Service, error)
	GetCounter(ctx context.Context, counterID string) (models.Counter, error)
}

type Store interface {
	TicketStore
	Directory
}

const (
	EventCreated     = "ticket.created"
	EventCalled      = "ticket.called"
	EventServing     = "ticket.serving"
	EventServed      = "ticket.served"
	EventLapsed      = "ticket.lapsed"
	EventReturning   = "ticket.returning"
	EventTransferred = "ticket.transferred"
)

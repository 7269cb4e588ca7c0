// Package queue is the entry point for every ticket operation. It wires the
// allocator, state machine, dispatcher and transfer coordinator together and
// publishes each committed change.
package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"qms/dispatch-service/internal/dispatch"
	"qms/dispatch-service/internal/fanout"
	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/retry"
	"qms/dispatch-service/internal/sequence"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/transfer"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const sweepBatchSize = 100

type Options struct {
	Retry      retry.Policy
	Location   *time.Location
	Now        func() time.Time
	Logger     *zap.Logger
	Publisher  *fanout.Publisher
	LapseGrace time.Duration

	// RecoverGrace is passed to the transfer coordinator.
	RecoverGrace time.Duration
}

type Engine struct {
	store      store.Store
	alloc      sequence.Allocator
	machine    *lifecycle.Machine
	dispatcher *dispatch.Dispatcher
	transfers  *transfer.Coordinator
	publisher  *fanout.Publisher
	retry      retry.Policy
	loc        *time.Location
	now        func() time.Time
	log        *zap.Logger
	tracer     trace.Tracer
	lapseGrace time.Duration
}

func New(st store.Store, alloc sequence.Allocator, options Options) *Engine {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	loc := options.Location
	if loc == nil {
		loc = time.Local
	}
	log := options.Logger
	if log == nil {
		log = zap.NewNop()
	}

	machine := lifecycle.NewMachine(st, lifecycle.Options{Retry: options.Retry, Now: now})
	return &Engine{
		store:      st,
		alloc:      alloc,
		machine:    machine,
		dispatcher: dispatch.New(st, machine),
		transfers: transfer.New(st, machine, alloc, transfer.Options{
			Retry:        options.Retry,
			Now:          now,
			Location:     loc,
			Logger:       log,
			RecoverGrace: options.RecoverGrace,
		}),
		publisher:  options.Publisher,
		retry:      options.Retry,
		loc:        loc,
		now:        now,
		log:        log,
		tracer:     otel.Tracer("qms/dispatch"),
		lapseGrace: options.LapseGrace,
	}
}

// Today is the queue day for the engine's clock and location.
func (e *Engine) Today() string {
	return sequence.Day(e.now(), e.loc)
}

// CreateTicket issues the next number of the service whose code is prefix.
func (e *Engine) CreateTicket(ctx context.Context, prefix string, isPrioritized bool) (ticket models.Ticket, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "queue.CreateTicket", trace.WithAttributes(
		attribute.String("prefix", prefix),
		attribute.Bool("is_prioritized", isPrioritized),
	))
	defer func() { finish(span, err) }()

	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return models.Ticket{}, fmt.Errorf("%w: prefix is required", store.ErrInvalidArgument)
	}
	service, err := e.store.GetServiceByCode(ctx, prefix)
	if err != nil {
		return models.Ticket{}, err
	}

	ticket, err = retry.Do(ctx, e.retry, func(ctx context.Context) (models.Ticket, error) {
		now := e.now().UTC()
		day := sequence.Day(now, e.loc)
		number, err := e.alloc.Next(ctx, service.Code, day)
		if err != nil {
			return models.Ticket{}, err
		}
		created, err := e.store.InsertTicket(ctx, models.Ticket{
			TicketID:      uuid.NewString(),
			Prefix:        service.Code,
			Number:        number,
			TicketNumber:  models.FormatTicketNumber(service.Code, number),
			QueueDate:     day,
			Status:        models.StatusPending,
			ServiceID:     service.ServiceID,
			IsPrioritized: isPrioritized,
			CreatedAt:     now,
			UpdatedAt:     now,
		})
		if errors.Is(err, store.ErrAllocationConflict) {
			e.resync(ctx, service.Code, day)
		}
		return created, err
	})
	if err != nil {
		return models.Ticket{}, err
	}

	e.log.Info("ticket created",
		zap.String("ticket_id", ticket.TicketID),
		zap.String("ticket_number", ticket.TicketNumber),
		zap.Bool("is_prioritized", ticket.IsPrioritized),
	)
	e.publisher.Publish(ctx, fanout.EventTicketUpdate, ticket, fanout.Global())
	return ticket, nil
}

// CallNext assigns the head of the counter's service queue to the counter.
func (e *Engine) CallNext(ctx context.Context, counterID string) (ticket models.Ticket, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "queue.CallNext", trace.WithAttributes(attribute.String("counter_id", counterID)))
	defer func() { finish(span, err) }()

	res, err := e.dispatcher.CallNext(ctx, counterID)
	if err != nil {
		return models.Ticket{}, err
	}
	e.log.Info("ticket called",
		zap.String("ticket_id", res.After.TicketID),
		zap.String("ticket_number", res.After.TicketNumber),
		zap.String("counter_id", counterID),
	)
	e.publishChange(ctx, res)
	return res.After, nil
}

// StartServing moves a CALLED ticket to SERVING. A non-empty counterID must
// match the counter the ticket was called to.
func (e *Engine) StartServing(ctx context.Context, ticketID, counterID string) (models.Ticket, error) {
	return e.transition(ctx, "queue.StartServing", ticketID, lifecycle.Transition{
		To:        models.StatusServing,
		CounterID: counterID,
	})
}

func (e *Engine) MarkServed(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.transition(ctx, "queue.MarkServed", ticketID, lifecycle.Transition{To: models.StatusServed})
}

func (e *Engine) MarkLapsed(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.transition(ctx, "queue.MarkLapsed", ticketID, lifecycle.Transition{To: models.StatusLapsed})
}

// TransferTicket requeues the ticket under destinationServiceID with a fresh
// number for the current day.
func (e *Engine) TransferTicket(ctx context.Context, ticketID, destinationServiceID string) (ticket models.Ticket, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, "queue.TransferTicket", trace.WithAttributes(
		attribute.String("ticket_id", ticketID),
		attribute.String("service_id", destinationServiceID),
	))
	defer func() { finish(span, err) }()

	if strings.TrimSpace(destinationServiceID) == "" {
		return models.Ticket{}, fmt.Errorf("%w: service_id is required", store.ErrInvalidArgument)
	}
	res, err := e.transfers.Transfer(ctx, ticketID, destinationServiceID)
	if err != nil {
		if res.After.TicketID != "" {
			// parked in RETURNING and off the counter; Recover finishes it
			e.publishChange(ctx, res)
		}
		return models.Ticket{}, err
	}
	e.log.Info("ticket transferred",
		zap.String("ticket_id", ticketID),
		zap.String("from_ticket_number", res.Before.TicketNumber),
		zap.String("ticket_number", res.After.TicketNumber),
		zap.String("service_id", destinationServiceID),
	)
	e.publishChange(ctx, res)
	return res.After, nil
}

func (e *Engine) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	return e.store.GetTicket(ctx, ticketID)
}

// ActiveTicket returns the ticket at the counter, if any.
func (e *Engine) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	if _, err := e.store.GetCounter(ctx, counterID); err != nil {
		return models.Ticket{}, false, err
	}
	return e.store.ActiveTicket(ctx, counterID)
}

// ListPending returns the service queue in calling order.
func (e *Engine) ListPending(ctx context.Context, serviceID string) ([]models.Ticket, error) {
	if _, err := e.store.GetService(ctx, serviceID); err != nil {
		return nil, err
	}
	return e.store.ListPending(ctx, serviceID)
}

// CounterStats reports today's totals for the counter.
func (e *Engine) CounterStats(ctx context.Context, counterID string) (models.CounterStats, error) {
	return e.store.CounterStats(ctx, counterID, e.Today())
}

func (e *Engine) TicketHistory(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	return e.store.ListTicketEvents(ctx, ticketID)
}

// Recover finishes transfers that stopped in RETURNING.
func (e *Engine) Recover(ctx context.Context) (n int, err error) {
	ctx, span := e.tracer.Start(ctx, "queue.Recover")
	defer func() { finish(span, err) }()

	recovered, err := e.transfers.Recover(ctx)
	if err != nil {
		return 0, err
	}
	for _, res := range recovered {
		e.publishChange(ctx, res)
	}
	return len(recovered), nil
}

// SweepLapsed lapses tickets that stayed CALLED longer than the configured
// grace. It does nothing when no grace is set.
func (e *Engine) SweepLapsed(ctx context.Context) (int, error) {
	if e.lapseGrace <= 0 {
		return 0, nil
	}
	cutoff := e.now().UTC().Add(-e.lapseGrace)
	stale, err := e.store.ListCalledBefore(ctx, cutoff, sweepBatchSize)
	if err != nil {
		return 0, err
	}
	lapsed := 0
	for _, ticket := range stale {
		if _, err := e.MarkLapsed(ctx, ticket.TicketID); err != nil {
			if !errors.Is(err, store.ErrInvalidTransition) {
				e.log.Warn("auto lapse failed", zap.String("ticket_id", ticket.TicketID), zap.Error(err))
			}
			continue
		}
		lapsed++
	}
	return lapsed, nil
}

func (e *Engine) transition(ctx context.Context, name, ticketID string, tr lifecycle.Transition) (ticket models.Ticket, err error) {
	ctx = context.WithoutCancel(ctx)
	ctx, span := e.tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("ticket_id", ticketID),
		attribute.String("status", tr.To),
	))
	defer func() { finish(span, err) }()

	res, err := e.machine.Apply(ctx, ticketID, tr)
	if err != nil {
		return models.Ticket{}, err
	}
	e.log.Info("ticket transition",
		zap.String("ticket_id", ticketID),
		zap.String("from", res.Before.Status),
		zap.String("to", res.After.Status),
		zap.String("counter_id", res.Before.Counter()),
	)
	e.publishChange(ctx, res)
	return res.After, nil
}

// publishChange emits ticket:update, counter:ticket for the counter the
// ticket is at or just left, and stats:update after a ticket is served.
func (e *Engine) publishChange(ctx context.Context, res lifecycle.Result) {
	e.publisher.Publish(ctx, fanout.EventTicketUpdate, res.After, fanout.Global())

	counterID := res.After.Counter()
	if counterID == "" {
		counterID = res.Before.Counter()
	}
	if counterID == "" {
		return
	}
	e.publisher.Publish(ctx, fanout.EventCounterTicket, res.After, fanout.Counter(counterID))

	if res.After.Status != models.StatusServed {
		return
	}
	stats, err := e.store.CounterStats(ctx, counterID, e.Today())
	if err != nil {
		e.log.Warn("counter stats failed", zap.String("counter_id", counterID), zap.Error(err))
		return
	}
	e.publisher.Publish(ctx, fanout.EventStatsUpdate, fanout.StatsPayload{CounterID: counterID, Totals: stats}, fanout.Global())
}

func (e *Engine) resync(ctx context.Context, prefix, day string) {
	rs, ok := e.alloc.(sequence.Resyncer)
	if !ok {
		return
	}
	if err := rs.Resync(ctx, prefix, day); err != nil {
		e.log.Warn("sequence resync failed", zap.String("prefix", prefix), zap.String("queue_date", day), zap.Error(err))
	}
}

func finish(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

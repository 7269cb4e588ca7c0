// Package lifecycle owns the ticket status graph and applies transitions to
// stored tickets one at a time.
package lifecycle

import (
	"fmt"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// transitionMap lists, per target status, the statuses it may be entered from.
var transitionMap = map[string][]string{
	models.StatusCalled:    {models.StatusPending},
	models.StatusServing:   {models.StatusCalled},
	models.StatusServed:    {models.StatusServing},
	models.StatusLapsed:    {models.StatusCalled},
	models.StatusReturning: {models.StatusPending, models.StatusCalled, models.StatusServing},
	models.StatusPending:   {models.StatusReturning},
}

func ValidTransition(from, to string) bool {
	allowed, ok := transitionMap[to]
	if !ok {
		return false
	}
	for _, status := range allowed {
		if status == from {
			return true
		}
	}
	return false
}

type TransitionError struct {
	From string
	To   string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid ticket transition %s->%s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return store.ErrInvalidTransition
}

// Requeue carries the destination numbering for RETURNING->PENDING.
type Requeue struct {
	ServiceID string
	Prefix    string
	Number    int
	QueueDate string
}

// Transition describes one requested status change.
//
// CounterID is the counter calling the ticket for CALLED, and the counter the
// request comes from for SERVING (empty skips the check). DestinationID is the
// service recorded while RETURNING.
type Transition struct {
	To            string
	CounterID     string
	DestinationID string
	Requeue       Requeue
}

// EventType names the history event written for a transition.
func EventType(to string) string {
	switch to {
	case models.StatusCalled:
		return store.EventCalled
	case models.StatusServing:
		return store.EventServing
	case models.StatusServed:
		return store.EventServed
	case models.StatusLapsed:
		return store.EventLapsed
	case models.StatusReturning:
		return store.EventReturning
	case models.StatusPending:
		return store.EventTransferred
	}
	return "ticket." + to
}

// Apply validates tr against ticket and returns the updated copy. The input
// is never modified.
func Apply(ticket models.Ticket, tr Transition, now time.Time) (models.Ticket, error) {
	if !ValidTransition(ticket.Status, tr.To) {
		return models.Ticket{}, &TransitionError{From: ticket.Status, To: tr.To}
	}
	if models.IsActive(ticket.Status) && ticket.Counter() == "" {
		// an active ticket without a counter is corrupt; refuse to move it
		return models.Ticket{}, &TransitionError{From: ticket.Status, To: tr.To}
	}

	next := ticket.Clone()
	switch tr.To {
	case models.StatusCalled:
		if tr.CounterID == "" {
			return models.Ticket{}, fmt.Errorf("%w: counter is required", store.ErrInvalidTransition)
		}
		counterID := tr.CounterID
		next.CounterID = &counterID
		next.LastCounterID = counterID
		next.CalledAt = &now
	case models.StatusServing:
		if tr.CounterID != "" && tr.CounterID != ticket.Counter() {
			return models.Ticket{}, store.ErrCounterMismatch
		}
		next.ServingStart = &now
	case models.StatusServed:
		next.ServingEnd = &now
		next.CounterID = nil
	case models.StatusLapsed:
		next.CounterID = nil
	case models.StatusReturning:
		if tr.DestinationID == "" {
			return models.Ticket{}, fmt.Errorf("%w: destination service is required", store.ErrInvalidTransition)
		}
		destination := tr.DestinationID
		next.TransferServiceID = &destination
		next.CounterID = nil
	case models.StatusPending:
		rq := tr.Requeue
		if rq.ServiceID == "" || rq.Prefix == "" || rq.Number <= 0 || rq.QueueDate == "" {
			return models.Ticket{}, fmt.Errorf("%w: requeue needs a destination number", store.ErrInvalidTransition)
		}
		next.ServiceID = rq.ServiceID
		next.Prefix = rq.Prefix
		next.Number = rq.Number
		next.TicketNumber = models.FormatTicketNumber(rq.Prefix, rq.Number)
		next.QueueDate = rq.QueueDate
		next.TransferServiceID = nil
		next.CalledAt = nil
		next.ServingStart = nil
		next.ServingEnd = nil
	}
	next.Status = tr.To
	next.UpdatedAt = now
	return next, nil
}

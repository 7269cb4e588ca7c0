package lifecycle

import (
	"context"
	"errors"
	"time"

	"qms/dispatch-service/internal/keylock"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/retry"
	"qms/dispatch-service/internal/store"
)

// Result holds the ticket as read before the transition and as written after.
type Result struct {
	Before models.Ticket
	After  models.Ticket
}

type Options struct {
	Retry retry.Policy
	Now   func() time.Time
}

// Machine applies transitions to stored tickets. Transitions on the same
// ticket are serialized in process; the version check in the store covers
// writers in other processes.
type Machine struct {
	store store.TicketStore
	locks *keylock.Set
	retry retry.Policy
	now   func() time.Time
}

func NewMachine(st store.TicketStore, options Options) *Machine {
	now := options.Now
	if now == nil {
		now = time.Now
	}
	return &Machine{
		store: st,
		locks: keylock.New(),
		retry: options.Retry,
		now:   now,
	}
}

func (m *Machine) Apply(ctx context.Context, ticketID string, tr Transition) (Result, error) {
	unlock, err := m.locks.Lock(ctx, ticketID)
	if err != nil {
		return Result{}, err
	}
	defer unlock()

	return retry.Do(ctx, m.retry, func(ctx context.Context) (Result, error) {
		before, err := m.store.GetTicket(ctx, ticketID)
		if err != nil {
			return Result{}, err
		}
		after, err := Apply(before, tr, m.now().UTC())
		if err != nil {
			return Result{}, err
		}
		after, err = m.store.UpdateTicket(ctx, after, before.Version, EventType(tr.To))
		if errors.Is(err, store.ErrAllocationConflict) {
			// the destination number is taken; the caller must draw a new one
			return Result{}, retry.Stop(err)
		}
		if err != nil {
			return Result{}, err
		}
		return Result{Before: before, After: after}, nil
	})
}

// Package dispatch picks the next ticket for a counter.
package dispatch

import (
	"context"
	"errors"

	"qms/dispatch-service/internal/keylock"
	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

// Dispatcher serializes calls per counter. Counters of the same service run
// in parallel and settle races for a ticket through the state machine.
type Dispatcher struct {
	store   store.Store
	machine *lifecycle.Machine
	locks   *keylock.Set
}

func New(st store.Store, machine *lifecycle.Machine) *Dispatcher {
	return &Dispatcher{store: st, machine: machine, locks: keylock.New()}
}

// CallNext moves the head of the counter's service queue to CALLED at the
// counter. It fails with store.ErrCounterBusy while the counter still holds a
// ticket and store.ErrNoTicketAvailable when the queue is empty.
func (d *Dispatcher) CallNext(ctx context.Context, counterID string) (lifecycle.Result, error) {
	unlock, err := d.locks.Lock(ctx, counterID)
	if err != nil {
		return lifecycle.Result{}, err
	}
	defer unlock()

	counter, err := d.store.GetCounter(ctx, counterID)
	if err != nil {
		return lifecycle.Result{}, err
	}
	if _, busy, err := d.store.ActiveTicket(ctx, counterID); err != nil {
		return lifecycle.Result{}, err
	} else if busy {
		return lifecycle.Result{}, store.ErrCounterBusy
	}

	var skip []string
	for {
		next, ok, err := d.store.NextPending(ctx, counter.ServiceID, skip)
		if err != nil {
			return lifecycle.Result{}, err
		}
		if !ok {
			return lifecycle.Result{}, store.ErrNoTicketAvailable
		}

		res, err := d.machine.Apply(ctx, next.TicketID, lifecycle.Transition{
			To:        models.StatusCalled,
			CounterID: counterID,
		})
		if errors.Is(err, store.ErrInvalidTransition) {
			// another counter got there first
			skip = append(skip, next.TicketID)
			continue
		}
		return res, err
	}
}

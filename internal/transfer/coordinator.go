// Package transfer moves tickets between services. A transfer parks the
// ticket in RETURNING with its destination recorded, draws a number under the
// destination prefix and requeues it there. A transfer interrupted between
// those steps is finished by Recover.
package transfer

import (
	"context"
	"errors"
	"time"

	"qms/dispatch-service/internal/keylock"
	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/retry"
	"qms/dispatch-service/internal/sequence"
	"qms/dispatch-service/internal/store"

	"go.uber.org/zap"
)

const recoverBatchSize = 100

type Options struct {
	Retry    retry.Policy
	Now      func() time.Time
	Location *time.Location
	Logger   *zap.Logger

	// RecoverGrace is how long a ticket must have sat in RETURNING before
	// Recover touches it, leaving in-flight transfers to their owner.
	RecoverGrace time.Duration
}

type Coordinator struct {
	store   store.Store
	machine *lifecycle.Machine
	alloc   sequence.Allocator
	locks   *keylock.Set
	retry   retry.Policy
	now     func() time.Time
	loc     *time.Location
	log     *zap.Logger
	grace   time.Duration
}

func New(st store.Store, machine *lifecycle.Machine, alloc sequence.Allocator, options Options) *Coordinator {
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
	return &Coordinator{
		store:   st,
		machine: machine,
		alloc:   alloc,
		locks:   keylock.New(),
		retry:   options.Retry,
		now:     now,
		loc:     loc,
		log:     log,
		grace:   options.RecoverGrace,
	}
}

// Transfer moves the ticket to the pending queue of destinationServiceID.
// Result.Before is the ticket as it was at the source. When requeueing fails
// after the ticket was parked, the error comes with the parked Result so the
// committed RETURNING change can still be published.
func (c *Coordinator) Transfer(ctx context.Context, ticketID, destinationServiceID string) (lifecycle.Result, error) {
	unlock, err := c.locks.Lock(ctx, ticketID)
	if err != nil {
		return lifecycle.Result{}, err
	}
	defer unlock()

	destination, err := c.store.GetService(ctx, destinationServiceID)
	if err != nil {
		return lifecycle.Result{}, err
	}

	parked, err := c.machine.Apply(ctx, ticketID, lifecycle.Transition{
		To:            models.StatusReturning,
		DestinationID: destination.ServiceID,
	})
	if err != nil {
		return lifecycle.Result{}, err
	}

	requeued, err := c.requeue(ctx, parked.After, destination)
	if err != nil {
		c.log.Warn("transfer left ticket returning",
			zap.String("ticket_id", ticketID),
			zap.String("service_id", destination.ServiceID),
			zap.Error(err),
		)
		return parked, err
	}
	return lifecycle.Result{Before: parked.Before, After: requeued.After}, nil
}

// Recover requeues tickets that have been in RETURNING for longer than the
// recover grace. It returns the tickets it moved; failures are logged and
// left for the next run.
func (c *Coordinator) Recover(ctx context.Context) ([]lifecycle.Result, error) {
	parked, err := c.store.ListByStatus(ctx, models.StatusReturning, recoverBatchSize)
	if err != nil {
		return nil, err
	}

	var recovered []lifecycle.Result
	for _, ticket := range parked {
		res, err := c.recoverOne(ctx, ticket.TicketID)
		if err != nil {
			c.log.Warn("recover returning ticket failed", zap.String("ticket_id", ticket.TicketID), zap.Error(err))
			continue
		}
		if res != nil {
			recovered = append(recovered, *res)
		}
	}
	return recovered, nil
}

func (c *Coordinator) recoverOne(ctx context.Context, ticketID string) (*lifecycle.Result, error) {
	unlock, err := c.locks.Lock(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	ticket, err := c.store.GetTicket(ctx, ticketID)
	if err != nil {
		return nil, err
	}
	if ticket.Status != models.StatusReturning {
		return nil, nil
	}
	if c.grace > 0 && c.now().Sub(ticket.UpdatedAt) < c.grace {
		return nil, nil
	}

	destinationID := ticket.ServiceID
	if ticket.TransferServiceID != nil && *ticket.TransferServiceID != "" {
		destinationID = *ticket.TransferServiceID
	}
	destination, err := c.store.GetService(ctx, destinationID)
	if err != nil {
		return nil, err
	}

	res, err := c.requeue(ctx, ticket, destination)
	if err != nil {
		return nil, err
	}
	c.log.Info("recovered returning ticket",
		zap.String("ticket_id", ticketID),
		zap.String("ticket_number", res.After.TicketNumber),
	)
	return &res, nil
}

func (c *Coordinator) requeue(ctx context.Context, ticket models.Ticket, destination models.Service) (lifecycle.Result, error) {
	return retry.Do(ctx, c.retry, func(ctx context.Context) (lifecycle.Result, error) {
		day := sequence.Day(c.now(), c.loc)
		number, err := c.alloc.Next(ctx, destination.Code, day)
		if err != nil {
			return lifecycle.Result{}, err
		}
		res, err := c.machine.Apply(ctx, ticket.TicketID, lifecycle.Transition{
			To: models.StatusPending,
			Requeue: lifecycle.Requeue{
				ServiceID: destination.ServiceID,
				Prefix:    destination.Code,
				Number:    number,
				QueueDate: day,
			},
		})
		if errors.Is(err, store.ErrAllocationConflict) {
			if rs, ok := c.alloc.(sequence.Resyncer); ok {
				if rerr := rs.Resync(ctx, destination.Code, day); rerr != nil {
					return lifecycle.Result{}, rerr
				}
			}
		}
		return res, err
	})
}

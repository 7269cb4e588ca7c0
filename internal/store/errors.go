package store

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is wrapped by every lookup miss below.
	ErrNotFound          = errors.New("not found")
	ErrTicketNotFound    = fmt.Errorf("ticket %w", ErrNotFound)
	ErrServiceNotFound   = fmt.Errorf("service %w", ErrNotFound)
	ErrCounterNotFound   = fmt.Errorf("counter %w", ErrNotFound)
	ErrInvalidTransition = errors.New("invalid ticket transition")
	ErrCounterBusy       = errors.New("counter busy")
	ErrCounterMismatch   = errors.New("counter mismatch")
	ErrNoTicketAvailable = errors.New("no ticket available")
	ErrConflict          = errors.New("conflict, please retry")
	ErrInvalidArgument   = errors.New("invalid argument")

	// ErrAllocationConflict reports a duplicate (prefix, queue_date, number).
	// Callers recover by allocating again; it never reaches an API client.
	ErrAllocationConflict = errors.New("ticket number already allocated")
	// ErrVersionConflict reports a lost optimistic write on a ticket.
	ErrVersionConflict = errors.New("ticket version conflict")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports errors that a fresh read and retry can resolve.
func IsTransient(err error) bool {
	return errors.Is(err, ErrVersionConflict) || errors.Is(err, ErrAllocationConflict)
}

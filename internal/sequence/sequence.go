// Package sequence hands out ticket numbers per (prefix, day). Every
// allocator serializes per key and starts each new day at 1.
package sequence

import (
	"context"
	"time"
)

const DayLayout = "2006-01-02"

type Allocator interface {
	Next(ctx context.Context, prefix, day string) (int, error)
}

// Resyncer is implemented by allocators that cache state and can realign it
// with the store after a duplicate number was rejected.
type Resyncer interface {
	Resync(ctx context.Context, prefix, day string) error
}

// Seeder reports the highest number already stored for a key.
type Seeder interface {
	MaxNumber(ctx context.Context, prefix, queueDate string) (int, error)
}

// StoreCounter is a storage-side increment such as postgres.Store.
type StoreCounter interface {
	NextNumber(ctx context.Context, prefix, queueDate string) (int, error)
	Resync(ctx context.Context, prefix, queueDate string) error
}

type storeAllocator struct {
	counter StoreCounter
}

// FromStore allocates directly from the database so numbering survives
// restarts and is shared by every replica.
func FromStore(counter StoreCounter) Allocator {
	return storeAllocator{counter: counter}
}

func (s storeAllocator) Next(ctx context.Context, prefix, day string) (int, error) {
	return s.counter.NextNumber(ctx, prefix, day)
}

func (s storeAllocator) Resync(ctx context.Context, prefix, day string) error {
	return s.counter.Resync(ctx, prefix, day)
}

// Day returns the queue day t falls on in loc.
func Day(t time.Time, loc *time.Location) string {
	if loc == nil {
		loc = time.Local
	}
	return t.In(loc).Format(DayLayout)
}

package transfer

import (
	"context"
	"errors"
	"testing"
	"time"

	"qms/dispatch-service/internal/lifecycle"
	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/retry"
	"qms/dispatch-service/internal/sequence"
	"qms/dispatch-service/internal/store"
	"qms/dispatch-service/internal/store/memory"
)

type fixture struct {
	store       *memory.Store
	machine     *lifecycle.Machine
	alloc       *sequence.Memory
	coordinator *Coordinator
	now         time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st := memory.New()
	st.AddService(models.Service{ServiceID: "svc-cw", Code: "CW", Name: "Payment"})
	st.AddService(models.Service{ServiceID: "svc-p", Code: "P", Name: "Permits"})
	st.AddCounter(models.Counter{CounterID: "c1", ServiceID: "svc-cw", Name: "Counter 1"})

	f := &fixture{store: st, now: time.Date(2026, 5, 5, 10, 0, 0, 0, time.UTC)}
	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	clock := func() time.Time { return f.now }
	f.machine = lifecycle.NewMachine(st, lifecycle.Options{Retry: policy, Now: clock})
	f.alloc = sequence.NewMemory(st)
	f.coordinator = New(st, f.machine, f.alloc, Options{Retry: policy, Now: clock, Location: time.UTC})
	return f
}

func (f *fixture) insert(t *testing.T, ticket models.Ticket) models.Ticket {
	t.Helper()
	stored, err := f.store.InsertTicket(context.Background(), ticket)
	if err != nil {
		t.Fatalf("insert: %v", err)
	}
	return stored
}

func yesterdayTicket(id string, number int, prioritized bool) models.Ticket {
	created := time.Date(2026, 5, 4, 16, 0, 0, 0, time.UTC)
	return models.Ticket{
		TicketID:      id,
		Prefix:        "CW",
		Number:        number,
		TicketNumber:  models.FormatTicketNumber("CW", number),
		QueueDate:     "2026-05-04",
		Status:        models.StatusPending,
		ServiceID:     "svc-cw",
		IsPrioritized: prioritized,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}

func TestTransferServingTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	original := f.insert(t, yesterdayTicket("t1", 7, true))

	if _, err := f.machine.Apply(ctx, "t1", lifecycle.Transition{To: models.StatusCalled, CounterID: "c1"}); err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := f.machine.Apply(ctx, "t1", lifecycle.Transition{To: models.StatusServing}); err != nil {
		t.Fatalf("serve: %v", err)
	}

	res, err := f.coordinator.Transfer(ctx, "t1", "svc-p")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	got := res.After
	if got.Status != models.StatusPending || got.ServiceID != "svc-p" || got.Prefix != "P" {
		t.Fatalf("expected pending under P, got %+v", got)
	}
	if got.TicketNumber != "P-001" || got.QueueDate != "2026-05-05" {
		t.Fatalf("expected P-001 for the current day, got %s on %s", got.TicketNumber, got.QueueDate)
	}
	if !got.IsPrioritized || !got.CreatedAt.Equal(original.CreatedAt) {
		t.Fatalf("priority and creation time must be preserved: %+v", got)
	}
	if got.CounterID != nil || got.TransferServiceID != nil {
		t.Fatalf("expected no counter and no pending destination, got %+v", got)
	}
	if res.Before.Status != models.StatusServing || res.Before.Counter() != "c1" {
		t.Fatalf("expected the source state in Before, got %+v", res.Before)
	}
	if _, busy, _ := f.store.ActiveTicket(ctx, "c1"); busy {
		t.Fatalf("expected counter to be free after transfer")
	}
}

func TestTransferPendingTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, yesterdayTicket("t1", 1, false))

	res, err := f.coordinator.Transfer(ctx, "t1", "svc-p")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.After.ServiceID != "svc-p" || res.After.Status != models.StatusPending {
		t.Fatalf("unexpected ticket %+v", res.After)
	}
}

func TestTransferRejectsFinishedTicket(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	ticket := yesterdayTicket("t1", 1, false)
	ticket.Status = models.StatusServed
	f.insert(t, ticket)

	_, err := f.coordinator.Transfer(ctx, "t1", "svc-p")
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	stored, _ := f.store.GetTicket(ctx, "t1")
	if stored.Status != models.StatusServed || stored.ServiceID != "svc-cw" {
		t.Fatalf("ticket changed after a rejected transfer: %+v", stored)
	}
}

func TestTransferUnknownTargets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, yesterdayTicket("t1", 1, false))

	if _, err := f.coordinator.Transfer(ctx, "t1", "svc-missing"); !errors.Is(err, store.ErrServiceNotFound) {
		t.Fatalf("expected service not found, got %v", err)
	}
	if _, err := f.coordinator.Transfer(ctx, "missing", "svc-p"); !errors.Is(err, store.ErrTicketNotFound) {
		t.Fatalf("expected ticket not found, got %v", err)
	}
}

func TestTransferResyncsAfterTakenNumber(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, yesterdayTicket("t1", 1, false))

	if n, _ := f.alloc.Next(ctx, "P", "2026-05-05"); n != 1 {
		t.Fatalf("expected to draw 1, got %d", n)
	}
	taken := yesterdayTicket("other", 2, false)
	taken.Prefix = "P"
	taken.TicketNumber = "P-002"
	taken.QueueDate = "2026-05-05"
	taken.ServiceID = "svc-p"
	f.insert(t, taken)

	res, err := f.coordinator.Transfer(ctx, "t1", "svc-p")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.After.TicketNumber != "P-003" {
		t.Fatalf("expected the allocator to skip past P-002, got %s", res.After.TicketNumber)
	}
}

func TestRecoverRequeuesParkedTickets(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.insert(t, yesterdayTicket("t1", 1, true))
	f.insert(t, yesterdayTicket("t2", 2, false))

	// simulate a crash between parking and requeueing
	if _, err := f.machine.Apply(ctx, "t1", lifecycle.Transition{To: models.StatusReturning, DestinationID: "svc-p"}); err != nil {
		t.Fatalf("park: %v", err)
	}

	recovered, err := f.coordinator.Recover(ctx)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if len(recovered) != 1 {
		t.Fatalf("expected one recovered ticket, got %d", len(recovered))
	}
	got, _ := f.store.GetTicket(ctx, "t1")
	if got.Status != models.StatusPending || got.ServiceID != "svc-p" || got.TicketNumber != "P-001" || !got.IsPrioritized {
		t.Fatalf("unexpected recovered ticket %+v", got)
	}

	again, err := f.coordinator.Recover(ctx)
	if err != nil || len(again) != 0 {
		t.Fatalf("expected nothing left to recover, got %d (%v)", len(again), err)
	}
}

func TestRecoverLeavesRecentTransfersAlone(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	clock := func() time.Time { return f.now }
	f.coordinator = New(f.store, f.machine, f.alloc, Options{Retry: policy, Now: clock, Location: time.UTC, RecoverGrace: 30 * time.Second})
	f.insert(t, yesterdayTicket("t1", 1, false))

	// another instance parked the ticket and is still requeueing it
	if _, err := f.machine.Apply(ctx, "t1", lifecycle.Transition{To: models.StatusReturning, DestinationID: "svc-p"}); err != nil {
		t.Fatalf("park: %v", err)
	}

	f.now = f.now.Add(10 * time.Second)
	recovered, err := f.coordinator.Recover(ctx)
	if err != nil || len(recovered) != 0 {
		t.Fatalf("expected a recent transfer to be skipped, got %d (%v)", len(recovered), err)
	}
	if got, _ := f.store.GetTicket(ctx, "t1"); got.Status != models.StatusReturning {
		t.Fatalf("expected ticket to stay returning, got %s", got.Status)
	}

	f.now = f.now.Add(time.Minute)
	recovered, err = f.coordinator.Recover(ctx)
	if err != nil || len(recovered) != 1 {
		t.Fatalf("expected the stale transfer to be recovered, got %d (%v)", len(recovered), err)
	}
	if recovered[0].After.TicketNumber != "P-001" {
		t.Fatalf("unexpected recovered ticket %+v", recovered[0].After)
	}
}

type downAllocator struct {
	sequence.Allocator
	prefix string
}

func (a downAllocator) Next(ctx context.Context, prefix, day string) (int, error) {
	if prefix == a.prefix {
		return 0, errors.New("sequence backend down")
	}
	return a.Allocator.Next(ctx, prefix, day)
}

func TestTransferReturnsParkedTicketWhenRequeueFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	policy := retry.Policy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 2 * time.Millisecond}
	clock := func() time.Time { return f.now }
	f.coordinator = New(f.store, f.machine, downAllocator{Allocator: f.alloc, prefix: "P"}, Options{Retry: policy, Now: clock, Location: time.UTC})
	f.insert(t, yesterdayTicket("t1", 1, false))
	if _, err := f.machine.Apply(ctx, "t1", lifecycle.Transition{To: models.StatusCalled, CounterID: "c1"}); err != nil {
		t.Fatalf("call: %v", err)
	}

	res, err := f.coordinator.Transfer(ctx, "t1", "svc-p")
	if err == nil {
		t.Fatal("expected the allocation failure to surface")
	}
	if res.After.Status != models.StatusReturning || res.Before.Counter() != "c1" {
		t.Fatalf("expected the parked change to be returned, got %+v", res)
	}
}

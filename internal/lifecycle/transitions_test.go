package lifecycle

import (
	"errors"
	"testing"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from  string
		to    string
		valid bool
	}{
		{models.StatusPending, models.StatusCalled, true},
		{models.StatusPending, models.StatusServing, false},
		{models.StatusPending, models.StatusServed, false},
		{models.StatusPending, models.StatusReturning, true},
		{models.StatusCalled, models.StatusServing, true},
		{models.StatusCalled, models.StatusLapsed, true},
		{models.StatusCalled, models.StatusReturning, true},
		{models.StatusCalled, models.StatusServed, false},
		{models.StatusServing, models.StatusServed, true},
		{models.StatusServing, models.StatusReturning, true},
		{models.StatusServing, models.StatusLapsed, false},
		{models.StatusReturning, models.StatusPending, true},
		{models.StatusReturning, models.StatusCalled, false},
		{models.StatusServed, models.StatusPending, false},
		{models.StatusLapsed, models.StatusPending, false},
		{models.StatusLapsed, models.StatusReturning, false},
		{models.StatusPending, "unknown", false},
	}

	for _, tt := range cases {
		if got := ValidTransition(tt.from, tt.to); got != tt.valid {
			t.Fatalf("ValidTransition(%q, %q)=%v, want %v", tt.from, tt.to, got, tt.valid)
		}
	}
}

func pendingTicket() models.Ticket {
	created := time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)
	return models.Ticket{
		TicketID:     "t1",
		Prefix:       "CW",
		Number:       1,
		TicketNumber: "CW-001",
		QueueDate:    "2026-05-04",
		Status:       models.StatusPending,
		ServiceID:    "svc-cw",
		CreatedAt:    created,
		UpdatedAt:    created,
		Version:      1,
	}
}

func TestApplyFullServicePass(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	ticket := pendingTicket()

	called, err := Apply(ticket, Transition{To: models.StatusCalled, CounterID: "c1"}, now)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if called.Counter() != "c1" || called.CalledAt == nil || called.LastCounterID != "c1" {
		t.Fatalf("call side effects missing: %+v", called)
	}
	if ticket.CounterID != nil {
		t.Fatalf("input ticket was modified")
	}

	serving, err := Apply(called, Transition{To: models.StatusServing, CounterID: "c1"}, now.Add(time.Minute))
	if err != nil {
		t.Fatalf("start serving: %v", err)
	}
	if serving.ServingStart == nil || !serving.ServingStart.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected serving start to be set, got %v", serving.ServingStart)
	}

	served, err := Apply(serving, Transition{To: models.StatusServed}, now.Add(3*time.Minute))
	if err != nil {
		t.Fatalf("serve: %v", err)
	}
	if served.CounterID != nil || served.ServingEnd == nil {
		t.Fatalf("expected counter cleared and serving end set: %+v", served)
	}
	if served.LastCounterID != "c1" {
		t.Fatalf("expected last counter to be kept, got %q", served.LastCounterID)
	}
	if !served.UpdatedAt.Equal(now.Add(3 * time.Minute)) {
		t.Fatalf("expected updated at to move, got %v", served.UpdatedAt)
	}
}

func TestApplyRejectsInvalidEdge(t *testing.T) {
	_, err := Apply(pendingTicket(), Transition{To: models.StatusServed}, time.Now())
	var te *TransitionError
	if !errors.As(err, &te) {
		t.Fatalf("expected TransitionError, got %v", err)
	}
	if te.From != models.StatusPending || te.To != models.StatusServed {
		t.Fatalf("unexpected edge %s->%s", te.From, te.To)
	}
	if !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestApplyServingFromOtherCounter(t *testing.T) {
	now := time.Now()
	called, err := Apply(pendingTicket(), Transition{To: models.StatusCalled, CounterID: "c1"}, now)
	if err != nil {
		t.Fatalf("call: %v", err)
	}
	if _, err := Apply(called, Transition{To: models.StatusServing, CounterID: "c2"}, now); !errors.Is(err, store.ErrCounterMismatch) {
		t.Fatalf("expected counter mismatch, got %v", err)
	}
}

func TestApplyReturningAndRequeue(t *testing.T) {
	now := time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)
	ticket := pendingTicket()
	ticket.IsPrioritized = true
	called, _ := Apply(ticket, Transition{To: models.StatusCalled, CounterID: "c1"}, now)
	serving, _ := Apply(called, Transition{To: models.StatusServing}, now)

	returning, err := Apply(serving, Transition{To: models.StatusReturning, DestinationID: "svc-p"}, now)
	if err != nil {
		t.Fatalf("return: %v", err)
	}
	if returning.CounterID != nil || returning.TransferServiceID == nil || *returning.TransferServiceID != "svc-p" {
		t.Fatalf("unexpected returning ticket: %+v", returning)
	}

	pending, err := Apply(returning, Transition{To: models.StatusPending, Requeue: Requeue{
		ServiceID: "svc-p",
		Prefix:    "P",
		Number:    4,
		QueueDate: "2026-05-04",
	}}, now)
	if err != nil {
		t.Fatalf("requeue: %v", err)
	}
	if pending.ServiceID != "svc-p" || pending.TicketNumber != "P-004" || pending.TransferServiceID != nil {
		t.Fatalf("unexpected requeued ticket: %+v", pending)
	}
	if !pending.IsPrioritized || !pending.CreatedAt.Equal(ticket.CreatedAt) {
		t.Fatalf("priority and creation time must survive a transfer: %+v", pending)
	}
	if pending.ServingStart != nil || pending.CalledAt != nil {
		t.Fatalf("expected a fresh service pass, got %+v", pending)
	}
}

func TestApplyRequiresArguments(t *testing.T) {
	now := time.Now()
	if _, err := Apply(pendingTicket(), Transition{To: models.StatusCalled}, now); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected error without counter, got %v", err)
	}
	if _, err := Apply(pendingTicket(), Transition{To: models.StatusReturning}, now); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected error without destination, got %v", err)
	}
}

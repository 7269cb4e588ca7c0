package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsNotFound(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "ticket", err: ErrTicketNotFound, want: true},
		{name: "wrapped service", err: fmt.Errorf("lookup: %w", ErrServiceNotFound), want: true},
		{name: "counter", err: ErrCounterNotFound, want: true},
		{name: "bare", err: ErrNotFound, want: true},
		{name: "busy", err: ErrCounterBusy, want: false},
		{name: "nil", err: nil, want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsNotFound(tt.err); got != tt.want {
				t.Fatalf("IsNotFound(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
	if errors.Is(ErrTicketNotFound, ErrServiceNotFound) {
		t.Fatal("lookup misses must stay distinguishable")
	}
	if ErrTicketNotFound.Error() != "ticket not found" {
		t.Fatalf("unexpected message %q", ErrTicketNotFound.Error())
	}
}

package models

import (
	"fmt"
	"time"
)

const TicketNumberPad = 3

type Ticket struct {
	TicketID          string     `json:"ticket_id"`
	Prefix            string     `json:"prefix"`
	Number            int        `json:"number"`
	TicketNumber      string     `json:"ticket_number"`
	QueueDate         string     `json:"queue_date"`
	Status            string     `json:"status"`
	ServiceID         string     `json:"service_id"`
	CounterID         *string    `json:"counter_id,omitempty"`
	TransferServiceID *string    `json:"transfer_service_id,omitempty"`
	LastCounterID     string     `json:"last_counter_id,omitempty"`
	IsPrioritized     bool       `json:"is_prioritized"`
	CreatedAt         time.Time  `json:"created_at"`
	CalledAt          *time.Time `json:"called_at,omitempty"`
	ServingStart      *time.Time `json:"serving_start,omitempty"`
	ServingEnd        *time.Time `json:"serving_end,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
	Version           int        `json:"version"`
}

const (
	StatusPending   = "pending"
	StatusCalled    = "called"
	StatusServing   = "serving"
	StatusServed    = "served"
	StatusLapsed    = "lapsed"
	StatusReturning = "returning"
)

// IsActive reports whether the ticket currently occupies a counter.
func IsActive(status string) bool {
	return status == StatusCalled || status == StatusServing
}

func FormatTicketNumber(prefix string, number int) string {
	return fmt.Sprintf("%s-%0*d", prefix, TicketNumberPad, number)
}

// Counter returns the assigned counter or "" when the ticket is not at one.
func (t Ticket) Counter() string {
	if t.CounterID == nil {
		return ""
	}
	return *t.CounterID
}

// Clone copies the ticket including its pointer fields so callers can mutate
// the result without touching the original.
func (t Ticket) Clone() Ticket {
	out := t
	out.CounterID = cloneString(t.CounterID)
	out.TransferServiceID = cloneString(t.TransferServiceID)
	out.CalledAt = cloneTime(t.CalledAt)
	out.ServingStart = cloneTime(t.ServingStart)
	out.ServingEnd = cloneTime(t.ServingEnd)
	return out
}

func cloneString(value *string) *string {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

func cloneTime(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	v := *value
	return &v
}

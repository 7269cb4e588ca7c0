package store

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"qms/dispatch-service/internal/models"
)

var ErrBrokenChain = errors.New("ticket event chain broken")

type TicketEvent struct {
	TicketID  string          `json:"ticket_id"`
	TicketSeq int             `json:"ticket_seq"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
	PrevHash  string          `json:"prev_hash"`
	Hash      string          `json:"hash"`
}

func ComputeTicketEventHash(prevHash, ticketID, eventType string, payload json.RawMessage, createdAt time.Time, seq int) string {
	raw := fmt.Sprintf("%s|%s|%s|%s|%d|%s", prevHash, ticketID, eventType, createdAt.UTC().Format(time.RFC3339Nano), seq, payload)
	sum := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%x", sum)
}

// NextTicketEvent builds the event that follows prev (nil for the first one)
// with the ticket snapshot as payload.
func NextTicketEvent(prev *TicketEvent, ticket models.Ticket, eventType string, createdAt time.Time) (TicketEvent, error) {
	payload, err := json.Marshal(ticket)
	if err != nil {
		return TicketEvent{}, err
	}
	seq := 1
	prevHash := ""
	if prev != nil {
		seq = prev.TicketSeq + 1
		prevHash = prev.Hash
	}
	// timestamptz keeps microseconds; hash what the database will return
	createdAt = createdAt.UTC().Truncate(time.Microsecond)
	return TicketEvent{
		TicketID:  ticket.TicketID,
		TicketSeq: seq,
		Type:      eventType,
		Payload:   payload,
		CreatedAt: createdAt,
		PrevHash:  prevHash,
		Hash:      ComputeTicketEventHash(prevHash, ticket.TicketID, eventType, payload, createdAt, seq),
	}, nil
}

func VerifyTicketEvents(events []TicketEvent) error {
	prev := ""
	for i, event := range events {
		if event.TicketSeq != i+1 || event.PrevHash != prev {
			return fmt.Errorf("%w at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		if ComputeTicketEventHash(prev, event.TicketID, event.Type, event.Payload, event.CreatedAt, event.TicketSeq) != event.Hash {
			return fmt.Errorf("%w at seq %d", ErrBrokenChain, event.TicketSeq)
		}
		prev = event.Hash
	}
	return nil
}

// RehydrateTicket replays the snapshots in order; later events win.
func RehydrateTicket(events []TicketEvent) (models.Ticket, error) {
	var ticket models.Ticket
	for _, event := range events {
		if len(event.Payload) == 0 {
			continue
		}
		var snapshot models.Ticket
		if err := json.Unmarshal(event.Payload, &snapshot); err != nil {
			return models.Ticket{}, err
		}
		ticket = snapshot
	}
	return ticket, nil
}

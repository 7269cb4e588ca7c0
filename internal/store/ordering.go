package store

import "qms/dispatch-service/internal/models"

// QueueBefore orders pending tickets for calling: prioritized tickets first,
// then oldest creation time.
func QueueBefore(a, b models.Ticket) bool {
	if a.IsPrioritized != b.IsPrioritized {
		return a.IsPrioritized
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	if a.QueueDate != b.QueueDate {
		return a.QueueDate < b.QueueDate
	}
	return a.Number < b.Number
}

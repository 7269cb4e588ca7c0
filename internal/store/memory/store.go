// Package memory is a process-local implementation of the store contracts.
// It keeps the same conflict semantics as the postgres store and is used by
// tests and single-node deployments without a database.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"
)

type Store struct {
	mu       sync.RWMutex
	now      func() time.Time
	seq      int64
	tickets  map[string]*record
	events   map[string][]store.TicketEvent
	services map[string]models.Service
	counters map[string]models.Counter
}

type record struct {
	ticket models.Ticket
	seq    int64
}

func New() *Store {
	return &Store{
		now:      time.Now,
		tickets:  make(map[string]*record),
		events:   make(map[string][]store.TicketEvent),
		services: make(map[string]models.Service),
		counters: make(map[string]models.Counter),
	}
}

func (s *Store) AddService(service models.Service) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.services[service.ServiceID] = service
}

func (s *Store) AddCounter(counter models.Counter) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counters[counter.CounterID] = counter
}

func (s *Store) UpsertService(ctx context.Context, service models.Service) error {
	s.AddService(service)
	return nil
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	s.mu.RLock()
	_, ok := s.services[counter.ServiceID]
	s.mu.RUnlock()
	if !ok {
		return store.ErrServiceNotFound
	}
	s.AddCounter(counter)
	return nil
}

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	service, ok := s.services[serviceID]
	if !ok {
		return models.Service{}, store.ErrServiceNotFound
	}
	return service, nil
}

func (s *Store) GetServiceByCode(ctx context.Context, code string) (models.Service, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, service := range s.services {
		if service.Code == code {
			return service, nil
		}
	}
	return models.Service{}, store.ErrServiceNotFound
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counter, ok := s.counters[counterID]
	if !ok {
		return models.Counter{}, store.ErrCounterNotFound
	}
	return counter, nil
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.tickets[ticket.TicketID]; exists {
		return models.Ticket{}, store.ErrAllocationConflict
	}
	if err := s.checkConstraints(ticket); err != nil {
		return models.Ticket{}, err
	}

	ticket = ticket.Clone()
	ticket.Version = 1
	s.seq++
	s.tickets[ticket.TicketID] = &record{ticket: ticket, seq: s.seq}
	if err := s.appendEvent(ticket, store.EventCreated); err != nil {
		return models.Ticket{}, err
	}
	return ticket.Clone(), nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tickets[ticketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	return rec.ticket.Clone(), nil
}

func (s *Store) UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int, eventType string) (models.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.tickets[ticket.TicketID]
	if !ok {
		return models.Ticket{}, store.ErrTicketNotFound
	}
	if rec.ticket.Version != expectedVersion {
		return models.Ticket{}, store.ErrVersionConflict
	}
	if err := s.checkConstraints(ticket); err != nil {
		return models.Ticket{}, err
	}

	ticket = ticket.Clone()
	ticket.Version = expectedVersion + 1
	rec.ticket = ticket
	if err := s.appendEvent(ticket, eventType); err != nil {
		return models.Ticket{}, err
	}
	return ticket.Clone(), nil
}

// checkConstraints mirrors the unique indexes of the SQL schema. Callers hold
// the write lock.
func (s *Store) checkConstraints(ticket models.Ticket) error {
	for id, rec := range s.tickets {
		if id == ticket.TicketID {
			continue
		}
		other := rec.ticket
		if other.Prefix == ticket.Prefix && other.QueueDate == ticket.QueueDate && other.Number == ticket.Number {
			return store.ErrAllocationConflict
		}
		if models.IsActive(ticket.Status) && models.IsActive(other.Status) && other.Counter() != "" && other.Counter() == ticket.Counter() {
			return store.ErrCounterBusy
		}
	}
	return nil
}

func (s *Store) appendEvent(ticket models.Ticket, eventType string) error {
	history := s.events[ticket.TicketID]
	var prev *store.TicketEvent
	if len(history) > 0 {
		prev = &history[len(history)-1]
	}
	event, err := store.NextTicketEvent(prev, ticket, eventType, s.now())
	if err != nil {
		return err
	}
	s.events[ticket.TicketID] = append(history, event)
	return nil
}

func (s *Store) NextPending(ctx context.Context, serviceID string, skip []string) (models.Ticket, bool, error) {
	pending := s.pending(serviceID, skip)
	if len(pending) == 0 {
		return models.Ticket{}, false, nil
	}
	return pending[0], true, nil
}

func (s *Store) ListPending(ctx context.Context, serviceID string) ([]models.Ticket, error) {
	return s.pending(serviceID, nil), nil
}

func (s *Store) pending(serviceID string, skip []string) []models.Ticket {
	s.mu.RLock()
	defer s.mu.RUnlock()

	skipped := make(map[string]struct{}, len(skip))
	for _, id := range skip {
		skipped[id] = struct{}{}
	}
	var recs []*record
	for _, rec := range s.tickets {
		if rec.ticket.Status != models.StatusPending || rec.ticket.ServiceID != serviceID {
			continue
		}
		if _, ok := skipped[rec.ticket.TicketID]; ok {
			continue
		}
		recs = append(recs, rec)
	}
	sort.Slice(recs, func(i, j int) bool {
		a, b := recs[i].ticket, recs[j].ticket
		if store.QueueBefore(a, b) {
			return true
		}
		if store.QueueBefore(b, a) {
			return false
		}
		return recs[i].seq < recs[j].seq
	})
	tickets := make([]models.Ticket, 0, len(recs))
	for _, rec := range recs {
		tickets = append(tickets, rec.ticket.Clone())
	}
	return tickets
}

func (s *Store) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.tickets {
		if models.IsActive(rec.ticket.Status) && rec.ticket.Counter() == counterID {
			return rec.ticket.Clone(), true, nil
		}
	}
	return models.Ticket{}, false, nil
}

func (s *Store) ListByStatus(ctx context.Context, status string, limit int) ([]models.Ticket, error) {
	return s.filter(limit, func(t models.Ticket) bool { return t.Status == status }), nil
}

func (s *Store) ListCalledBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Ticket, error) {
	return s.filter(limit, func(t models.Ticket) bool {
		return t.Status == models.StatusCalled && t.CalledAt != nil && !t.CalledAt.After(cutoff)
	}), nil
}

func (s *Store) filter(limit int, keep func(models.Ticket) bool) []models.Ticket {
	if limit <= 0 {
		limit = 100
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var tickets []models.Ticket
	for _, rec := range s.tickets {
		if keep(rec.ticket) {
			tickets = append(tickets, rec.ticket.Clone())
		}
	}
	sort.Slice(tickets, func(i, j int) bool { return tickets[i].UpdatedAt.Before(tickets[j].UpdatedAt) })
	if len(tickets) > limit {
		tickets = tickets[:limit]
	}
	return tickets
}

func (s *Store) MaxNumber(ctx context.Context, prefix, queueDate string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	max := 0
	for _, rec := range s.tickets {
		if rec.ticket.Prefix == prefix && rec.ticket.QueueDate == queueDate && rec.ticket.Number > max {
			max = rec.ticket.Number
		}
	}
	return max, nil
}

func (s *Store) CounterStats(ctx context.Context, counterID, queueDate string) (models.CounterStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	counter, ok := s.counters[counterID]
	if !ok {
		return models.CounterStats{}, store.ErrCounterNotFound
	}
	stats := models.CounterStats{CounterID: counterID, ServiceID: counter.ServiceID, QueueDate: queueDate}
	var serviceTime time.Duration
	for _, rec := range s.tickets {
		t := rec.ticket
		if t.Status == models.StatusPending && t.ServiceID == counter.ServiceID {
			stats.Waiting++
		}
		if t.LastCounterID != counterID || t.QueueDate != queueDate {
			continue
		}
		switch t.Status {
		case models.StatusServed:
			stats.Served++
			if t.ServingStart != nil && t.ServingEnd != nil {
				serviceTime += t.ServingEnd.Sub(*t.ServingStart)
			}
		case models.StatusLapsed:
			stats.Lapsed++
		}
	}
	if stats.Served > 0 {
		stats.AvgServiceSeconds = int(serviceTime.Seconds()) / stats.Served
	}
	return stats, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.tickets[ticketID]; !ok {
		return nil, store.ErrTicketNotFound
	}
	events := make([]store.TicketEvent, len(s.events[ticketID]))
	copy(events, s.events[ticketID])
	return events, nil
}

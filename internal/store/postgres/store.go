package postgres

import (
	"context"
	_ "embed"
	"errors"
	"time"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/guregu/null/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

const defaultListLimit = 100

const ticketColumns = `ticket_id, prefix, number, ticket_number, queue_date, status, service_id, counter_id,
	transfer_service_id, last_counter_id, is_prioritized, created_at, called_at, serving_start, serving_end,
	updated_at, version`

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Migrate applies the embedded schema. Every statement is idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, schema)
	return err
}

func (s *Store) InsertTicket(ctx context.Context, ticket models.Ticket) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		INSERT INTO tickets (
			ticket_id, prefix, number, ticket_number, queue_date, status, service_id, counter_id,
			transfer_service_id, last_counter_id, is_prioritized, created_at, called_at, serving_start,
			serving_end, updated_at, version
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,1)
		RETURNING `+ticketColumns,
		ticket.TicketID, ticket.Prefix, ticket.Number, ticket.TicketNumber, ticket.QueueDate, ticket.Status,
		ticket.ServiceID, ticket.CounterID, ticket.TransferServiceID, nullIfEmpty(ticket.LastCounterID),
		ticket.IsPrioritized, ticket.CreatedAt, ticket.CalledAt, ticket.ServingStart, ticket.ServingEnd,
		ticket.UpdatedAt,
	)
	var created models.Ticket
	if created, err = scanTicket(row); err != nil {
		err = mapConstraintError(err)
		return models.Ticket{}, err
	}

	if err = insertTicketEvent(ctx, tx, created, store.EventCreated); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return created, nil
}

func (s *Store) GetTicket(ctx context.Context, ticketID string) (models.Ticket, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE ticket_id = $1`, ticketID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, store.ErrTicketNotFound
		}
		return models.Ticket{}, err
	}
	return ticket, nil
}

// UpdateTicket writes every mutable column if the stored version still equals
// expectedVersion, and appends the history event in the same transaction.
func (s *Store) UpdateTicket(ctx context.Context, ticket models.Ticket, expectedVersion int, eventType string) (models.Ticket, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Ticket{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
		}
	}()

	row := tx.QueryRow(ctx, `
		UPDATE tickets
		SET prefix = $3,
			number = $4,
			ticket_number = $5,
			queue_date = $6,
			status = $7,
			service_id = $8,
			counter_id = $9,
			transfer_service_id = $10,
			last_counter_id = $11,
			called_at = $12,
			serving_start = $13,
			serving_end = $14,
			updated_at = $15,
			version = version + 1
		WHERE ticket_id = $1 AND version = $2
		RETURNING `+ticketColumns,
		ticket.TicketID, expectedVersion, ticket.Prefix, ticket.Number, ticket.TicketNumber, ticket.QueueDate,
		ticket.Status, ticket.ServiceID, ticket.CounterID, ticket.TransferServiceID,
		nullIfEmpty(ticket.LastCounterID), ticket.CalledAt, ticket.ServingStart, ticket.ServingEnd, ticket.UpdatedAt,
	)
	var updated models.Ticket
	if updated, err = scanTicket(row); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			err = missingOrStale(ctx, tx, ticket.TicketID)
			return models.Ticket{}, err
		}
		err = mapConstraintError(err)
		return models.Ticket{}, err
	}

	if err = insertTicketEvent(ctx, tx, updated, eventType); err != nil {
		return models.Ticket{}, err
	}
	if err = tx.Commit(ctx); err != nil {
		return models.Ticket{}, err
	}
	return updated, nil
}

func (s *Store) NextPending(ctx context.Context, serviceID string, skip []string) (models.Ticket, bool, error) {
	if skip == nil {
		skip = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE service_id = $1 AND status = 'pending' AND NOT (ticket_id = ANY($2))
		ORDER BY is_prioritized DESC, created_at ASC, queue_date ASC, number ASC
		LIMIT 1
	`, serviceID, skip)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListPending(ctx context.Context, serviceID string) ([]models.Ticket, error) {
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE service_id = $1 AND status = 'pending'
		ORDER BY is_prioritized DESC, created_at ASC, queue_date ASC, number ASC
	`, serviceID)
}

func (s *Store) ActiveTicket(ctx context.Context, counterID string) (models.Ticket, bool, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE counter_id = $1 AND status IN ('called', 'serving')
	`, counterID)
	ticket, err := scanTicket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Ticket{}, false, nil
		}
		return models.Ticket{}, false, err
	}
	return ticket, true, nil
}

func (s *Store) ListByStatus(ctx context.Context, status string, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = $1
		ORDER BY updated_at ASC
		LIMIT $2
	`, status, limit)
}

func (s *Store) ListCalledBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Ticket, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	return s.queryTickets(ctx, `
		SELECT `+ticketColumns+`
		FROM tickets
		WHERE status = 'called' AND called_at <= $1
		ORDER BY called_at ASC
		LIMIT $2
	`, cutoff, limit)
}

func (s *Store) MaxNumber(ctx context.Context, prefix, queueDate string) (int, error) {
	var max int
	row := s.pool.QueryRow(ctx, `
		SELECT COALESCE(MAX(number), 0)
		FROM tickets
		WHERE prefix = $1 AND queue_date = $2
	`, prefix, queueDate)
	if err := row.Scan(&max); err != nil {
		return 0, err
	}
	return max, nil
}

// NextNumber increments the (prefix, queue_date) row in ticket_sequences. The
// row lock taken by the upsert serializes callers per key only. A missing row
// starts after the highest stored ticket.
func (s *Store) NextNumber(ctx context.Context, prefix, queueDate string) (int, error) {
	var next int
	row := s.pool.QueryRow(ctx, `
		INSERT INTO ticket_sequences (prefix, queue_date, last_number)
		VALUES ($1, $2, (
			SELECT COALESCE(MAX(number), 0) + 1 FROM tickets WHERE prefix = $1 AND queue_date = $2
		))
		ON CONFLICT (prefix, queue_date)
		DO UPDATE SET last_number = ticket_sequences.last_number + 1
		RETURNING last_number
	`, prefix, queueDate)
	if err := row.Scan(&next); err != nil {
		return 0, err
	}
	return next, nil
}

// Resync lifts the sequence row to the highest stored ticket.
func (s *Store) Resync(ctx context.Context, prefix, queueDate string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE ticket_sequences
		SET last_number = GREATEST(last_number, (
			SELECT COALESCE(MAX(number), 0) FROM tickets WHERE prefix = $1 AND queue_date = $2
		))
		WHERE prefix = $1 AND queue_date = $2
	`, prefix, queueDate)
	return err
}

func (s *Store) CounterStats(ctx context.Context, counterID, queueDate string) (models.CounterStats, error) {
	counter, err := s.GetCounter(ctx, counterID)
	if err != nil {
		return models.CounterStats{}, err
	}
	stats := models.CounterStats{CounterID: counterID, ServiceID: counter.ServiceID, QueueDate: queueDate}
	row := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'served' AND last_counter_id = $1 AND queue_date = $2),
			COUNT(*) FILTER (WHERE status = 'lapsed' AND last_counter_id = $1 AND queue_date = $2),
			COUNT(*) FILTER (WHERE status = 'pending' AND service_id = $3),
			COALESCE(AVG(EXTRACT(EPOCH FROM serving_end - serving_start))
				FILTER (WHERE status = 'served' AND last_counter_id = $1 AND queue_date = $2), 0)::int
		FROM tickets
		WHERE (last_counter_id = $1 AND queue_date = $2) OR (status = 'pending' AND service_id = $3)
	`, counterID, queueDate, counter.ServiceID)
	if err := row.Scan(&stats.Served, &stats.Lapsed, &stats.Waiting, &stats.AvgServiceSeconds); err != nil {
		return models.CounterStats{}, err
	}
	return stats, nil
}

func (s *Store) ListTicketEvents(ctx context.Context, ticketID string) ([]store.TicketEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq ASC
	`, ticketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []store.TicketEvent
	for rows.Next() {
		var event store.TicketEvent
		if err := rows.Scan(&event.TicketID, &event.TicketSeq, &event.Type, &event.Payload, &event.CreatedAt, &event.PrevHash, &event.Hash); err != nil {
			return nil, err
		}
		event.CreatedAt = event.CreatedAt.UTC()
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(events) == 0 {
		if _, err := s.GetTicket(ctx, ticketID); err != nil {
			return nil, err
		}
	}
	return events, nil
}

func (s *Store) queryTickets(ctx context.Context, query string, args ...interface{}) ([]models.Ticket, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		ticket, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, ticket)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

func scanTicket(row pgx.Row) (models.Ticket, error) {
	var ticket models.Ticket
	var counterID null.String
	var transferServiceID null.String
	var lastCounterID null.String
	var calledAt null.Time
	var servingStart null.Time
	var servingEnd null.Time
	if err := row.Scan(
		&ticket.TicketID, &ticket.Prefix, &ticket.Number, &ticket.TicketNumber, &ticket.QueueDate, &ticket.Status,
		&ticket.ServiceID, &counterID, &transferServiceID, &lastCounterID, &ticket.IsPrioritized, &ticket.CreatedAt,
		&calledAt, &servingStart, &servingEnd, &ticket.UpdatedAt, &ticket.Version,
	); err != nil {
		return models.Ticket{}, err
	}
	ticket.CounterID = counterID.Ptr()
	ticket.TransferServiceID = transferServiceID.Ptr()
	ticket.LastCounterID = lastCounterID.ValueOrZero()
	ticket.CreatedAt = ticket.CreatedAt.UTC()
	ticket.UpdatedAt = ticket.UpdatedAt.UTC()
	ticket.CalledAt = utcPtr(calledAt)
	ticket.ServingStart = utcPtr(servingStart)
	ticket.ServingEnd = utcPtr(servingEnd)
	return ticket, nil
}

func insertTicketEvent(ctx context.Context, tx pgx.Tx, ticket models.Ticket, eventType string) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, ticket.TicketID); err != nil {
		return err
	}

	var prev *store.TicketEvent
	var last store.TicketEvent
	row := tx.QueryRow(ctx, `
		SELECT ticket_seq, hash
		FROM ticket_events
		WHERE ticket_id = $1
		ORDER BY ticket_seq DESC
		LIMIT 1
	`, ticket.TicketID)
	switch err := row.Scan(&last.TicketSeq, &last.Hash); {
	case err == nil:
		prev = &last
	case !errors.Is(err, pgx.ErrNoRows):
		return err
	}

	event, err := store.NextTicketEvent(prev, ticket, eventType, time.Now())
	if err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO ticket_events (ticket_id, ticket_seq, type, payload, created_at, prev_hash, hash)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, event.TicketID, event.TicketSeq, event.Type, []byte(event.Payload), event.CreatedAt, event.PrevHash, event.Hash)
	return err
}

func missingOrStale(ctx context.Context, tx pgx.Tx, ticketID string) error {
	var exists bool
	row := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM tickets WHERE ticket_id = $1)`, ticketID)
	if err := row.Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return store.ErrTicketNotFound
	}
	return store.ErrVersionConflict
}

// mapConstraintError turns unique and foreign key violations into the
// store's sentinel errors.
func mapConstraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505":
		switch pgErr.ConstraintName {
		case "tickets_active_counter_idx":
			return store.ErrCounterBusy
		case "tickets_number_key", "tickets_pkey":
			return store.ErrAllocationConflict
		}
	case "23503":
		switch pgErr.ConstraintName {
		case "tickets_counter_id_fkey":
			return store.ErrCounterNotFound
		case "tickets_service_id_fkey", "tickets_transfer_service_id_fkey":
			return store.ErrServiceNotFound
		}
	case "23514":
		if pgErr.ConstraintName == "tickets_counter_check" || pgErr.ConstraintName == "tickets_status_check" {
			return store.ErrInvalidTransition
		}
	}
	return err
}

func nullIfEmpty(value string) interface{} {
	if value == "" {
		return nil
	}
	return value
}

func utcPtr(value null.Time) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}

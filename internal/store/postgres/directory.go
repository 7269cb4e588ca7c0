package postgres

import (
	"context"
	"errors"

	"qms/dispatch-service/internal/models"
	"qms/dispatch-service/internal/store"

	"github.com/guregu/null/v5"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetService(ctx context.Context, serviceID string) (models.Service, error) {
	return s.getService(ctx, `
		SELECT service_id, code, name, supervisor_id
		FROM services
		WHERE service_id = $1
	`, serviceID)
}

func (s *Store) GetServiceByCode(ctx context.Context, code string) (models.Service, error) {
	return s.getService(ctx, `
		SELECT service_id, code, name, supervisor_id
		FROM services
		WHERE code = $1
	`, code)
}

func (s *Store) getService(ctx context.Context, query string, arg string) (models.Service, error) {
	var service models.Service
	var supervisorID null.String
	row := s.pool.QueryRow(ctx, query, arg)
	if err := row.Scan(&service.ServiceID, &service.Code, &service.Name, &supervisorID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Service{}, store.ErrServiceNotFound
		}
		return models.Service{}, err
	}
	service.SupervisorID = supervisorID.Ptr()
	return service, nil
}

func (s *Store) GetCounter(ctx context.Context, counterID string) (models.Counter, error) {
	var counter models.Counter
	row := s.pool.QueryRow(ctx, `
		SELECT counter_id, service_id, name
		FROM counters
		WHERE counter_id = $1
	`, counterID)
	if err := row.Scan(&counter.CounterID, &counter.ServiceID, &counter.Name); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Counter{}, store.ErrCounterNotFound
		}
		return models.Counter{}, err
	}
	return counter, nil
}

// UpsertService and UpsertCounter load directory records at startup; the
// directory is otherwise maintained outside this service.
func (s *Store) UpsertService(ctx context.Context, service models.Service) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO services (service_id, code, name, supervisor_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (service_id)
		DO UPDATE SET code = EXCLUDED.code, name = EXCLUDED.name, supervisor_id = EXCLUDED.supervisor_id
	`, service.ServiceID, service.Code, service.Name, service.SupervisorID)
	return err
}

func (s *Store) UpsertCounter(ctx context.Context, counter models.Counter) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO counters (counter_id, service_id, name)
		VALUES ($1, $2, $3)
		ON CONFLICT (counter_id)
		DO UPDATE SET service_id = EXCLUDED.service_id, name = EXCLUDED.name
	`, counter.CounterID, counter.ServiceID, counter.Name)
	if err != nil {
		return mapConstraintError(err)
	}
	return nil
}

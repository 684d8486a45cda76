// Package postgres provides pgx-backed implementations of the engine's
// persistence contracts.
package postgres

import (
	"github.com/coachpo/outflow/internal/infra/persistence"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store exposes PostgreSQL-backed repositories sharing one pool.
type Store struct {
	*persistence.Store
}

// New constructs a PostgreSQL persistence store.
func New(pool *pgxpool.Pool) *Store {
	return &Store{Store: persistence.NewStore(pool)}
}

// Enrollments returns the enrollment repository.
func (s *Store) Enrollments() *EnrollmentStore {
	return NewEnrollmentStore(s.Pool())
}

// Attempts returns the dispatch attempt repository.
func (s *Store) Attempts() *AttemptStore {
	return NewAttemptStore(s.Pool())
}

// Outbox returns the event outbox repository.
func (s *Store) Outbox() *OutboxStore {
	return NewOutboxStore(s.Pool())
}

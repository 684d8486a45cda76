package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/enrollstore"
)

// EnrollmentStore persists enrollment lifecycle state.
type EnrollmentStore struct {
	pool *pgxpool.Pool
}

// NewEnrollmentStore constructs an EnrollmentStore backed by the provided pool.
func NewEnrollmentStore(pool *pgxpool.Pool) *EnrollmentStore {
	return &EnrollmentStore{pool: pool}
}

const uniqueViolationCode = "23505"

const (
	enrollmentInsertSQL = `
INSERT INTO enrollments (
    id,
    contact_id,
    contact,
    sequence_id,
    sequence_version,
    current_step_index,
    status,
    next_due_at,
    attempt_count,
    last_error,
    created_at,
    updated_at
)
VALUES (
    @id,
    @contact_id,
    @contact::jsonb,
    @sequence_id,
    @sequence_version,
    @current_step_index,
    @status,
    @next_due_at,
    @attempt_count,
    @last_error,
    @created_at,
    @updated_at
);
`

	enrollmentSelectBase = `
SELECT
    id::text,
    contact,
    sequence_id,
    sequence_version,
    current_step_index,
    status,
    next_due_at,
    attempt_count,
    last_error,
    created_at,
    updated_at
FROM enrollments
`

	enrollmentCASUpdateSQL = `
UPDATE enrollments
SET contact = @contact::jsonb,
    current_step_index = @current_step_index,
    status = @status,
    next_due_at = @next_due_at,
    attempt_count = @attempt_count,
    last_error = @last_error,
    updated_at = @updated_at
WHERE id = @id
  AND status = @expect_status
  AND current_step_index = @expect_step;
`
)

// Insert persists a new enrollment. A live duplicate for the same
// (contact, sequence) trips the partial unique index and surfaces as
// AlreadyEnrolled.
func (s *EnrollmentStore) Insert(ctx context.Context, enrollment campaign.Enrollment) error {
	if s.pool == nil {
		return fmt.Errorf("enrollment store: nil pool")
	}
	if strings.TrimSpace(enrollment.ID) == "" {
		return fmt.Errorf("enrollment store: enrollment id required")
	}
	contact, err := json.Marshal(enrollment.Contact)
	if err != nil {
		return fmt.Errorf("enrollment store: encode contact: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                 enrollment.ID,
		"contact_id":         strings.TrimSpace(enrollment.Contact.ID),
		"contact":            contact,
		"sequence_id":        strings.TrimSpace(enrollment.SequenceID),
		"sequence_version":   enrollment.SequenceVersion,
		"current_step_index": enrollment.CurrentStepIndex,
		"status":             string(enrollment.Status),
		"next_due_at":        nullableTime(enrollment.NextDueAt),
		"attempt_count":      enrollment.AttemptCount,
		"last_error":         enrollment.LastError,
		"created_at":         enrollment.CreatedAt,
		"updated_at":         enrollment.UpdatedAt,
	}
	if _, err := s.pool.Exec(ctx, enrollmentInsertSQL, args); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolationCode {
			return errs.New("enrollment_store", errs.CodeAlreadyEnrolled,
				errs.WithMessage("contact already has a live enrollment in sequence "+enrollment.SequenceID),
				errs.WithCause(err))
		}
		return fmt.Errorf("enrollment store: insert: %w", err)
	}
	return nil
}

// Get returns the enrollment by id.
func (s *EnrollmentStore) Get(ctx context.Context, id string) (campaign.Enrollment, error) {
	if s.pool == nil {
		return campaign.Enrollment{}, fmt.Errorf("enrollment store: nil pool")
	}
	row := s.pool.QueryRow(ctx, enrollmentSelectBase+" WHERE id = $1", strings.TrimSpace(id))
	enrollment, err := scanEnrollment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return campaign.Enrollment{}, errs.New("enrollment_store", errs.CodeNotFound,
				errs.WithMessage("enrollment "+id+" not found"))
		}
		return campaign.Enrollment{}, err
	}
	return enrollment, nil
}

// ListActive returns active enrollments carrying a due time, ordered by
// due time so the scheduler rebuild processes the most urgent first.
func (s *EnrollmentStore) ListActive(ctx context.Context) ([]campaign.Enrollment, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("enrollment store: nil pool")
	}
	rows, err := s.pool.Query(ctx,
		enrollmentSelectBase+" WHERE status = $1 AND next_due_at IS NOT NULL ORDER BY next_due_at ASC",
		string(campaign.StatusActive))
	if err != nil {
		return nil, fmt.Errorf("enrollment store: list active: %w", err)
	}
	defer rows.Close()

	var active []campaign.Enrollment
	for rows.Next() {
		enrollment, err := scanEnrollment(rows)
		if err != nil {
			return nil, err
		}
		active = append(active, enrollment)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("enrollment store: iterate active: %w", err)
	}
	return active, nil
}

// CompareAndUpdate persists updated only when the stored row still
// matches the expected status and step. Zero rows affected means either
// a concurrent change (Conflict) or a missing row (NotFound).
func (s *EnrollmentStore) CompareAndUpdate(ctx context.Context, updated campaign.Enrollment, expectStatus campaign.Status, expectStep int) error {
	if s.pool == nil {
		return fmt.Errorf("enrollment store: nil pool")
	}
	contact, err := json.Marshal(updated.Contact)
	if err != nil {
		return fmt.Errorf("enrollment store: encode contact: %w", err)
	}
	args := pgx.NamedArgs{
		"id":                 updated.ID,
		"contact":            contact,
		"current_step_index": updated.CurrentStepIndex,
		"status":             string(updated.Status),
		"next_due_at":        nullableTime(updated.NextDueAt),
		"attempt_count":      updated.AttemptCount,
		"last_error":         updated.LastError,
		"updated_at":         updated.UpdatedAt,
		"expect_status":      string(expectStatus),
		"expect_step":        expectStep,
	}
	tag, err := s.pool.Exec(ctx, enrollmentCASUpdateSQL, args)
	if err != nil {
		return fmt.Errorf("enrollment store: compare-and-update: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.Get(ctx, updated.ID); err != nil {
			return err
		}
		return errs.New("enrollment_store", errs.CodeConflict,
			errs.WithMessage("enrollment state changed concurrently"))
	}
	return nil
}

func scanEnrollment(row rowScanner) (campaign.Enrollment, error) {
	var (
		enrollment  campaign.Enrollment
		contactJSON []byte
		status      string
		nextDueAt   pgtype.Timestamptz
	)
	if err := row.Scan(
		&enrollment.ID,
		&contactJSON,
		&enrollment.SequenceID,
		&enrollment.SequenceVersion,
		&enrollment.CurrentStepIndex,
		&status,
		&nextDueAt,
		&enrollment.AttemptCount,
		&enrollment.LastError,
		&enrollment.CreatedAt,
		&enrollment.UpdatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return campaign.Enrollment{}, err
		}
		return campaign.Enrollment{}, fmt.Errorf("enrollment store: scan: %w", err)
	}
	if err := json.Unmarshal(contactJSON, &enrollment.Contact); err != nil {
		return campaign.Enrollment{}, fmt.Errorf("enrollment store: decode contact: %w", err)
	}
	enrollment.Status = campaign.Status(status)
	if nextDueAt.Valid {
		due := nextDueAt.Time
		enrollment.NextDueAt = &due
	}
	return enrollment, nil
}

func nullableTime(ptr *time.Time) any {
	if ptr == nil {
		return nil
	}
	return *ptr
}

var _ enrollstore.Store = (*EnrollmentStore)(nil)

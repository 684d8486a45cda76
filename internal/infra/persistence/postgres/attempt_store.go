package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/outflow/internal/domain/attemptstore"
	"github.com/coachpo/outflow/internal/domain/campaign"
)

// AttemptStore persists the append-only dispatch audit trail.
type AttemptStore struct {
	pool *pgxpool.Pool
}

// NewAttemptStore constructs an AttemptStore backed by the provided pool.
func NewAttemptStore(pool *pgxpool.Pool) *AttemptStore {
	return &AttemptStore{pool: pool}
}

const (
	attemptInsertSQL = `
INSERT INTO dispatch_attempts (
    enrollment_id,
    step_index,
    channel,
    variant,
    attempted_at,
    outcome,
    provider_ref,
    reason
)
VALUES (@enrollment_id, @step_index, @channel, @variant, @attempted_at, @outcome, @provider_ref, @reason);
`

	attemptHasSuccessSQL = `
SELECT EXISTS (
    SELECT 1
    FROM dispatch_attempts
    WHERE enrollment_id = $1
      AND step_index = $2
      AND outcome = $3
);
`

	attemptListSQL = `
SELECT
    enrollment_id::text,
    step_index,
    channel,
    variant,
    attempted_at,
    outcome,
    provider_ref,
    reason
FROM dispatch_attempts
WHERE enrollment_id = $1
ORDER BY attempted_at ASC, id ASC;
`
)

// Append records one attempt.
func (s *AttemptStore) Append(ctx context.Context, attempt campaign.DispatchAttempt) error {
	if s.pool == nil {
		return fmt.Errorf("attempt store: nil pool")
	}
	if strings.TrimSpace(attempt.EnrollmentID) == "" {
		return fmt.Errorf("attempt store: enrollment id required")
	}
	args := pgx.NamedArgs{
		"enrollment_id": attempt.EnrollmentID,
		"step_index":    attempt.StepIndex,
		"channel":       string(attempt.Channel),
		"variant":       attempt.Variant,
		"attempted_at":  attempt.AttemptedAt,
		"outcome":       string(attempt.Outcome),
		"provider_ref":  attempt.ProviderRef,
		"reason":        attempt.Reason,
	}
	if _, err := s.pool.Exec(ctx, attemptInsertSQL, args); err != nil {
		return fmt.Errorf("attempt store: append: %w", err)
	}
	return nil
}

// HasSuccess reports whether a successful attempt exists for the step.
func (s *AttemptStore) HasSuccess(ctx context.Context, enrollmentID string, stepIndex int) (bool, error) {
	if s.pool == nil {
		return false, fmt.Errorf("attempt store: nil pool")
	}
	var exists bool
	row := s.pool.QueryRow(ctx, attemptHasSuccessSQL, enrollmentID, stepIndex, string(campaign.OutcomeSuccess))
	if err := row.Scan(&exists); err != nil {
		return false, fmt.Errorf("attempt store: has success: %w", err)
	}
	return exists, nil
}

// ListByEnrollment returns the audit trail in attempt order.
func (s *AttemptStore) ListByEnrollment(ctx context.Context, enrollmentID string) ([]campaign.DispatchAttempt, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("attempt store: nil pool")
	}
	rows, err := s.pool.Query(ctx, attemptListSQL, enrollmentID)
	if err != nil {
		return nil, fmt.Errorf("attempt store: list: %w", err)
	}
	defer rows.Close()

	var trail []campaign.DispatchAttempt
	for rows.Next() {
		var (
			attempt campaign.DispatchAttempt
			channel string
			outcome string
		)
		if err := rows.Scan(
			&attempt.EnrollmentID,
			&attempt.StepIndex,
			&channel,
			&attempt.Variant,
			&attempt.AttemptedAt,
			&outcome,
			&attempt.ProviderRef,
			&attempt.Reason,
		); err != nil {
			return nil, fmt.Errorf("attempt store: scan: %w", err)
		}
		attempt.Channel = campaign.Channel(channel)
		attempt.Outcome = campaign.Outcome(outcome)
		trail = append(trail, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attempt store: iterate: %w", err)
	}
	return trail, nil
}

var _ attemptstore.Store = (*AttemptStore)(nil)

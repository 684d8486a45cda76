// Package attemptstore defines persistence contracts for the dispatch audit trail.
package attemptstore

import (
	"context"

	"github.com/coachpo/outflow/internal/domain/campaign"
)

// Store abstracts the append-only record of dispatch attempts.
type Store interface {
	// Append records one attempt. Attempts are never updated or deleted by
	// the engine; retention is an external concern.
	Append(ctx context.Context, attempt campaign.DispatchAttempt) error

	// HasSuccess reports whether a successful attempt already exists for
	// (enrollment, step). Backs the dispatcher's idempotency guard.
	HasSuccess(ctx context.Context, enrollmentID string, stepIndex int) (bool, error)

	// ListByEnrollment returns the audit trail for an enrollment in
	// attempt order.
	ListByEnrollment(ctx context.Context, enrollmentID string) ([]campaign.DispatchAttempt, error)
}

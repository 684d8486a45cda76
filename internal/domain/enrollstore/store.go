// Package enrollstore defines persistence contracts for enrollment state.
package enrollstore

import (
	"context"

	"github.com/coachpo/outflow/internal/domain/campaign"
)

// Store abstracts durable enrollment state keyed by enrollment id.
// Implementations must provide read-after-write consistency for the
// engine's own writes.
type Store interface {
	// Insert persists a new enrollment. Fails with AlreadyEnrolled when the
	// contact has a live enrollment in the same sequence, regardless of
	// version.
	Insert(ctx context.Context, enrollment campaign.Enrollment) error

	// Get returns the enrollment by id, or NotFound.
	Get(ctx context.Context, id string) (campaign.Enrollment, error)

	// ListActive returns every non-terminal enrollment with a due time set,
	// used to rebuild the scheduler's due structure after a restart.
	ListActive(ctx context.Context) ([]campaign.Enrollment, error)

	// CompareAndUpdate persists updated only if the stored record still
	// carries the expected status and step index. A mismatch fails with
	// Conflict and leaves the record untouched; this guards against a
	// duplicate scheduler emission racing a retry re-queue.
	CompareAndUpdate(ctx context.Context, updated campaign.Enrollment, expectStatus campaign.Status, expectStep int) error
}

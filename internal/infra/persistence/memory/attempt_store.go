package memory

import (
	"context"
	"sync"

	"github.com/coachpo/outflow/internal/domain/attemptstore"
	"github.com/coachpo/outflow/internal/domain/campaign"
)

// AttemptStore keeps the dispatch audit trail in memory.
type AttemptStore struct {
	mu       sync.RWMutex
	attempts map[string][]campaign.DispatchAttempt
}

// NewAttemptStore constructs an empty in-memory attempt store.
func NewAttemptStore() *AttemptStore {
	return &AttemptStore{attempts: make(map[string][]campaign.DispatchAttempt)}
}

// Append records one attempt at the end of the enrollment's trail.
func (s *AttemptStore) Append(_ context.Context, attempt campaign.DispatchAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts[attempt.EnrollmentID] = append(s.attempts[attempt.EnrollmentID], attempt)
	return nil
}

// HasSuccess reports whether a successful attempt exists for the step.
func (s *AttemptStore) HasSuccess(_ context.Context, enrollmentID string, stepIndex int) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, attempt := range s.attempts[enrollmentID] {
		if attempt.StepIndex == stepIndex && attempt.Outcome == campaign.OutcomeSuccess {
			return true, nil
		}
	}
	return false, nil
}

// ListByEnrollment returns the trail in append order.
func (s *AttemptStore) ListByEnrollment(_ context.Context, enrollmentID string) ([]campaign.DispatchAttempt, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	trail := s.attempts[enrollmentID]
	out := make([]campaign.DispatchAttempt, len(trail))
	copy(out, trail)
	return out, nil
}

var _ attemptstore.Store = (*AttemptStore)(nil)

// Package memory provides in-memory store implementations used by unit
// tests and DSN-less deployments. Semantics mirror the postgres stores:
// compare-and-update conflicts, live-enrollment uniqueness, append-only
// attempts.
package memory

import (
	"context"
	"sync"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/enrollstore"
)

// EnrollmentStore keeps enrollment state in a map guarded by a mutex.
type EnrollmentStore struct {
	mu      sync.RWMutex
	records map[string]campaign.Enrollment
}

// NewEnrollmentStore constructs an empty in-memory enrollment store.
func NewEnrollmentStore() *EnrollmentStore {
	return &EnrollmentStore{records: make(map[string]campaign.Enrollment)}
}

// Insert persists a new enrollment, enforcing at most one live
// enrollment per (contact, sequence) pair.
func (s *EnrollmentStore) Insert(_ context.Context, enrollment campaign.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[enrollment.ID]; exists {
		return errs.New("enrollment_store", errs.CodeConflict,
			errs.WithMessage("enrollment id already exists"))
	}
	for _, existing := range s.records {
		if existing.Contact.ID == enrollment.Contact.ID &&
			existing.SequenceID == enrollment.SequenceID &&
			existing.Status.Live() {
			return errs.New("enrollment_store", errs.CodeAlreadyEnrolled,
				errs.WithMessage("contact already has a live enrollment in sequence "+enrollment.SequenceID))
		}
	}
	s.records[enrollment.ID] = enrollment.Clone()
	return nil
}

// Get returns the enrollment by id.
func (s *EnrollmentStore) Get(_ context.Context, id string) (campaign.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.records[id]
	if !ok {
		return campaign.Enrollment{}, errs.New("enrollment_store", errs.CodeNotFound,
			errs.WithMessage("enrollment "+id+" not found"))
	}
	return record.Clone(), nil
}

// ListActive returns active enrollments carrying a due time.
func (s *EnrollmentStore) ListActive(_ context.Context) ([]campaign.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var active []campaign.Enrollment
	for _, record := range s.records {
		if record.Status == campaign.StatusActive && record.NextDueAt != nil {
			active = append(active, record.Clone())
		}
	}
	return active, nil
}

// CompareAndUpdate swaps the stored record only when status and step
// still match the caller's expectation.
func (s *EnrollmentStore) CompareAndUpdate(_ context.Context, updated campaign.Enrollment, expectStatus campaign.Status, expectStep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.records[updated.ID]
	if !ok {
		return errs.New("enrollment_store", errs.CodeNotFound,
			errs.WithMessage("enrollment "+updated.ID+" not found"))
	}
	if current.Status != expectStatus || current.CurrentStepIndex != expectStep {
		return errs.New("enrollment_store", errs.CodeConflict,
			errs.WithMessage("enrollment state changed concurrently"))
	}
	s.records[updated.ID] = updated.Clone()
	return nil
}

var _ enrollstore.Store = (*EnrollmentStore)(nil)

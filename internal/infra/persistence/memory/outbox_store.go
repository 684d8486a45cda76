package memory

import (
	"context"
	"sync"
	"time"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/domain/outboxstore"
)

// OutboxStore keeps durable-publish bookkeeping in memory.
type OutboxStore struct {
	mu      sync.Mutex
	nextID  int64
	records []outboxstore.EventRecord
}

// NewOutboxStore constructs an empty in-memory outbox.
func NewOutboxStore() *OutboxStore {
	return &OutboxStore{nextID: 1}
}

// Enqueue appends a new outbox entry.
func (s *OutboxStore) Enqueue(_ context.Context, evt outboxstore.Event) (outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	availableAt := evt.AvailableAt
	if availableAt.IsZero() {
		availableAt = time.Now()
	}
	record := outboxstore.EventRecord{
		ID:           s.nextID,
		EnrollmentID: evt.EnrollmentID,
		EventType:    evt.EventType,
		Payload:      append([]byte(nil), evt.Payload...),
		AvailableAt:  availableAt,
		CreatedAt:    time.Now(),
	}
	s.nextID++
	s.records = append(s.records, record)
	return record, nil
}

// ListPending returns undelivered entries whose availability has arrived.
func (s *OutboxStore) ListPending(_ context.Context, limit int) ([]outboxstore.EventRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		limit = 128
	}
	now := time.Now()
	var pending []outboxstore.EventRecord
	for _, record := range s.records {
		if record.Delivered || record.AvailableAt.After(now) {
			continue
		}
		pending = append(pending, record)
		if len(pending) >= limit {
			break
		}
	}
	return pending, nil
}

// MarkDelivered flags the entry as published.
func (s *OutboxStore) MarkDelivered(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id {
			now := time.Now()
			s.records[i].Delivered = true
			s.records[i].PublishedAt = &now
			s.records[i].Attempts++
			return nil
		}
	}
	return errs.New("outbox_store", errs.CodeNotFound, errs.WithMessage("outbox entry not found"))
}

// MarkFailed records a failed publish and defers the next replay.
func (s *OutboxStore) MarkFailed(_ context.Context, id int64, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.records {
		if s.records[i].ID == id {
			s.records[i].Attempts++
			s.records[i].LastError = lastError
			s.records[i].AvailableAt = time.Now().Add(30 * time.Second)
			return nil
		}
	}
	return errs.New("outbox_store", errs.CodeNotFound, errs.WithMessage("outbox entry not found"))
}

var _ outboxstore.Store = (*OutboxStore)(nil)

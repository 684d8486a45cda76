package observability

import (
	"errors"
	"fmt"
	"strconv"
	"testing"
	"time"

	"github.com/coachpo/outflow/internal/domain/campaign"
)

func dlqEvent(id string) campaign.Event {
	return campaign.Event{
		ID:           id,
		Type:         campaign.EventDispatchRetried,
		EnrollmentID: "e-" + id,
		OccurredAt:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func TestDeadLetterQueueOfferAndDrain(t *testing.T) {
	dlq := NewDeadLetterQueue(8)
	for i := 0; i < 3; i++ {
		dlq.Offer(dlqEvent(strconv.Itoa(i)))
	}
	if dlq.Len() != 3 {
		t.Fatalf("expected 3 queued events, got %d", dlq.Len())
	}

	drained := dlq.Drain()
	if len(drained) != 3 {
		t.Fatalf("expected 3 drained events, got %d", len(drained))
	}
	for i, evt := range drained {
		if evt.ID != strconv.Itoa(i) {
			t.Errorf("event %d out of order: %q", i, evt.ID)
		}
	}
	if dlq.Len() != 0 {
		t.Errorf("drain must clear the queue, %d left", dlq.Len())
	}
}

func TestDeadLetterQueueEvictsOldestAtCapacity(t *testing.T) {
	dlq := NewDeadLetterQueue(2)
	for i := 0; i < 4; i++ {
		dlq.Offer(dlqEvent(strconv.Itoa(i)))
	}
	if dlq.Len() != 2 {
		t.Fatalf("expected capacity-bounded length 2, got %d", dlq.Len())
	}
	drained := dlq.Drain()
	if drained[0].ID != "2" || drained[1].ID != "3" {
		t.Errorf("expected newest two events retained, got %q %q", drained[0].ID, drained[1].ID)
	}
}

func TestDeadLetterQueueUnboundedWhenZeroCapacity(t *testing.T) {
	dlq := NewDeadLetterQueue(0)
	for i := 0; i < 100; i++ {
		dlq.Offer(dlqEvent(strconv.Itoa(i)))
	}
	if dlq.Len() != 100 {
		t.Errorf("expected unbounded growth, got %d", dlq.Len())
	}
}

type capturingLogger struct {
	errorCalls int
	lastMsg    string
	lastFields []Field
}

func (l *capturingLogger) Debug(string, ...Field) {}
func (l *capturingLogger) Info(string, ...Field)  {}
func (l *capturingLogger) Warn(string, ...Field)  {}
func (l *capturingLogger) Error(msg string, fields ...Field) {
	l.errorCalls++
	l.lastMsg = msg
	l.lastFields = fields
}

func TestSetLoggerSwapsGlobal(t *testing.T) {
	captured := new(capturingLogger)
	SetLogger(captured)
	defer SetLogger(nil)

	Log().Error("boom", Field{Key: "k", Value: "v"})
	if captured.errorCalls != 1 || captured.lastMsg != "boom" {
		t.Fatalf("global logger not swapped: %+v", captured)
	}

	// Resetting to nil restores the silent default.
	SetLogger(nil)
	Log().Error("ignored")
	if captured.errorCalls != 1 {
		t.Errorf("nil reset must restore noop logger, got %d calls", captured.errorCalls)
	}
}

func TestAggregateErrorsJoinsAndLogs(t *testing.T) {
	captured := new(capturingLogger)
	SetLogger(captured)
	defer SetLogger(nil)

	first := errors.New("first failure")
	aggregated := AggregateErrors("fanout", []error{first, nil, fmt.Errorf("second failure")},
		Field{Key: "event_type", Value: "dispatch.retried"})
	if aggregated == nil {
		t.Fatal("expected aggregated error")
	}
	if !errors.Is(aggregated, first) {
		t.Error("aggregated error must wrap its members")
	}
	if captured.errorCalls != 1 {
		t.Errorf("expected one structured log entry, got %d", captured.errorCalls)
	}
}

func TestAggregateErrorsNilForNoFailures(t *testing.T) {
	if err := AggregateErrors("fanout", nil); err != nil {
		t.Errorf("expected nil for no errors, got %v", err)
	}
	if err := AggregateErrors("fanout", []error{nil, nil}); err != nil {
		t.Errorf("expected nil for all-nil errors, got %v", err)
	}
}

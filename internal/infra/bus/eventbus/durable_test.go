package eventbus

import (
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/outboxstore"
	"github.com/coachpo/outflow/internal/infra/persistence/memory"
)

func TestDurableBusMarksDeliveredOnPublish(t *testing.T) {
	store := memory.NewOutboxStore()
	bus := NewDurableBus(NewMemoryBus(MemoryConfig{BufferSize: 8}), store, WithReplayDisabled())
	defer bus.Close()
	ctx := context.Background()

	id, ch, err := bus.Subscribe(ctx, campaign.EventEnrollmentCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	evt := testEvent(campaign.EventEnrollmentCompleted, "e-1")
	evt.Status = campaign.StatusCompleted
	if err := bus.Publish(ctx, evt); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := receive(t, ch)
	if got.EnrollmentID != "e-1" {
		t.Errorf("got enrollment %q", got.EnrollmentID)
	}

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("delivered event must not stay pending, got %d rows", len(pending))
	}
}

func TestDurableBusReplaysPendingRows(t *testing.T) {
	store := memory.NewOutboxStore()
	bus := NewDurableBus(NewMemoryBus(MemoryConfig{BufferSize: 8}), store, WithReplayDisabled())
	defer bus.Close()
	ctx := context.Background()

	// A row enqueued but never delivered, as left behind by a crash
	// between persist and fanout.
	payload, err := json.Marshal(durablePayload{
		ID:           "evt-1",
		EnrollmentID: "e-1",
		Status:       "failed",
		OccurredAt:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC).Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if _, err := store.Enqueue(ctx, outboxstore.Event{
		EnrollmentID: "e-1",
		EventType:    string(campaign.EventEnrollmentFailed),
		Payload:      payload,
	}); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	id, ch, err := bus.Subscribe(ctx, campaign.EventEnrollmentFailed)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	bus.replayPending()

	evt := receive(t, ch)
	if evt.EnrollmentID != "e-1" || evt.Type != campaign.EventEnrollmentFailed {
		t.Errorf("replayed event: %+v", evt)
	}

	pending, err := store.ListPending(ctx, 10)
	if err != nil {
		t.Fatalf("list pending: %v", err)
	}
	if len(pending) != 0 {
		t.Fatalf("expected row marked delivered after replay, %d still pending", len(pending))
	}
}

func TestDecodeDurableEventRoundTrip(t *testing.T) {
	occurred := time.Date(2025, 3, 1, 9, 0, 0, 123456789, time.UTC)
	payload, err := json.Marshal(durablePayload{
		ID:           "evt-1",
		EnrollmentID: "e-1",
		ContactID:    "c-1",
		SequenceID:   "welcome-drip",
		Channel:      "sms",
		StepIndex:    2,
		Status:       "active",
		Reason:       "provider timeout",
		OccurredAt:   occurred.Format(time.RFC3339Nano),
	})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	record := outboxstore.EventRecord{
		ID:        7,
		EventType: string(campaign.EventDispatchRetried),
		Payload:   payload,
	}
	decoded, err := decodeDurableEvent(record)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "evt-1" || decoded.Type != campaign.EventDispatchRetried || decoded.EnrollmentID != "e-1" {
		t.Errorf("identity fields lost: %+v", decoded)
	}
	if decoded.Channel != campaign.ChannelSMS || decoded.StepIndex != 2 || decoded.Reason != "provider timeout" {
		t.Errorf("step fields lost: %+v", decoded)
	}
	if !decoded.OccurredAt.Equal(occurred) {
		t.Errorf("occurred at: got %v, want %v", decoded.OccurredAt, occurred)
	}

	// An event persisted without an ID gets a synthetic one from the row.
	anonymous, err := json.Marshal(durablePayload{EnrollmentID: "e-2", OccurredAt: occurred.Format(time.RFC3339Nano)})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	record.Payload = anonymous
	decoded, err = decodeDurableEvent(record)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if decoded.ID != "outbox-7" {
		t.Errorf("synthetic id: got %q", decoded.ID)
	}
}

package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/observability"
)

func testEvent(typ campaign.EventType, enrollmentID string) campaign.Event {
	return campaign.Event{
		ID:           "evt-" + enrollmentID,
		Type:         typ,
		EnrollmentID: enrollmentID,
		OccurredAt:   time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC),
	}
}

func receive(t *testing.T, ch <-chan campaign.Event) campaign.Event {
	t.Helper()
	select {
	case evt := <-ch:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return campaign.Event{}
	}
}

func TestMemoryBusPublishNoSubscribers(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 8})
	defer bus.Close()

	if err := bus.Publish(context.Background(), testEvent(campaign.EventEnrollmentCreated, "e-1")); err != nil {
		t.Errorf("publish without subscribers: %v", err)
	}
}

func TestMemoryBusPublishEmptyType(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 8})
	defer bus.Close()

	if err := bus.Publish(context.Background(), campaign.Event{}); err == nil {
		t.Error("expected error for empty event type")
	}
}

func TestMemoryBusDeliversToTypeSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 8, FanoutWorkers: 2})
	defer bus.Close()
	ctx := context.Background()

	id, ch, err := bus.Subscribe(ctx, campaign.EventEnrollmentCompleted)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	if err := bus.Publish(ctx, testEvent(campaign.EventEnrollmentCompleted, "e-1")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	evt := receive(t, ch)
	if evt.EnrollmentID != "e-1" {
		t.Errorf("got enrollment %q", evt.EnrollmentID)
	}

	// Events of other types must not reach this subscriber.
	if err := bus.Publish(ctx, testEvent(campaign.EventEnrollmentFailed, "e-2")); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case stray := <-ch:
		t.Errorf("unexpected delivery: %+v", stray)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestMemoryBusWildcardSubscriber(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 8})
	defer bus.Close()
	ctx := context.Background()

	id, ch, err := bus.Subscribe(ctx, SubscribeAll)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	for _, typ := range []campaign.EventType{campaign.EventEnrollmentCreated, campaign.EventDispatchSucceeded} {
		if err := bus.Publish(ctx, testEvent(typ, "e-1")); err != nil {
			t.Fatalf("publish %s: %v", typ, err)
		}
		evt := receive(t, ch)
		if evt.Type != typ {
			t.Errorf("expected %s, got %s", typ, evt.Type)
		}
	}
}

func TestMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 8})
	defer bus.Close()

	id, ch, err := bus.Subscribe(context.Background(), campaign.EventEnrollmentCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.Unsubscribe(id)

	select {
	case _, open := <-ch:
		if open {
			t.Error("expected closed channel")
		}
	case <-time.After(time.Second):
		t.Error("channel not closed after unsubscribe")
	}
}

func TestMemoryBusBackpressureDeadLetters(t *testing.T) {
	dlq := observability.NewDeadLetterQueue(16)
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 1, DeadLetters: dlq})
	defer bus.Close()
	ctx := context.Background()

	id, _, err := bus.Subscribe(ctx, campaign.EventDispatchSucceeded)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer bus.Unsubscribe(id)

	// The subscriber never reads; the second publish evicts the first
	// event into the DLQ rather than blocking the publisher.
	if err := bus.Publish(ctx, testEvent(campaign.EventDispatchSucceeded, "e-1")); err != nil {
		t.Fatalf("publish 1: %v", err)
	}
	if err := bus.Publish(ctx, testEvent(campaign.EventDispatchSucceeded, "e-2")); err != nil {
		t.Fatalf("publish 2: %v", err)
	}

	if dlq.Len() != 1 {
		t.Fatalf("expected 1 dead letter, got %d", dlq.Len())
	}
	dropped := dlq.Drain()
	if dropped[0].EnrollmentID != "e-1" {
		t.Errorf("expected oldest event dropped, got %q", dropped[0].EnrollmentID)
	}
}

func TestMemoryBusPublishAfterClose(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 8})
	ctx := context.Background()

	id, _, err := bus.Subscribe(ctx, campaign.EventEnrollmentCreated)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	_ = id
	bus.Close()

	// The closed bus has no subscribers left, so publish is a no-op.
	if err := bus.Publish(ctx, testEvent(campaign.EventEnrollmentCreated, "e-1")); err != nil {
		t.Errorf("publish after close: %v", err)
	}
}

func TestMemoryBusConcurrentPublishUnsubscribe(t *testing.T) {
	bus := NewMemoryBus(MemoryConfig{BufferSize: 1, FanoutWorkers: 4, DeadLetters: observability.NewDeadLetterQueue(64)})
	defer bus.Close()
	ctx := context.Background()

	// Publishing into a subscription as it is torn down must never
	// panic on the closed channel; late deliveries go to dead letters
	// or are discarded.
	for i := 0; i < 50; i++ {
		id, ch, err := bus.Subscribe(ctx, campaign.EventDispatchSucceeded)
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}

		done := make(chan struct{})
		go func() {
			defer close(done)
			for j := 0; j < 20; j++ {
				_ = bus.Publish(ctx, testEvent(campaign.EventDispatchSucceeded, "e-race"))
			}
		}()

		// Drain a little so the publisher hits both the fast path and
		// the full-buffer path before the channel disappears.
		select {
		case <-ch:
		default:
		}
		bus.Unsubscribe(id)
		<-done
	}
}

package eventbus

import (
	"context"
	"strconv"
	"sync"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/outboxstore"
	"github.com/coachpo/outflow/internal/observability"
)

// DurableOption configures the durable bus wrapper.
type DurableOption func(*DurableBus)

// WithReplayInterval tweaks the polling cadence for replaying undelivered events.
func WithReplayInterval(interval time.Duration) DurableOption {
	return func(b *DurableBus) {
		if interval > 0 {
			b.replayInterval = interval
		}
	}
}

// WithReplayBatchSize configures the number of rows fetched per replay tick.
func WithReplayBatchSize(size int) DurableOption {
	return func(b *DurableBus) {
		if size > 0 {
			b.replayBatchSize = size
		}
	}
}

// WithReplayDisabled skips starting the background replay worker.
func WithReplayDisabled() DurableOption {
	return func(b *DurableBus) {
		b.replayDisabled = true
	}
}

// DurableBus wraps a bus with outbox-backed durability: every event is
// persisted before fanout, and undelivered events are replayed until a
// publish succeeds. Terminal enrollment outcomes can therefore never be
// lost to a crash between state change and notification.
type DurableBus struct {
	inner Bus
	store outboxstore.Store

	replayInterval  time.Duration
	replayBatchSize int
	replayDisabled  bool

	replayCtx    context.Context
	replayCancel context.CancelFunc
	replayDone   chan struct{}
	closeOnce    sync.Once
}

type durablePayload struct {
	ID           string `json:"id"`
	EnrollmentID string `json:"enrollment_id"`
	ContactID    string `json:"contact_id"`
	SequenceID   string `json:"sequence_id"`
	Channel      string `json:"channel"`
	StepIndex    int    `json:"step_index"`
	Status       string `json:"status"`
	Reason       string `json:"reason,omitempty"`
	OccurredAt   string `json:"occurred_at"`
}

// NewDurableBus wraps inner with outbox persistence backed by store.
func NewDurableBus(inner Bus, store outboxstore.Store, opts ...DurableOption) *DurableBus {
	ctx, cancel := context.WithCancel(context.Background())
	bus := &DurableBus{
		inner:           inner,
		store:           store,
		replayInterval:  5 * time.Second,
		replayBatchSize: 128,
		replayCtx:       ctx,
		replayCancel:    cancel,
		replayDone:      make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(bus)
		}
	}
	if bus.replayDisabled {
		close(bus.replayDone)
	} else {
		go bus.replayLoop()
	}
	return bus
}

// Publish persists the event to the outbox, then attempts in-memory
// delivery. Delivery failures leave the row pending for replay.
func (b *DurableBus) Publish(ctx context.Context, evt campaign.Event) error {
	payload, err := json.Marshal(durablePayload{
		ID:           evt.ID,
		EnrollmentID: evt.EnrollmentID,
		ContactID:    evt.ContactID,
		SequenceID:   evt.SequenceID,
		Channel:      string(evt.Channel),
		StepIndex:    evt.StepIndex,
		Status:       string(evt.Status),
		Reason:       evt.Reason,
		OccurredAt:   evt.OccurredAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		return err
	}
	record, err := b.store.Enqueue(ctx, outboxstore.Event{
		EnrollmentID: evt.EnrollmentID,
		EventType:    string(evt.Type),
		Payload:      payload,
		AvailableAt:  evt.OccurredAt,
	})
	if err != nil {
		return err
	}

	if err := b.inner.Publish(ctx, evt); err != nil {
		if markErr := b.store.MarkFailed(ctx, record.ID, err.Error()); markErr != nil {
			observability.Log().Error("durable bus: mark failed",
				observability.Field{Key: "outbox_id", Value: record.ID},
				observability.Field{Key: "error", Value: markErr.Error()})
		}
		return err
	}
	if err := b.store.MarkDelivered(ctx, record.ID); err != nil {
		observability.Log().Error("durable bus: mark delivered",
			observability.Field{Key: "outbox_id", Value: record.ID},
			observability.Field{Key: "error", Value: err.Error()})
	}
	return nil
}

// Subscribe delegates to the wrapped bus.
func (b *DurableBus) Subscribe(ctx context.Context, typ campaign.EventType) (SubscriptionID, <-chan campaign.Event, error) {
	return b.inner.Subscribe(ctx, typ)
}

// Unsubscribe delegates to the wrapped bus.
func (b *DurableBus) Unsubscribe(id SubscriptionID) {
	b.inner.Unsubscribe(id)
}

// Close stops the replay worker and shuts down the wrapped bus.
func (b *DurableBus) Close() {
	b.closeOnce.Do(func() {
		b.replayCancel()
		<-b.replayDone
		b.inner.Close()
	})
}

func (b *DurableBus) replayLoop() {
	defer close(b.replayDone)
	ticker := time.NewTicker(b.replayInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.replayCtx.Done():
			return
		case <-ticker.C:
			b.replayPending()
		}
	}
}

func (b *DurableBus) replayPending() {
	records, err := b.store.ListPending(b.replayCtx, b.replayBatchSize)
	if err != nil {
		observability.Log().Error("durable bus: list pending",
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	for _, record := range records {
		evt, err := decodeDurableEvent(record)
		if err != nil {
			if markErr := b.store.MarkFailed(b.replayCtx, record.ID, err.Error()); markErr != nil {
				observability.Log().Error("durable bus: mark failed",
					observability.Field{Key: "outbox_id", Value: record.ID},
					observability.Field{Key: "error", Value: markErr.Error()})
			}
			continue
		}
		if err := b.inner.Publish(b.replayCtx, evt); err != nil {
			if markErr := b.store.MarkFailed(b.replayCtx, record.ID, err.Error()); markErr != nil {
				observability.Log().Error("durable bus: mark failed",
					observability.Field{Key: "outbox_id", Value: record.ID},
					observability.Field{Key: "error", Value: markErr.Error()})
			}
			continue
		}
		if err := b.store.MarkDelivered(b.replayCtx, record.ID); err != nil {
			observability.Log().Error("durable bus: mark delivered",
				observability.Field{Key: "outbox_id", Value: record.ID},
				observability.Field{Key: "error", Value: err.Error()})
		}
	}
}

func decodeDurableEvent(record outboxstore.EventRecord) (campaign.Event, error) {
	var payload durablePayload
	if err := json.Unmarshal(record.Payload, &payload); err != nil {
		return campaign.Event{}, err
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, payload.OccurredAt)
	if err != nil {
		occurredAt = record.CreatedAt
	}
	evt := campaign.Event{
		ID:           payload.ID,
		Type:         campaign.EventType(record.EventType),
		EnrollmentID: payload.EnrollmentID,
		ContactID:    payload.ContactID,
		SequenceID:   payload.SequenceID,
		Channel:      campaign.Channel(payload.Channel),
		StepIndex:    payload.StepIndex,
		Status:       campaign.Status(payload.Status),
		Reason:       payload.Reason,
		OccurredAt:   occurredAt,
		Payload:      record.Payload,
	}
	if evt.ID == "" {
		evt.ID = "outbox-" + strconv.FormatInt(record.ID, 10)
	}
	return evt, nil
}

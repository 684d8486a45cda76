package eventbus

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	concpool "github.com/sourcegraph/conc/pool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/infra/telemetry"
	"github.com/coachpo/outflow/internal/observability"
)

// MemoryBus is an in-memory implementation of the lifecycle bus. Events
// are values, not pooled objects; subscribers own what they receive.
type MemoryBus struct {
	cfg MemoryConfig

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.RWMutex
	subscribers  map[campaign.EventType]map[SubscriptionID]*subscriber
	shutdownOnce sync.Once
	nextID       uint64
	workers      int

	eventsPublishedCounter metric.Int64Counter
	subscriberGauge        metric.Int64UpDownCounter
	deliveryBlockedCounter metric.Int64Counter
	publishDuration        metric.Float64Histogram
}

type subscriber struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once

	// mu orders channel operations against close: a concurrent
	// Unsubscribe or bus Close must never close ch while a fanout
	// worker is mid-send.
	mu     sync.RWMutex
	ch     chan campaign.Event
	closed bool
}

// send attempts a non-blocking delivery. Returns false when the buffer
// is full or the subscription has been closed.
func (s *subscriber) send(evt campaign.Event) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- evt:
		return true
	default:
		return false
	}
}

// evictOldest pops one queued event to make room for a newer one.
func (s *subscriber) evictOldest() (campaign.Event, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return campaign.Event{}, false
	}
	select {
	case evt := <-s.ch:
		return evt, true
	default:
		return campaign.Event{}, false
	}
}

func (s *subscriber) close() {
	s.once.Do(func() {
		s.cancel()
		s.mu.Lock()
		s.closed = true
		close(s.ch)
		s.mu.Unlock()
	})
}

// NewMemoryBus constructs a memory-backed lifecycle bus.
func NewMemoryBus(cfg MemoryConfig) *MemoryBus {
	cfg = cfg.normalize()
	ctx, cancel := context.WithCancel(context.Background())
	bus := new(MemoryBus)
	bus.cfg = cfg
	bus.ctx = ctx
	bus.cancel = cancel
	bus.subscribers = make(map[campaign.EventType]map[SubscriptionID]*subscriber)
	bus.workers = cfg.FanoutWorkers

	meter := otel.Meter("eventbus")
	bus.eventsPublishedCounter, _ = meter.Int64Counter("eventbus.events.published",
		metric.WithDescription("Number of lifecycle events published to the bus"),
		metric.WithUnit("{event}"))
	bus.subscriberGauge, _ = meter.Int64UpDownCounter("eventbus.subscribers",
		metric.WithDescription("Number of active subscribers"),
		metric.WithUnit("{subscriber}"))
	bus.deliveryBlockedCounter, _ = meter.Int64Counter("eventbus.delivery.blocked",
		metric.WithDescription("Number of deliveries dropped due to subscriber backpressure"),
		metric.WithUnit("{event}"))
	bus.publishDuration, _ = meter.Float64Histogram("eventbus.publish.duration",
		metric.WithDescription("Latency of eventbus publish operations"),
		metric.WithUnit("ms"))

	return bus
}

// Publish fans the event out to subscribers of its type and to wildcard
// subscribers.
func (b *MemoryBus) Publish(ctx context.Context, evt campaign.Event) error {
	if ctx == nil {
		ctx = context.Background()
	}
	if evt.Type == "" {
		return errs.New("eventbus/publish", errs.CodeInvalid, errs.WithMessage("event type required"))
	}

	start := time.Now()
	defer func() {
		if b.publishDuration != nil {
			attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type))
			b.publishDuration.Record(ctx, float64(time.Since(start).Milliseconds()), metric.WithAttributes(attrs...))
		}
	}()

	b.mu.RLock()
	targets := make([]*subscriber, 0, len(b.subscribers[evt.Type])+len(b.subscribers[SubscribeAll]))
	for _, sub := range b.subscribers[evt.Type] {
		targets = append(targets, sub)
	}
	for _, sub := range b.subscribers[SubscribeAll] {
		targets = append(targets, sub)
	}
	b.mu.RUnlock()

	if b.eventsPublishedCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type))
		b.eventsPublishedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	if len(targets) == 0 {
		return nil
	}

	workerLimit := b.workers
	if workerLimit <= 0 {
		workerLimit = 1
	}

	p := concpool.New().WithMaxGoroutines(workerLimit)
	errCh := make(chan error, len(targets))
	for _, target := range targets {
		sub := target
		p.Go(func() {
			if err := b.deliver(ctx, sub, evt); err != nil {
				errCh <- err
			}
		})
	}
	p.Wait()
	close(errCh)

	var failures []error
	for err := range errCh {
		if err != nil {
			failures = append(failures, err)
		}
	}
	return observability.AggregateErrors("eventbus/publish", failures,
		observability.Field{Key: "event_type", Value: string(evt.Type)})
}

// Subscribe registers for events of the given type (or SubscribeAll) and
// returns a subscription ID and channel.
func (b *MemoryBus) Subscribe(ctx context.Context, typ campaign.EventType) (SubscriptionID, <-chan campaign.Event, error) {
	if typ == "" {
		return "", nil, errs.New("eventbus/subscribe", errs.CodeInvalid, errs.WithMessage("event type required"))
	}
	if ctx == nil {
		ctx = context.Background()
	}
	ctx, cancel := context.WithCancel(ctx)

	sub := new(subscriber)
	sub.ctx = ctx
	sub.cancel = cancel
	sub.ch = make(chan campaign.Event, b.cfg.BufferSize)

	id := SubscriptionID(fmt.Sprintf("sub-%d", atomic.AddUint64(&b.nextID, 1)))

	b.mu.Lock()
	if _, ok := b.subscribers[typ]; !ok {
		b.subscribers[typ] = make(map[SubscriptionID]*subscriber)
	}
	b.subscribers[typ][id] = sub
	b.mu.Unlock()

	if b.subscriberGauge != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(typ))
		b.subscriberGauge.Add(ctx, 1, metric.WithAttributes(attrs...))
	}

	go b.observe(typ, id, sub)
	return id, sub.ch, nil
}

// Unsubscribe removes the subscription and closes the channel.
func (b *MemoryBus) Unsubscribe(id SubscriptionID) {
	if id == "" {
		return
	}
	b.mu.Lock()
	for typ, subs := range b.subscribers {
		if sub, ok := subs[id]; ok {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
			b.mu.Unlock()
			if b.subscriberGauge != nil {
				attrs := telemetry.EventAttributes(telemetry.Environment(), string(typ))
				b.subscriberGauge.Add(context.Background(), -1, metric.WithAttributes(attrs...))
			}
			sub.close()
			return
		}
	}
	b.mu.Unlock()
}

// Close shuts down the bus and all subscriptions.
func (b *MemoryBus) Close() {
	b.shutdownOnce.Do(func() {
		b.cancel()
		b.mu.Lock()
		for typ, subs := range b.subscribers {
			for id, sub := range subs {
				if sub != nil {
					sub.close()
				}
				delete(subs, id)
			}
			delete(b.subscribers, typ)
		}
		b.mu.Unlock()
	})
}

func (b *MemoryBus) observe(typ campaign.EventType, id SubscriptionID, sub *subscriber) {
	<-sub.ctx.Done()
	b.mu.Lock()
	subs := b.subscribers[typ]
	if subs != nil {
		if stored, ok := subs[id]; ok && stored == sub {
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, typ)
			}
		}
	}
	b.mu.Unlock()
	sub.close()
}

// deliver hands the event to one subscriber. A full buffer drops the
// oldest queued event into the dead-letter queue to make room; the
// publisher is never blocked on a slow reporting consumer.
func (b *MemoryBus) deliver(ctx context.Context, sub *subscriber, evt campaign.Event) error {
	if b.ctx.Err() != nil {
		return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("bus closed"))
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("deliver context: %w", err)
	}
	if sub.ctx.Err() != nil {
		return nil
	}
	if sub.send(evt) {
		return nil
	}
	if dropped, ok := sub.evictOldest(); ok {
		b.deadLetter(dropped)
	}
	if b.deliveryBlockedCounter != nil {
		attrs := telemetry.EventAttributes(telemetry.Environment(), string(evt.Type))
		b.deliveryBlockedCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
	if sub.send(evt) {
		return nil
	}
	if sub.ctx.Err() != nil {
		// Subscription went away mid-delivery; not a publish failure.
		return nil
	}
	b.deadLetter(evt)
	return errs.New("eventbus/publish", errs.CodeUnavailable, errs.WithMessage("subscriber buffer full"))
}

func (b *MemoryBus) deadLetter(evt campaign.Event) {
	if b.cfg.DeadLetters == nil {
		observability.Log().Warn("eventbus: dropped lifecycle event",
			observability.Field{Key: "event_type", Value: string(evt.Type)},
			observability.Field{Key: "enrollment_id", Value: evt.EnrollmentID})
		return
	}
	b.cfg.DeadLetters.Offer(evt)
}

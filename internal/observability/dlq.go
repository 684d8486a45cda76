package observability

import (
	"sync"

	"github.com/coachpo/outflow/internal/domain/campaign"
)

// DeadLetterQueue stores lifecycle events that the bus could not deliver,
// so reporting collaborators can recover drops instead of losing them.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	events   []campaign.Event
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.events = make([]campaign.Event, 0)
	return queue
}

// Offer records an undeliverable event in the DLQ. When full, the oldest
// entry is evicted to make room.
func (q *DeadLetterQueue) Offer(event campaign.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.events) >= q.capacity {
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = event
		return
	}
	q.events = append(q.events, event)
}

// Drain retrieves and clears all queued events.
func (q *DeadLetterQueue) Drain() []campaign.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]campaign.Event, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len reports the number of queued events.
func (q *DeadLetterQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

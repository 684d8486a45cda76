// Package eventbus delivers enrollment lifecycle events to reporting
// collaborators.
package eventbus

import (
	"context"

	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/observability"
)

// SubscriptionID uniquely identifies a bus subscription.
type SubscriptionID string

// Bus delivers lifecycle events to interested subscribers.
type Bus interface {
	Publish(ctx context.Context, evt campaign.Event) error
	Subscribe(ctx context.Context, typ campaign.EventType) (SubscriptionID, <-chan campaign.Event, error)
	Unsubscribe(id SubscriptionID)
	Close()
}

// SubscribeAll is the wildcard event type matching every publication.
const SubscribeAll campaign.EventType = "*"

// MemoryConfig configures the in-memory bus buffers.
type MemoryConfig struct {
	BufferSize    int
	FanoutWorkers int
	// DeadLetters receives events dropped under subscriber backpressure.
	// Nil disables dead-lettering.
	DeadLetters *observability.DeadLetterQueue
}

func (c MemoryConfig) normalize() MemoryConfig {
	if c.BufferSize <= 0 {
		c.BufferSize = 64
	}
	if c.FanoutWorkers <= 0 {
		c.FanoutWorkers = 4
	}
	return c
}

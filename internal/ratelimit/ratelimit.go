// Package ratelimit enforces per-channel provider rate contracts and
// blackout windows.
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/coachpo/outflow/internal/clock"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/infra/config"
)

// PolicySource supplies the current per-channel policy and timezone.
// *config.RuntimeStore satisfies it, so hot reloads apply at the next
// Allow call without re-wiring the limiter.
type PolicySource interface {
	Channel(name string) (config.ChannelPolicy, bool)
	Snapshot() config.RuntimeConfig
}

// Decision explains why an Allow call declined.
type Decision string

const (
	// DecisionAllowed means a token was withdrawn and the send may proceed.
	DecisionAllowed Decision = "allowed"
	// DecisionBlackout means the wall clock fell inside the channel's blackout window.
	DecisionBlackout Decision = "blackout"
	// DecisionThrottled means the channel bucket had no token available.
	DecisionThrottled Decision = "throttled"
	// DecisionUnknownChannel means no policy is configured for the channel.
	DecisionUnknownChannel Decision = "unknown_channel"
)

type bucket struct {
	limiter  *rate.Limiter
	capacity int
	refill   time.Duration
}

// Limiter is the single synchronization point shared by all concurrent
// dispatch attempts for the same channel. The blackout predicate runs
// first and never consumes a token.
type Limiter struct {
	clk      clock.Clock
	policies PolicySource

	mu      sync.Mutex
	buckets map[campaign.Channel]*bucket
}

// New constructs a limiter over the supplied policy source and clock.
func New(clk clock.Clock, policies PolicySource) *Limiter {
	return &Limiter{
		clk:      clk,
		policies: policies,
		buckets:  make(map[campaign.Channel]*bucket),
	}
}

// Allow reports whether one send on the channel may proceed now. Exactly
// one token is withdrawn on DecisionAllowed; every other decision leaves
// the bucket untouched.
func (l *Limiter) Allow(channel campaign.Channel) Decision {
	policy, ok := l.policies.Channel(string(channel))
	if !ok {
		return DecisionUnknownChannel
	}
	now := l.clk.Now()

	window := CompileWindow(policy.Blackout)
	if window.Contains(now, l.location()) {
		return DecisionBlackout
	}

	if l.bucketFor(channel, policy).AllowN(now, 1) {
		return DecisionAllowed
	}
	return DecisionThrottled
}

// bucketFor returns the channel bucket, rebuilding it when a hot reload
// changed the capacity or refill interval. Token refill itself is lazy
// inside rate.Limiter, driven by the timestamps passed to AllowN.
func (l *Limiter) bucketFor(channel campaign.Channel, policy config.ChannelPolicy) *rate.Limiter {
	refill := policy.Rate.RefillInterval.Std()
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[channel]
	if ok && b.capacity == policy.Rate.Capacity && b.refill == refill {
		return b.limiter
	}
	limit := rate.Every(refill)
	b = &bucket{
		limiter:  rate.NewLimiter(limit, policy.Rate.Capacity),
		capacity: policy.Rate.Capacity,
		refill:   refill,
	}
	l.buckets[channel] = b
	return b.limiter
}

func (l *Limiter) location() *time.Location {
	loc, err := time.LoadLocation(l.policies.Snapshot().Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

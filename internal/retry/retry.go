// Package retry centralises the backoff policy for failed dispatches.
// Every channel's retry behaviour flows through one coordinator rather
// than being duplicated per provider integration.
package retry

import (
	"time"

	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/infra/config"
)

// PolicySource supplies the current per-channel retry policy.
type PolicySource interface {
	Channel(name string) (config.ChannelPolicy, bool)
}

// Verdict is the coordinator's decision for one failed attempt.
type Verdict struct {
	// Retry is true when the step should be rescheduled after Delay.
	Retry bool
	// Delay is the backoff to apply before the next attempt.
	Delay time.Duration
	// Exhausted is true when the step's retry budget ran out.
	Exhausted bool
}

// Coordinator turns a failed dispatch into a rescheduled attempt with
// bounded exponential backoff, or a terminal failure.
type Coordinator struct {
	policies PolicySource
}

// New constructs a coordinator over the supplied policy source.
func New(policies PolicySource) *Coordinator {
	return &Coordinator{policies: policies}
}

// Assess decides the fate of a failed attempt. attemptsMade counts
// completed attempts for the current step only, including the one that
// just failed; the counter resets when the enrollment advances.
// Permanent failures never retry. The nth failure backs off by
// base * 2^(n-1), capped at the channel maximum.
func (c *Coordinator) Assess(channel campaign.Channel, attemptsMade int, outcome campaign.Outcome) Verdict {
	if outcome == campaign.OutcomePermanentFailure {
		return Verdict{Retry: false, Delay: 0, Exhausted: false}
	}
	policy, ok := c.policies.Channel(string(channel))
	if !ok {
		return Verdict{Retry: false, Delay: 0, Exhausted: true}
	}
	if attemptsMade >= policy.MaxAttempts {
		return Verdict{Retry: false, Delay: 0, Exhausted: true}
	}
	attempt := attemptsMade - 1
	if attempt < 0 {
		attempt = 0
	}
	return Verdict{
		Retry:     true,
		Delay:     Backoff(policy.BackoffBase.Std(), policy.BackoffMax.Std(), attempt),
		Exhausted: false,
	}
}

// Backoff computes min(base * 2^attempt, max) without overflow.
func Backoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}
	if max < base {
		max = base
	}
	delay := base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= max || delay < 0 {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}

package ratelimit

import (
	"testing"
	"time"

	"github.com/coachpo/outflow/internal/clock"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/infra/config"
)

type fakePolicies struct {
	timezone string
	channels map[string]config.ChannelPolicy
}

func (p *fakePolicies) Channel(name string) (config.ChannelPolicy, bool) {
	policy, ok := p.channels[name]
	return policy, ok
}

func (p *fakePolicies) Snapshot() config.RuntimeConfig {
	tz := p.timezone
	if tz == "" {
		tz = "UTC"
	}
	return config.RuntimeConfig{Timezone: tz, Channels: p.channels}
}

func noonUTC() time.Time {
	return time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC) // a Monday
}

func TestAllowConsumesTokens(t *testing.T) {
	clk := clock.NewVirtual(noonUTC())
	policies := &fakePolicies{channels: map[string]config.ChannelPolicy{
		"sms": {
			MaxAttempts: 1,
			BackoffBase: config.Duration(time.Minute),
			BackoffMax:  config.Duration(time.Minute),
			Rate:        config.RateConfig{Capacity: 2, RefillInterval: config.Duration(time.Minute)},
		},
	}}
	l := New(clk, policies)

	if got := l.Allow(campaign.ChannelSMS); got != DecisionAllowed {
		t.Fatalf("first call: expected allowed, got %s", got)
	}
	if got := l.Allow(campaign.ChannelSMS); got != DecisionAllowed {
		t.Fatalf("second call: expected allowed, got %s", got)
	}
	if got := l.Allow(campaign.ChannelSMS); got != DecisionThrottled {
		t.Fatalf("third call: expected throttled, got %s", got)
	}

	// One refill interval restores exactly one token.
	clk.Advance(time.Minute)
	if got := l.Allow(campaign.ChannelSMS); got != DecisionAllowed {
		t.Fatalf("after refill: expected allowed, got %s", got)
	}
	if got := l.Allow(campaign.ChannelSMS); got != DecisionThrottled {
		t.Fatalf("after refill: expected throttled, got %s", got)
	}
}

func TestAllowUnknownChannel(t *testing.T) {
	clk := clock.NewVirtual(noonUTC())
	l := New(clk, &fakePolicies{channels: map[string]config.ChannelPolicy{}})

	if got := l.Allow(campaign.ChannelEmail); got != DecisionUnknownChannel {
		t.Fatalf("expected unknown_channel, got %s", got)
	}
}

func TestAllowBlackoutPrecedesBucket(t *testing.T) {
	// 22:30 falls inside the 22:00 -> 07:00 window.
	clk := clock.NewVirtual(time.Date(2025, 3, 3, 22, 30, 0, 0, time.UTC))
	policies := &fakePolicies{channels: map[string]config.ChannelPolicy{
		"email": {
			MaxAttempts: 1,
			BackoffBase: config.Duration(time.Minute),
			BackoffMax:  config.Duration(time.Minute),
			Rate:        config.RateConfig{Capacity: 1, RefillInterval: config.Duration(time.Minute)},
			Blackout:    config.BlackoutConfig{Start: "22:00", End: "07:00"},
		},
	}}
	l := New(clk, policies)

	if got := l.Allow(campaign.ChannelEmail); got != DecisionBlackout {
		t.Fatalf("expected blackout, got %s", got)
	}
	// The blackout check must not consume the only token.
	clk.AdvanceTo(time.Date(2025, 3, 4, 9, 0, 0, 0, time.UTC))
	if got := l.Allow(campaign.ChannelEmail); got != DecisionAllowed {
		t.Fatalf("after window: expected allowed, got %s", got)
	}
}

func TestAllowReloadRebuildsBucket(t *testing.T) {
	clk := clock.NewVirtual(noonUTC())
	policies := &fakePolicies{channels: map[string]config.ChannelPolicy{
		"voice": {
			MaxAttempts: 1,
			BackoffBase: config.Duration(time.Minute),
			BackoffMax:  config.Duration(time.Minute),
			Rate:        config.RateConfig{Capacity: 1, RefillInterval: config.Duration(time.Hour)},
		},
	}}
	l := New(clk, policies)

	if got := l.Allow(campaign.ChannelVoice); got != DecisionAllowed {
		t.Fatalf("expected allowed, got %s", got)
	}
	if got := l.Allow(campaign.ChannelVoice); got != DecisionThrottled {
		t.Fatalf("expected throttled, got %s", got)
	}

	// Hot reload with a larger capacity takes effect on the next call.
	policy := policies.channels["voice"]
	policy.Rate.Capacity = 3
	policies.channels["voice"] = policy
	if got := l.Allow(campaign.ChannelVoice); got != DecisionAllowed {
		t.Fatalf("after reload: expected allowed, got %s", got)
	}
}

func TestWindowContains(t *testing.T) {
	loc := time.UTC
	cases := []struct {
		name string
		cfg  config.BlackoutConfig
		at   time.Time
		want bool
	}{
		{
			name: "disabled never matches",
			cfg:  config.BlackoutConfig{},
			at:   time.Date(2025, 3, 3, 23, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "inside same-day window",
			cfg:  config.BlackoutConfig{Start: "09:00", End: "17:00"},
			at:   time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "end boundary is exclusive",
			cfg:  config.BlackoutConfig{Start: "09:00", End: "17:00"},
			at:   time.Date(2025, 3, 3, 17, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "wrapping window before midnight",
			cfg:  config.BlackoutConfig{Start: "21:00", End: "09:00"},
			at:   time.Date(2025, 3, 3, 23, 30, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "wrapping window after midnight",
			cfg:  config.BlackoutConfig{Start: "21:00", End: "09:00"},
			at:   time.Date(2025, 3, 4, 5, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "wrapping window daytime gap",
			cfg:  config.BlackoutConfig{Start: "21:00", End: "09:00"},
			at:   time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC),
			want: false,
		},
		{
			name: "excluded weekday blocks whole day",
			cfg:  config.BlackoutConfig{Start: "21:00", End: "09:00", ExcludedWeekdays: []string{"Sunday"}},
			at:   time.Date(2025, 3, 2, 12, 0, 0, 0, time.UTC),
			want: true,
		},
		{
			name: "weekday-only config leaves other days open",
			cfg:  config.BlackoutConfig{ExcludedWeekdays: []string{"Sunday"}},
			at:   time.Date(2025, 3, 3, 12, 0, 0, 0, time.UTC),
			want: false,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := CompileWindow(tc.cfg)
			if got := w.Contains(tc.at, loc); got != tc.want {
				t.Errorf("Contains(%v) = %v, want %v", tc.at, got, tc.want)
			}
		})
	}
}

func TestWindowTimezoneEvaluation(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("timezone data unavailable: %v", err)
	}
	w := CompileWindow(config.BlackoutConfig{Start: "22:00", End: "07:00"})

	// 03:00 UTC is 22:00 or 23:00 the previous evening in New York,
	// inside the window either way.
	at := time.Date(2025, 3, 4, 3, 30, 0, 0, time.UTC)
	if !w.Contains(at, loc) {
		t.Error("expected instant inside the local-time window")
	}
	if w.Contains(at, time.UTC) {
		t.Error("same instant evaluated in UTC is outside the window")
	}
}

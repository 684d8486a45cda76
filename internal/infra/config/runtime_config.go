package config

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// RuntimeConfig captures mutable configuration managed at runtime. Hot
// reloads swap the whole value; in-flight enrollments see new values at
// their next evaluation only.
type RuntimeConfig struct {
	Timezone   string                   `json:"timezone" yaml:"timezone"`
	Channels   map[string]ChannelPolicy `json:"channels" yaml:"channels"`
	Eventbus   EventbusConfig           `json:"eventbus" yaml:"eventbus"`
	Scheduler  SchedulerConfig          `json:"scheduler" yaml:"scheduler"`
	Dispatcher DispatcherConfig         `json:"dispatcher" yaml:"dispatcher"`
	Admission  AdmissionConfig          `json:"admission" yaml:"admission"`
	Telemetry  TelemetryConfig          `json:"telemetry" yaml:"telemetry"`
}

// DefaultRuntimeConfig returns the default runtime configuration used when no overrides are supplied.
// Channel retry budgets mirror the historical cadence: three follow-ups for
// email and voice, two for SMS.
func DefaultRuntimeConfig() RuntimeConfig {
	cfg := RuntimeConfig{
		Timezone: "UTC",
		Channels: map[string]ChannelPolicy{
			"email": {
				MaxAttempts: 3,
				BackoffBase: Duration(time.Minute),
				BackoffMax:  Duration(4 * time.Hour),
				Rate:        RateConfig{Capacity: 10, RefillInterval: Duration(time.Minute)},
				Blackout:    BlackoutConfig{Start: "22:00", End: "07:00"},
			},
			"sms": {
				MaxAttempts: 2,
				BackoffBase: Duration(time.Minute),
				BackoffMax:  Duration(2 * time.Hour),
				Rate:        RateConfig{Capacity: 5, RefillInterval: Duration(time.Minute)},
				Blackout:    BlackoutConfig{Start: "20:00", End: "09:00", ExcludedWeekdays: []string{"Sunday"}},
			},
			"voice": {
				MaxAttempts: 3,
				BackoffBase: Duration(5 * time.Minute),
				BackoffMax:  Duration(8 * time.Hour),
				Rate:        RateConfig{Capacity: 2, RefillInterval: Duration(5 * time.Minute)},
				Blackout:    BlackoutConfig{Start: "18:00", End: "10:00", ExcludedWeekdays: []string{"Saturday", "Sunday"}},
			},
			"social": {
				MaxAttempts: 2,
				BackoffBase: Duration(10 * time.Minute),
				BackoffMax:  Duration(12 * time.Hour),
				Rate:        RateConfig{Capacity: 3, RefillInterval: Duration(15 * time.Minute)},
			},
		},
		Eventbus:   EventbusConfig{BufferSize: 1024, FanoutWorkers: 4},
		Scheduler:  SchedulerConfig{TickInterval: Duration(time.Second)},
		Dispatcher: DispatcherConfig{Workers: 8, Queue: 256, ThrottleBackoff: Duration(30 * time.Second)},
		Admission:  AdmissionConfig{MinScore: "0"},
		Telemetry: TelemetryConfig{
			OTLPEndpoint:  "",
			ServiceName:   "outflow-engine",
			OTLPInsecure:  true,
			EnableMetrics: true,
		},
	}
	cfg.Normalise()
	return cfg
}

// Clone returns a deep copy of the runtime configuration.
func (c RuntimeConfig) Clone() RuntimeConfig {
	cloned := c
	cloned.Channels = cloneChannels(c.Channels)
	return cloned
}

// Normalise adjusts fields with derived defaults and trims whitespace.
func (c *RuntimeConfig) Normalise() {
	if c == nil {
		return
	}
	c.Timezone = strings.TrimSpace(c.Timezone)
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
	c.Admission.MinScore = strings.TrimSpace(c.Admission.MinScore)
	if c.Admission.MinScore == "" {
		c.Admission.MinScore = "0"
	}
	c.Telemetry.OTLPEndpoint = strings.TrimSpace(c.Telemetry.OTLPEndpoint)
	c.Telemetry.ServiceName = strings.TrimSpace(c.Telemetry.ServiceName)

	if c.Dispatcher.Queue < 0 {
		c.Dispatcher.Queue = 0
	}
	for name, policy := range c.Channels {
		if policy.BackoffMax < policy.BackoffBase {
			policy.BackoffMax = policy.BackoffBase
		}
		for i, day := range policy.Blackout.ExcludedWeekdays {
			policy.Blackout.ExcludedWeekdays[i] = strings.TrimSpace(day)
		}
		c.Channels[name] = policy
	}
}

// Validate performs semantic validation on runtime configuration fields.
func (c RuntimeConfig) Validate() error {
	if _, err := time.LoadLocation(c.Timezone); err != nil {
		return fmt.Errorf("timezone: %w", err)
	}
	if len(c.Channels) == 0 {
		return fmt.Errorf("at least one channel policy required")
	}
	for name, policy := range c.Channels {
		if policy.MaxAttempts <= 0 {
			return fmt.Errorf("channels.%s.max_attempts must be > 0", name)
		}
		if policy.BackoffBase <= 0 {
			return fmt.Errorf("channels.%s.backoff_base must be > 0", name)
		}
		if policy.BackoffMax < policy.BackoffBase {
			return fmt.Errorf("channels.%s.backoff_max must be >= backoff_base", name)
		}
		if policy.Rate.Capacity <= 0 {
			return fmt.Errorf("channels.%s.rate.capacity must be > 0", name)
		}
		if policy.Rate.RefillInterval <= 0 {
			return fmt.Errorf("channels.%s.rate.refill_interval must be > 0", name)
		}
		if err := validateBlackout(name, policy.Blackout); err != nil {
			return err
		}
	}

	if c.Eventbus.BufferSize <= 0 {
		return fmt.Errorf("eventbus.buffer_size must be > 0")
	}
	if c.Eventbus.FanoutWorkers <= 0 {
		return fmt.Errorf("eventbus.fanout_workers must be > 0")
	}
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tick_interval must be > 0")
	}
	if c.Dispatcher.Workers <= 0 {
		return fmt.Errorf("dispatcher.workers must be > 0")
	}
	if c.Dispatcher.Queue < 0 {
		return fmt.Errorf("dispatcher.queue must be >= 0")
	}
	if c.Dispatcher.ThrottleBackoff <= 0 {
		return fmt.Errorf("dispatcher.throttle_backoff must be > 0")
	}
	if _, err := decimal.NewFromString(c.Admission.MinScore); err != nil {
		return fmt.Errorf("admission.min_score: %w", err)
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		return fmt.Errorf("telemetry.service_name required")
	}
	return nil
}

// MinScore returns the parsed admission threshold.
func (c RuntimeConfig) MinScore() decimal.Decimal {
	score, err := decimal.NewFromString(c.Admission.MinScore)
	if err != nil {
		return decimal.Zero
	}
	return score
}

func validateBlackout(channel string, b BlackoutConfig) error {
	if !b.Enabled() {
		return nil
	}
	if (b.Start == "") != (b.End == "") {
		return fmt.Errorf("channels.%s.blackout: start and end must be set together", channel)
	}
	for _, raw := range []string{b.Start, b.End} {
		if raw == "" {
			continue
		}
		if _, err := time.Parse("15:04", raw); err != nil {
			return fmt.Errorf("channels.%s.blackout: parse %q: %w", channel, raw, err)
		}
	}
	for _, day := range b.ExcludedWeekdays {
		if !validWeekday(day) {
			return fmt.Errorf("channels.%s.blackout: unknown weekday %q", channel, day)
		}
	}
	return nil
}

func validWeekday(day string) bool {
	for wd := time.Sunday; wd <= time.Saturday; wd++ {
		if strings.EqualFold(day, wd.String()) {
			return true
		}
	}
	return false
}

// RuntimeStore provides concurrency-safe access to runtime configuration.
type RuntimeStore struct {
	mu  sync.RWMutex
	cfg RuntimeConfig
}

// NewRuntimeStore constructs a runtime configuration store using the supplied initial configuration.
func NewRuntimeStore(initial RuntimeConfig) (*RuntimeStore, error) {
	cfg := initial.Clone()
	cfg.Normalise()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RuntimeStore{mu: sync.RWMutex{}, cfg: cfg}, nil
}

// Snapshot returns a copy of the current runtime configuration.
func (s *RuntimeStore) Snapshot() RuntimeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.Clone()
}

// Replace swaps the current runtime configuration with the supplied payload after validation.
func (s *RuntimeStore) Replace(cfg RuntimeConfig) (RuntimeConfig, error) {
	updated := cfg.Clone()
	updated.Normalise()
	if err := updated.Validate(); err != nil {
		return RuntimeConfig{}, err
	}

	s.mu.Lock()
	s.cfg = updated
	s.mu.Unlock()

	return updated.Clone(), nil
}

// UpdateChannel updates only one channel's policy.
func (s *RuntimeStore) UpdateChannel(name string, policy ChannelPolicy) (ChannelPolicy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	merged := s.cfg.Clone()
	if merged.Channels == nil {
		merged.Channels = make(map[string]ChannelPolicy, 1)
	}
	merged.Channels[name] = policy
	merged.Normalise()
	if err := merged.Validate(); err != nil {
		return ChannelPolicy{}, err
	}
	s.cfg = merged
	return merged.Channels[name], nil
}

// Channel returns the policy for the named channel together with whether it exists.
func (s *RuntimeStore) Channel(name string) (ChannelPolicy, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	policy, ok := s.cfg.Channels[name]
	return policy, ok
}

func cloneChannels(src map[string]ChannelPolicy) map[string]ChannelPolicy {
	if src == nil {
		return nil
	}
	cloned := make(map[string]ChannelPolicy, len(src))
	for name, policy := range src {
		if len(policy.Blackout.ExcludedWeekdays) > 0 {
			policy.Blackout.ExcludedWeekdays = append([]string(nil), policy.Blackout.ExcludedWeekdays...)
		} else {
			policy.Blackout.ExcludedWeekdays = nil
		}
		cloned[name] = policy
	}
	return cloned
}

// Package config loads, validates, and hot-swaps engine configuration.
package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration with YAML (un)marshalling in Go duration syntax.
type Duration time.Duration

// UnmarshalYAML parses values such as "90s" or "48h".
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in Go duration syntax.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// RateConfig parameterises one channel's token bucket.
type RateConfig struct {
	// Capacity is the bucket size (burst allowance).
	Capacity int `json:"capacity" yaml:"capacity"`
	// RefillInterval is the time to accrue one token.
	RefillInterval Duration `json:"refill_interval" yaml:"refill_interval"`
}

// BlackoutConfig describes a recurring window during which no dispatch may
// reach the provider. Start/End are wall-clock times ("HH:MM") evaluated in
// the runtime timezone; a window may wrap midnight (e.g. 21:00 -> 09:00).
type BlackoutConfig struct {
	Start            string   `json:"start" yaml:"start"`
	End              string   `json:"end" yaml:"end"`
	ExcludedWeekdays []string `json:"excluded_weekdays" yaml:"excluded_weekdays"`
}

// Enabled reports whether the window is configured at all.
func (b BlackoutConfig) Enabled() bool {
	return b.Start != "" || b.End != "" || len(b.ExcludedWeekdays) > 0
}

// ChannelPolicy groups the per-channel delivery knobs: retry budget,
// backoff shape, rate limiting, and blackout window.
type ChannelPolicy struct {
	MaxAttempts int            `json:"max_attempts" yaml:"max_attempts"`
	BackoffBase Duration       `json:"backoff_base" yaml:"backoff_base"`
	BackoffMax  Duration       `json:"backoff_max" yaml:"backoff_max"`
	Rate        RateConfig     `json:"rate" yaml:"rate"`
	Blackout    BlackoutConfig `json:"blackout" yaml:"blackout"`
}

// EventbusConfig sizes the in-memory lifecycle bus.
type EventbusConfig struct {
	BufferSize    int `json:"buffer_size" yaml:"buffer_size"`
	FanoutWorkers int `json:"fanout_workers" yaml:"fanout_workers"`
}

// SchedulerConfig controls the due-scan cadence.
type SchedulerConfig struct {
	TickInterval Duration `json:"tick_interval" yaml:"tick_interval"`
}

// DispatcherConfig bounds concurrent outbound sends.
type DispatcherConfig struct {
	Workers int `json:"workers" yaml:"workers"`
	Queue   int `json:"queue" yaml:"queue"`
	// ThrottleBackoff is the short delay applied when the rate limiter or a
	// blackout window defers an attempt.
	ThrottleBackoff Duration `json:"throttle_backoff" yaml:"throttle_backoff"`
}

// AdmissionConfig gates enrollment on the externally supplied lead score.
type AdmissionConfig struct {
	MinScore string `json:"min_score" yaml:"min_score"`
}

// TelemetryConfig controls the OTLP metric exporter.
type TelemetryConfig struct {
	OTLPEndpoint  string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName   string `json:"service_name" yaml:"service_name"`
	OTLPInsecure  bool   `json:"otlp_insecure" yaml:"otlp_insecure"`
	EnableMetrics bool   `json:"enable_metrics" yaml:"enable_metrics"`
}

// DatabaseConfig points the engine at its persistence store. An empty DSN
// selects the in-memory store.
type DatabaseConfig struct {
	DSN string `json:"dsn" yaml:"dsn"`
}

// ControlConfig exposes the pause/resume/cancel HTTP surface.
type ControlConfig struct {
	Addr string `json:"addr" yaml:"addr"`
}

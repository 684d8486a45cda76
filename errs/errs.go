// Package errs provides structured error types and helpers for Outflow services.
package errs

import (
	"errors"
	"strconv"
	"strings"
)

// Code identifies an engine error category.
type Code string

const (
	// CodeNotFound indicates a missing sequence, enrollment, or variant.
	CodeNotFound Code = "not_found"
	// CodeAlreadyEnrolled indicates the contact already has a live enrollment in the sequence.
	CodeAlreadyEnrolled Code = "already_enrolled"
	// CodeNotEligible indicates the contact failed the admission gate.
	CodeNotEligible Code = "not_eligible"
	// CodeConsentWithdrawn indicates the contact revoked consent for the step channel.
	CodeConsentWithdrawn Code = "consent_withdrawn"
	// CodeThrottled indicates the per-channel rate limiter or a blackout window deferred the attempt.
	CodeThrottled Code = "throttled"
	// CodeTransientSend indicates a retryable provider failure.
	CodeTransientSend Code = "transient_send"
	// CodePermanentSend indicates a non-retryable provider failure.
	CodePermanentSend Code = "permanent_send"
	// CodeRetriesExhausted indicates the retry budget for the current step ran out.
	CodeRetriesExhausted Code = "retries_exhausted"
	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalid_request"
	// CodeConflict indicates a concurrent mutation conflict.
	CodeConflict Code = "conflict"
	// CodeUnavailable indicates the component is temporarily unavailable.
	CodeUnavailable Code = "unavailable"
)

// E captures structured error information produced across the Outflow stack.
type E struct {
	Scope       string
	Code        Code
	Channel     string
	Message     string
	ProviderRef string
	Remediation string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the originating scope and error code.
func New(scope string, code Code, opts ...Option) *E {
	e := &E{
		Scope:       strings.TrimSpace(scope),
		Code:        code,
		Channel:     "",
		Message:     "",
		ProviderRef: "",
		Remediation: "",
		cause:       nil,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithChannel records the delivery channel the error relates to.
func WithChannel(channel string) Option {
	trimmed := strings.TrimSpace(channel)
	return func(e *E) {
		e.Channel = trimmed
	}
}

// WithProviderRef captures the provider-side reference for a failed send.
func WithProviderRef(ref string) Option {
	trimmed := strings.TrimSpace(ref)
	return func(e *E) {
		e.ProviderRef = trimmed
	}
}

// WithRemediation attaches remediation guidance to the error.
func WithRemediation(remediation string) Option {
	trimmed := strings.TrimSpace(remediation)
	return func(e *E) {
		e.Remediation = trimmed
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string

	scope := strings.TrimSpace(e.Scope)
	if scope == "" {
		scope = "unknown"
	}
	parts = append(parts, "scope="+scope)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.Channel != "" {
		parts = append(parts, "channel="+e.Channel)
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.ProviderRef != "" {
		parts = append(parts, "provider_ref="+strconv.Quote(e.ProviderRef))
	}
	if e.Remediation != "" {
		parts = append(parts, "remediation="+strconv.Quote(e.Remediation))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}

	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the engine error code from err, walking the unwrap chain.
func CodeOf(err error) Code {
	var envelope *E
	if errors.As(err, &envelope) {
		return envelope.Code
	}
	return ""
}

// Is reports whether err carries the given engine error code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the error represents a failure the retry
// coordinator may reschedule. Throttling is excluded: throttled attempts
// are re-queued without consuming the retry budget.
func Retryable(err error) bool {
	return CodeOf(err) == CodeTransientSend
}

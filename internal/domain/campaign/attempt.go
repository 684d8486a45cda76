package campaign

import "time"

// Outcome classifies the result of one dispatch attempt, mirroring the
// external sender contract.
type Outcome string

const (
	// OutcomeSuccess means the provider accepted the message.
	OutcomeSuccess Outcome = "success"
	// OutcomeTransientFailure means the provider failed in a retryable way.
	OutcomeTransientFailure Outcome = "transient_failure"
	// OutcomePermanentFailure means the provider rejected the message for good.
	OutcomePermanentFailure Outcome = "permanent_failure"
)

// DispatchAttempt records one send try against the external provider.
// Attempts form an append-only audit trail; a recorded attempt is never
// mutated. The success lookup on (enrollment, step) backs the
// dispatcher's idempotency guard.
type DispatchAttempt struct {
	EnrollmentID string
	StepIndex    int
	Channel      Channel
	Variant      string
	AttemptedAt  time.Time
	Outcome      Outcome
	ProviderRef  string
	Reason       string
}

package campaign

import (
	"time"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
)

// EventType classifies lifecycle notifications published on the event bus.
type EventType string

const (
	// EventEnrollmentCreated fires when an enrollment is admitted.
	EventEnrollmentCreated EventType = "enrollment.created"
	// EventEnrollmentAdvanced fires when a non-final step dispatches successfully.
	EventEnrollmentAdvanced EventType = "enrollment.advanced"
	// EventEnrollmentPaused fires on an external pause request.
	EventEnrollmentPaused EventType = "enrollment.paused"
	// EventEnrollmentResumed fires when a paused enrollment re-activates.
	EventEnrollmentResumed EventType = "enrollment.resumed"
	// EventEnrollmentCompleted fires when the final step dispatches successfully.
	EventEnrollmentCompleted EventType = "enrollment.completed"
	// EventEnrollmentCancelled fires on external cancellation or consent withdrawal.
	EventEnrollmentCancelled EventType = "enrollment.cancelled"
	// EventEnrollmentFailed fires when the retry budget is exhausted or a
	// permanent send error is observed.
	EventEnrollmentFailed EventType = "enrollment.failed"
	// EventDispatchSucceeded fires for every provider-accepted send.
	EventDispatchSucceeded EventType = "dispatch.succeeded"
	// EventDispatchRetried fires when a failed send is rescheduled with backoff.
	EventDispatchRetried EventType = "dispatch.retried"
	// EventDispatchThrottled fires when rate limiting or a blackout window
	// defers an attempt without consuming retry budget.
	EventDispatchThrottled EventType = "dispatch.throttled"
)

// Event is the envelope delivered to reporting collaborators. No failure
// path terminates an enrollment without publishing one.
type Event struct {
	ID           string
	Type         EventType
	EnrollmentID string
	ContactID    string
	SequenceID   string
	Channel      Channel
	StepIndex    int
	Status       Status
	Reason       string
	OccurredAt   time.Time
	Payload      json.RawMessage
}

// NewEvent builds a lifecycle event snapshot for the enrollment. channel
// may be empty for events not tied to a step's channel.
func NewEvent(typ EventType, e Enrollment, channel Channel, reason string, at time.Time) Event {
	return Event{
		ID:           uuid.NewString(),
		Type:         typ,
		EnrollmentID: e.ID,
		ContactID:    e.Contact.ID,
		SequenceID:   e.SequenceID,
		Channel:      channel,
		StepIndex:    e.CurrentStepIndex,
		Status:       e.Status,
		Reason:       reason,
		OccurredAt:   at,
	}
}

package campaign

import (
	"time"
)

// Status captures the lifecycle state of an enrollment.
type Status string

const (
	// StatusPending awaits admission (consent check for the step-0 channel).
	StatusPending Status = "pending"
	// StatusActive is progressing through steps with a due time set.
	StatusActive Status = "active"
	// StatusPaused was halted externally; no dispatch until resumed or cancelled.
	StatusPaused Status = "paused"
	// StatusCompleted dispatched its final step successfully. Terminal.
	StatusCompleted Status = "completed"
	// StatusCancelled was stopped externally or by consent withdrawal. Terminal.
	StatusCancelled Status = "cancelled"
	// StatusFailed exhausted its retry budget or hit a permanent send error. Terminal.
	StatusFailed Status = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed:
		return true
	default:
		return false
	}
}

// Live reports whether the status blocks re-enrollment of the same
// contact into the same sequence.
func (s Status) Live() bool {
	return s == StatusPending || s == StatusActive || s == StatusPaused
}

// validTransitions is the state machine: each key maps to the set of
// statuses reachable from it.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusActive: true, StatusCancelled: true},
	StatusActive: {
		StatusActive:    true,
		StatusPaused:    true,
		StatusCompleted: true,
		StatusCancelled: true,
		StatusFailed:    true,
	},
	StatusPaused: {StatusActive: true, StatusCancelled: true},
}

// CanTransition reports whether from -> to is a legal lifecycle move.
func CanTransition(from, to Status) bool {
	return validTransitions[from][to]
}

// Enrollment is the record of one contact progressing through one sequence.
// CurrentStepIndex is monotonically non-decreasing while Active; once a
// terminal status is reached the record is immutable.
type Enrollment struct {
	ID               string
	Contact          ContactRef
	SequenceID       string
	SequenceVersion  int
	CurrentStepIndex int
	Status           Status
	// NextDueAt is the single point at which the scheduler re-examines
	// this enrollment. Nil unless Active.
	NextDueAt    *time.Time
	AttemptCount int
	LastError    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// SequenceKey returns the catalog key the enrollment was admitted against.
func (e Enrollment) SequenceKey() SequenceKey {
	return SequenceKey{ID: e.SequenceID, Version: e.SequenceVersion}
}

// Due reports whether the enrollment is ready for dispatch at now.
func (e Enrollment) Due(now time.Time) bool {
	return e.Status == StatusActive && e.NextDueAt != nil && !e.NextDueAt.After(now)
}

// Clone returns a deep copy so callers can hold snapshots without
// aliasing the consent map.
func (e Enrollment) Clone() Enrollment {
	cloned := e
	if e.NextDueAt != nil {
		due := *e.NextDueAt
		cloned.NextDueAt = &due
	}
	if e.Contact.Consent != nil {
		consent := make(map[Channel]bool, len(e.Contact.Consent))
		for ch, ok := range e.Contact.Consent {
			consent[ch] = ok
		}
		cloned.Contact.Consent = consent
	}
	if e.Contact.Attributes != nil {
		attrs := make(map[string]string, len(e.Contact.Attributes))
		for key, value := range e.Contact.Attributes {
			attrs[key] = value
		}
		cloned.Contact.Attributes = attrs
	}
	return cloned
}

// Package content defines the contract with the external template/variant
// store.
package content

import "github.com/coachpo/outflow/internal/domain/campaign"

// Rendered is the final message text handed to a channel sender.
type Rendered struct {
	Subject string
	Body    string
}

// Request identifies one step's content resolution.
type Request struct {
	Sequence  campaign.SequenceKey
	StepIndex int
	Variant   string
	// Fields carries the contact merge fields available to the template.
	Fields map[string]string
}

// Resolver is a pure function from identifiers plus merge fields to final
// text; it has no side effects visible to the engine.
type Resolver interface {
	Resolve(req Request) (Rendered, error)
}

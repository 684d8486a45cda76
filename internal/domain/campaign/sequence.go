package campaign

import (
	"fmt"
	"strings"
	"time"
)

// StepDefinition describes one message at one delay offset on one channel.
type StepDefinition struct {
	DelaySincePrevious time.Duration
	Channel            Channel
	Variants           []string
	Final              bool
}

// SequenceDefinition is an immutable, versioned ordered campaign definition.
// A published (ID, Version) pair is never mutated; edits produce a new version.
type SequenceDefinition struct {
	ID      string
	Version int
	Steps   []StepDefinition
}

// Key returns the catalog lookup key for the definition.
func (d SequenceDefinition) Key() SequenceKey {
	return SequenceKey{ID: d.ID, Version: d.Version}
}

// Step returns the step at idx, or false when idx is out of range.
func (d SequenceDefinition) Step(idx int) (StepDefinition, bool) {
	if idx < 0 || idx >= len(d.Steps) {
		return StepDefinition{}, false
	}
	return d.Steps[idx], true
}

// Validate rejects malformed definitions at load time, before any
// enrollment can reach them.
func (d SequenceDefinition) Validate() error {
	if strings.TrimSpace(d.ID) == "" {
		return fmt.Errorf("sequence id required")
	}
	if d.Version <= 0 {
		return fmt.Errorf("sequence %s: version must be > 0", d.ID)
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("sequence %s: at least one step required", d.ID)
	}
	for i, step := range d.Steps {
		if _, err := ParseChannel(string(step.Channel)); err != nil {
			return fmt.Errorf("sequence %s step %d: %w", d.ID, i, err)
		}
		if step.DelaySincePrevious < 0 {
			return fmt.Errorf("sequence %s step %d: negative delay", d.ID, i)
		}
		if len(step.Variants) == 0 {
			return fmt.Errorf("sequence %s step %d: at least one variant required", d.ID, i)
		}
		if step.Final != (i == len(d.Steps)-1) {
			return fmt.Errorf("sequence %s step %d: final flag must mark exactly the last step", d.ID, i)
		}
	}
	return nil
}

// SequenceKey identifies a published sequence version.
type SequenceKey struct {
	ID      string
	Version int
}

func (k SequenceKey) String() string {
	return fmt.Sprintf("%s@v%d", k.ID, k.Version)
}

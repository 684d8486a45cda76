// Package catalog resolves versioned sequence definitions for the engine.
//
// Definitions are loaded once at startup from the external template/config
// collaborator and validated before any enrollment can reference them.
// Reloads overlay new versions; published versions are never replaced, so
// in-flight enrollments keep executing against the version they were
// admitted with.
package catalog

import (
	"fmt"
	"os"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/infra/config"
)

// Catalog holds the published sequence definitions, keyed by id and version.
type Catalog struct {
	mu     sync.RWMutex
	byKey  map[campaign.SequenceKey]campaign.SequenceDefinition
	latest map[string]int
}

// New constructs an empty catalog.
func New() *Catalog {
	return &Catalog{
		byKey:  make(map[campaign.SequenceKey]campaign.SequenceDefinition),
		latest: make(map[string]int),
	}
}

// LoadFile reads sequence definitions from the YAML file at path and
// publishes them into a new catalog.
func LoadFile(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog %s: %w", path, err)
	}
	cat := New()
	if err := cat.Overlay(raw); err != nil {
		return nil, fmt.Errorf("catalog %s: %w", path, err)
	}
	return cat, nil
}

type catalogFile struct {
	Sequences []sequenceSpec `yaml:"sequences"`
}

type sequenceSpec struct {
	ID      string     `yaml:"id"`
	Version int        `yaml:"version"`
	Steps   []stepSpec `yaml:"steps"`
}

type stepSpec struct {
	Delay    config.Duration `yaml:"delay"`
	Channel  string          `yaml:"channel"`
	Variants []string        `yaml:"variants"`
}

// Overlay parses raw YAML and publishes every definition it contains.
// Malformed definitions reject the whole overlay; republishing an
// existing (id, version) with different content fails with Conflict.
func (c *Catalog) Overlay(raw []byte) error {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fmt.Errorf("parse catalog: %w", err)
	}
	defs := make([]campaign.SequenceDefinition, 0, len(file.Sequences))
	for _, spec := range file.Sequences {
		def := campaign.SequenceDefinition{
			ID:      spec.ID,
			Version: spec.Version,
			Steps:   make([]campaign.StepDefinition, 0, len(spec.Steps)),
		}
		for i, step := range spec.Steps {
			channel, err := campaign.ParseChannel(step.Channel)
			if err != nil {
				return fmt.Errorf("sequence %s step %d: %w", spec.ID, i, err)
			}
			def.Steps = append(def.Steps, campaign.StepDefinition{
				DelaySincePrevious: step.Delay.Std(),
				Channel:            channel,
				Variants:           append([]string(nil), step.Variants...),
				Final:              i == len(spec.Steps)-1,
			})
		}
		if err := def.Validate(); err != nil {
			return err
		}
		defs = append(defs, def)
	}
	return c.publish(defs)
}

func (c *Catalog) publish(defs []campaign.SequenceDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, def := range defs {
		key := def.Key()
		if existing, ok := c.byKey[key]; ok {
			if !sameDefinition(existing, def) {
				return errs.New("catalog/publish", errs.CodeConflict,
					errs.WithMessage("sequence "+key.String()+" already published with different content"))
			}
			continue
		}
		c.byKey[key] = def
		if def.Version > c.latest[def.ID] {
			c.latest[def.ID] = def.Version
		}
	}
	return nil
}

// Resolve returns the definition for the exact (id, version) pair.
func (c *Catalog) Resolve(key campaign.SequenceKey) (campaign.SequenceDefinition, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	def, ok := c.byKey[key]
	if !ok {
		return campaign.SequenceDefinition{}, errs.New("catalog/resolve", errs.CodeNotFound,
			errs.WithMessage("unknown sequence "+key.String()))
	}
	return def, nil
}

// Latest returns the newest published version for the sequence id.
func (c *Catalog) Latest(id string) (campaign.SequenceDefinition, error) {
	c.mu.RLock()
	version, ok := c.latest[id]
	c.mu.RUnlock()
	if !ok {
		return campaign.SequenceDefinition{}, errs.New("catalog/resolve", errs.CodeNotFound,
			errs.WithMessage("unknown sequence "+id))
	}
	return c.Resolve(campaign.SequenceKey{ID: id, Version: version})
}

// Definitions returns a snapshot of every published definition.
func (c *Catalog) Definitions() []campaign.SequenceDefinition {
	c.mu.RLock()
	defer c.mu.RUnlock()
	defs := make([]campaign.SequenceDefinition, 0, len(c.byKey))
	for _, def := range c.byKey {
		defs = append(defs, def)
	}
	return defs
}

// Len reports the number of published definitions.
func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.byKey)
}

func sameDefinition(a, b campaign.SequenceDefinition) bool {
	if a.ID != b.ID || a.Version != b.Version || len(a.Steps) != len(b.Steps) {
		return false
	}
	for i := range a.Steps {
		sa, sb := a.Steps[i], b.Steps[i]
		if sa.DelaySincePrevious != sb.DelaySincePrevious || sa.Channel != sb.Channel || sa.Final != sb.Final {
			return false
		}
		if len(sa.Variants) != len(sb.Variants) {
			return false
		}
		for j := range sa.Variants {
			if sa.Variants[j] != sb.Variants[j] {
				return false
			}
		}
	}
	return true
}

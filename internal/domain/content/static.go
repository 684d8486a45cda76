package content

import (
	"fmt"
	"strings"
	"sync"

	"github.com/coachpo/outflow/errs"
)

// Static is an in-memory Resolver keyed by (sequence, step, variant).
// Merge fields appear in templates as {field} and are substituted from
// the request's field map.
type Static struct {
	mu        sync.RWMutex
	templates map[string]Rendered
}

// NewStatic constructs an empty static resolver.
func NewStatic() *Static {
	return &Static{templates: make(map[string]Rendered)}
}

// Register stores the template for one step variant.
func (s *Static) Register(seqID string, version, stepIndex int, variant string, tmpl Rendered) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[staticKey(seqID, version, stepIndex, variant)] = tmpl
}

// Resolve renders the template for the request, substituting merge fields.
func (s *Static) Resolve(req Request) (Rendered, error) {
	s.mu.RLock()
	tmpl, ok := s.templates[staticKey(req.Sequence.ID, req.Sequence.Version, req.StepIndex, req.Variant)]
	s.mu.RUnlock()
	if !ok {
		return Rendered{}, errs.New("content/resolve", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("no template for %s step %d variant %s",
				req.Sequence.String(), req.StepIndex, req.Variant)))
	}
	replacements := make([]string, 0, len(req.Fields)*2)
	for field, value := range req.Fields {
		replacements = append(replacements, "{"+field+"}", value)
	}
	replacer := strings.NewReplacer(replacements...)
	return Rendered{
		Subject: replacer.Replace(tmpl.Subject),
		Body:    replacer.Replace(tmpl.Body),
	}, nil
}

func staticKey(seqID string, version, stepIndex int, variant string) string {
	return fmt.Sprintf("%s@v%d/%d/%s", seqID, version, stepIndex, variant)
}

// Package sender defines the narrow contract between the engine and the
// external per-channel delivery providers.
package sender

import (
	"context"

	"github.com/coachpo/outflow/errs"
	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/content"
)

// Result is the provider's classification of one send call.
type Result struct {
	Outcome     campaign.Outcome
	ProviderRef string
	Reason      string
}

// Sender delivers rendered content to one address on one channel. The
// engine treats it as an opaque capability: authentication, protocol,
// and latency bounds are the provider's concern. A call that exceeds
// the provider's own latency bound must surface as a transient failure.
type Sender interface {
	Send(ctx context.Context, address string, msg content.Rendered) (Result, error)
}

// Registry maps channels to their configured senders.
type Registry struct {
	senders map[campaign.Channel]Sender
}

// NewRegistry builds a registry from the supplied channel senders.
func NewRegistry(senders map[campaign.Channel]Sender) *Registry {
	registry := &Registry{senders: make(map[campaign.Channel]Sender, len(senders))}
	for channel, s := range senders {
		if s != nil {
			registry.senders[channel] = s
		}
	}
	return registry
}

// For returns the sender for the channel, or an Unavailable error when
// none is registered.
func (r *Registry) For(channel campaign.Channel) (Sender, error) {
	s, ok := r.senders[channel]
	if !ok {
		return nil, errs.New("sender/registry", errs.CodeUnavailable,
			errs.WithChannel(string(channel)),
			errs.WithMessage("no sender registered"))
	}
	return s, nil
}

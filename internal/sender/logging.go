package sender

import (
	"context"
	"strconv"
	"sync/atomic"

	"github.com/coachpo/outflow/internal/domain/campaign"
	"github.com/coachpo/outflow/internal/domain/content"
	"github.com/coachpo/outflow/internal/observability"
)

// Logging is a Sender that records deliveries to the structured log and
// reports success. It stands in for real provider integrations in
// development deployments.
type Logging struct {
	channel campaign.Channel
	seq     atomic.Int64
}

// NewLogging constructs a logging sender for the channel.
func NewLogging(channel campaign.Channel) *Logging {
	return &Logging{channel: channel}
}

// Send logs the delivery and accepts it.
func (l *Logging) Send(_ context.Context, address string, msg content.Rendered) (Result, error) {
	ref := string(l.channel) + "-" + strconv.FormatInt(l.seq.Add(1), 10)
	observability.Log().Info("message dispatched",
		observability.Field{Key: "channel", Value: string(l.channel)},
		observability.Field{Key: "address", Value: address},
		observability.Field{Key: "subject", Value: msg.Subject},
		observability.Field{Key: "provider_ref", Value: ref})
	return Result{Outcome: campaign.OutcomeSuccess, ProviderRef: ref}, nil
}

// LoggingRegistry returns a registry with a logging sender on every channel.
func LoggingRegistry() *Registry {
	senders := make(map[campaign.Channel]Sender, len(campaign.Channels()))
	for _, channel := range campaign.Channels() {
		senders[channel] = NewLogging(channel)
	}
	return NewRegistry(senders)
}

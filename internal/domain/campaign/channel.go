// Package campaign defines the canonical types shared across the engine:
// sequences, enrollments, dispatch attempts, and lifecycle events.
package campaign

import (
	"strings"

	"github.com/coachpo/outflow/errs"
)

// Channel identifies a delivery transport for one sequence step.
type Channel string

const (
	// ChannelEmail delivers through the external email provider.
	ChannelEmail Channel = "email"
	// ChannelSMS delivers through the external SMS provider.
	ChannelSMS Channel = "sms"
	// ChannelVoice delivers a voice-call script through the dialer.
	ChannelVoice Channel = "voice"
	// ChannelSocial delivers through the social posting collaborator.
	ChannelSocial Channel = "social"
)

// Channels lists every channel the engine can dispatch on.
func Channels() []Channel {
	return []Channel{ChannelEmail, ChannelSMS, ChannelVoice, ChannelSocial}
}

// ParseChannel normalises and validates a channel name.
func ParseChannel(raw string) (Channel, error) {
	switch Channel(strings.ToLower(strings.TrimSpace(raw))) {
	case ChannelEmail:
		return ChannelEmail, nil
	case ChannelSMS:
		return ChannelSMS, nil
	case ChannelVoice:
		return ChannelVoice, nil
	case ChannelSocial:
		return ChannelSocial, nil
	default:
		return "", errs.New("campaign/channel", errs.CodeInvalid,
			errs.WithMessage("unknown channel: "+raw))
	}
}

func (c Channel) String() string { return string(c) }

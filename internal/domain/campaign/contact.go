package campaign

import "strings"

// ContactRef references an externally owned contact plus the consent
// snapshot taken at enrollment time. The engine never mutates the
// upstream contact record.
type ContactRef struct {
	ID           string
	Name         string
	Email        string
	Phone        string
	SocialHandle string
	Consent      map[Channel]bool
	// Attributes carries extra merge fields (area, company, ...) supplied
	// by the upstream contact owner.
	Attributes map[string]string
}

// MergeFields flattens the contact into template merge fields.
func (c ContactRef) MergeFields() map[string]string {
	fields := make(map[string]string, len(c.Attributes)+3)
	for key, value := range c.Attributes {
		fields[key] = value
	}
	fields["name"] = c.Name
	fields["email"] = c.Email
	fields["phone"] = c.Phone
	return fields
}

// Address returns the delivery address for the channel, or empty when the
// contact has none.
func (c ContactRef) Address(channel Channel) string {
	switch channel {
	case ChannelEmail:
		return strings.TrimSpace(c.Email)
	case ChannelSMS, ChannelVoice:
		return strings.TrimSpace(c.Phone)
	case ChannelSocial:
		return strings.TrimSpace(c.SocialHandle)
	default:
		return ""
	}
}

// Consents reports whether the snapshot grants consent for the channel.
// A channel absent from the map is treated as no consent.
func (c ContactRef) Consents(channel Channel) bool {
	return c.Consent[channel]
}

// Reachable reports whether the contact can be dispatched on the channel:
// a usable address plus consent.
func (c ContactRef) Reachable(channel Channel) bool {
	return c.Address(channel) != "" && c.Consents(channel)
}

// Package instagram adapts Instagram direct messages delivered through the
// Messenger platform.
package instagram

import (
	"omnidesk/pkg/channel"
	"omnidesk/pkg/channel/meta"
)

// WebhookObject is the "object" field of Instagram messaging webhook bodies.
const WebhookObject = "instagram"

// Adapter behaves like Messenger except that documents, which Instagram
// cannot deliver, are sent as a link.
type Adapter struct {
	*meta.Messaging
}

func New(client channel.HTTPClient) *Adapter {
	return &Adapter{Messaging: meta.NewMessaging(channel.Instagram, WebhookObject, true, client)}
}

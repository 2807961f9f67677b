// Package messenger adapts Facebook Messenger page conversations.
package messenger

import (
	"omnidesk/pkg/channel"
	"omnidesk/pkg/channel/meta"
)

// WebhookObject is the "object" field of Messenger webhook bodies.
const WebhookObject = "page"

// Adapter sends through the Messenger Send API with a page access token.
type Adapter struct {
	*meta.Messaging
}

// New returns a Messenger adapter. A nil client selects the default HTTP client.
func New(client channel.HTTPClient) *Adapter {
	return &Adapter{Messaging: meta.NewMessaging(channel.Messenger, WebhookObject, false, client)}
}

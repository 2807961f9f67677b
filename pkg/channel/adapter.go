package channel

import (
	"context"
	"net/http"
	"net/url"
)

// Adapter translates between one provider's wire format and UnifiedMessage.
// Implementations hold no tenant state; everything tenant specific arrives
// through the ChannelConfig argument.
type Adapter interface {
	Name() Type

	// ParseMessage returns nil, nil for events that are not customer
	// messages. Undecodable payloads return an error wrapping
	// ErrMalformedPayload.
	ParseMessage(payload []byte) (*UnifiedMessage, error)

	SendMessage(ctx context.Context, cfg ChannelConfig, recipientID, content string, opts SendOptions) (*SendResult, error)
	SendMediaMessage(ctx context.Context, cfg ChannelConfig, recipientID, mediaURL string, mediaType ContentType, caption string, opts SendOptions) (*SendResult, error)
	DownloadMedia(ctx context.Context, cfg ChannelConfig, mediaRef string) (*Media, error)

	ExtractSignature(h http.Header) Signature
	// ValidateSignature never panics and returns false when the signature
	// or the secret is missing.
	ValidateSignature(payload []byte, sig Signature, secret string) bool

	// HandleVerification returns nil when the request is not a handshake.
	HandleVerification(query url.Values, verifyToken string) *VerificationResponse
}

// BatchParser is implemented by adapters whose providers deliver several
// messages per webhook call.
type BatchParser interface {
	ParseMessages(payload []byte) ([]*UnifiedMessage, error)
}

// BodyVerifier is implemented by adapters whose registration handshake
// arrives in the request body instead of the query string.
type BodyVerifier interface {
	HandleBodyVerification(payload []byte) *VerificationResponse
}

// TypingNotifier shows a typing indicator to the recipient.
type TypingNotifier interface {
	SendTyping(ctx context.Context, cfg ChannelConfig, recipientID string) error
}

// ReadMarker marks an inbound message as read on the provider side.
type ReadMarker interface {
	MarkRead(ctx context.Context, cfg ChannelConfig, recipientID, messageID string) error
}

// ParseAll parses a payload with the batch interface when available.
func ParseAll(a Adapter, payload []byte) ([]*UnifiedMessage, error) {
	if bp, ok := a.(BatchParser); ok {
		return bp.ParseMessages(payload)
	}
	msg, err := a.ParseMessage(payload)
	if err != nil || msg == nil {
		return nil, err
	}
	return []*UnifiedMessage{msg}, nil
}

// VerificationFor runs the query handshake first and falls back to a body
// handshake when the adapter supports one.
func VerificationFor(a Adapter, query url.Values, payload []byte, verifyToken string) *VerificationResponse {
	if resp := a.HandleVerification(query, verifyToken); resp != nil {
		return resp
	}
	if bv, ok := a.(BodyVerifier); ok && len(payload) > 0 {
		return bv.HandleBodyVerification(payload)
	}
	return nil
}

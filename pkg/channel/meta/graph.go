// Package meta holds the pieces shared by the Meta Graph channels: webhook
// signatures, the hub verification handshake, and the Messenger-style
// messaging envelope used by Messenger and Instagram.
package meta

import (
	"net/http"
	"net/url"

	"omnidesk/pkg/channel"
)

const (
	// DefaultGraphURL is the Graph API root used when no api_base_url is configured.
	DefaultGraphURL = "https://graph.facebook.com/v19.0"

	SignatureHeader = "X-Hub-Signature-256"

	modeSubscribe = "subscribe"
)

// ExtractSignature reads the X-Hub-Signature-256 header.
func ExtractSignature(h http.Header) channel.Signature {
	return channel.Signature{Value: h.Get(SignatureHeader)}
}

// ValidateSignature checks the sha256=<hex> HMAC of the raw body.
func ValidateSignature(payload []byte, sig channel.Signature, secret string) bool {
	return channel.VerifyHMACSHA256(payload, sig.Value, secret)
}

// HandleVerification answers the hub.challenge handshake. It returns nil
// when the query carries no hub.mode.
func HandleVerification(query url.Values, verifyToken string) *channel.VerificationResponse {
	mode := query.Get("hub.mode")
	if mode == "" {
		return nil
	}
	if mode != modeSubscribe || !channel.TokenEqual(query.Get("hub.verify_token"), verifyToken) {
		return &channel.VerificationResponse{
			StatusCode:  http.StatusForbidden,
			Body:        "Forbidden",
			ContentType: "text/plain",
		}
	}
	return &channel.VerificationResponse{
		StatusCode:  http.StatusOK,
		Body:        query.Get("hub.challenge"),
		ContentType: "text/plain",
	}
}

// SendResponse is the Graph send API reply shared by Messenger and Instagram.
type SendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

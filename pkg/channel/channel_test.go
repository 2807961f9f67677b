package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVerifyHMACSHA256(t *testing.T) {
	payload := []byte(`{"hello":"world"}`)
	secret := "top-secret"
	sig := HMACSHA256Hex(secret, payload)

	flipped := append([]byte(nil), payload...)
	flipped[3] ^= 0x01

	tests := []struct {
		name     string
		payload  []byte
		provided string
		secret   string
		want     bool
	}{
		{"prefixed signature", payload, "sha256=" + sig, secret, true},
		{"bare hex signature", payload, sig, secret, true},
		{"flipped byte", flipped, "sha256=" + sig, secret, false},
		{"wrong secret", payload, "sha256=" + sig, "other", false},
		{"absent signature", payload, "", secret, false},
		{"absent secret", payload, "sha256=" + sig, "", false},
		{"wrong algorithm", payload, "sha1=" + sig, secret, false},
		{"not hex", payload, "sha256=zz", secret, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, VerifyHMACSHA256(tt.payload, tt.provided, tt.secret))
		})
	}
}

func TestTokenEqual(t *testing.T) {
	assert.True(t, TokenEqual("abc", "abc"))
	assert.False(t, TokenEqual("abc", "abd"))
	assert.False(t, TokenEqual("", ""))
	assert.False(t, TokenEqual("abc", ""))
}

func TestRequireCredential(t *testing.T) {
	cfg := ChannelConfig{Credentials: map[string]string{"token": " value "}}

	v, err := RequireCredential(cfg, Telegram, "token")
	require.NoError(t, err)
	assert.Equal(t, "value", v)

	_, err = RequireCredential(cfg, Telegram, "missing")
	var cfgErr *ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, Telegram, cfgErr.Channel)
	assert.Equal(t, "missing", cfgErr.Field)
}

func TestUnsupportedError(t *testing.T) {
	err := NewUnsupportedChannel("fax")
	assert.True(t, errors.Is(err, ErrUnsupportedChannel))
	assert.False(t, errors.Is(err, ErrUnsupported))

	err = NewUnsupportedCapability(Teams, "download_media")
	assert.True(t, errors.Is(err, ErrUnsupported))
	assert.Contains(t, err.Error(), "download_media")
}

func TestParseContentType(t *testing.T) {
	assert.Equal(t, ContentImage, ParseContentType("photo"))
	assert.Equal(t, ContentAudio, ParseContentType("voice"))
	assert.Equal(t, ContentDocument, ParseContentType("file"))
	assert.Equal(t, ContentLocation, ParseContentType("Location"))
	assert.Equal(t, ContentType(""), ParseContentType("reaction"))
	assert.Equal(t, ContentVideo, ContentTypeFromMIME("video/mp4"))
	assert.Equal(t, ContentDocument, ContentTypeFromMIME("application/pdf"))
}

func TestUnixTime(t *testing.T) {
	assert.Equal(t, int64(1700000000), UnixTime(1700000000).Unix())
	assert.Equal(t, int64(1700000000), UnixTime(1700000000000).Unix())
	assert.True(t, UnixTime(0).IsZero())
}

func TestDoJSON_ProviderErrorKeepsRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid recipient"}}`))
	}))
	defer server.Close()

	err := DoJSON(context.Background(), server.Client(), Request{
		Channel:   WhatsApp,
		Operation: "send_message",
		URL:       server.URL,
		Body:      map[string]string{"to": "x"},
	}, nil)

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, `{"error":{"message":"invalid recipient"}}`, apiErr.Body)
	assert.False(t, apiErr.Retryable())
}

func TestFetch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte("png-bytes"))
	}))
	defer server.Close()

	media, err := Fetch(context.Background(), server.Client(), Slack, server.URL+"/files/cat.png", Bearer("tok"))
	require.NoError(t, err)
	assert.Equal(t, []byte("png-bytes"), media.Data)
	assert.Equal(t, "image/png", media.MimeType)
	assert.Equal(t, "cat.png", media.Filename)
}

func TestUnifiedMessage_ConversationRef(t *testing.T) {
	msg := &UnifiedMessage{SenderID: "u1"}
	assert.Equal(t, "u1", msg.ConversationRef())

	msg.SetMeta(MetaConversationID, "c9")
	msg.SetMeta(MetaThreadID, "")
	assert.Equal(t, "c9", msg.ConversationRef())
	_, hasThread := msg.ChannelMetadata[MetaThreadID]
	assert.False(t, hasThread)
}

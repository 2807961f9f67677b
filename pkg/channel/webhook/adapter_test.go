package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"omnidesk/pkg/channel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMessage_Aliases(t *testing.T) {
	tests := []struct {
		name       string
		payload    string
		wantID     string
		wantSender string
		wantName   string
		wantText   string
		wantReply  string
	}{
		{
			name:       "snake case",
			payload:    `{"message_id":"m1","sender_id":"u1","sender_name":"Lee","text":"hi","reply_to_id":"m0"}`,
			wantID:     "m1",
			wantSender: "u1",
			wantName:   "Lee",
			wantText:   "hi",
			wantReply:  "m0",
		},
		{
			name:       "camel case",
			payload:    `{"messageId":"m2","senderId":"u2","senderName":"Ray","content":"hello","replyToId":"m1"}`,
			wantID:     "m2",
			wantSender: "u2",
			wantName:   "Ray",
			wantText:   "hello",
			wantReply:  "m1",
		},
		{
			name:       "nested sender and numeric id",
			payload:    `{"id":12345,"sender":{"id":"u3","name":"Sam"},"body":"yo"}`,
			wantID:     "12345",
			wantSender: "u3",
			wantName:   "Sam",
			wantText:   "yo",
		},
		{
			name:       "first alias wins",
			payload:    `{"message_id":"primary","id":"secondary","from":"u4","text":"first","message":"second"}`,
			wantID:     "primary",
			wantSender: "u4",
			wantText:   "first",
		},
		{
			name:       "object from falls through to sender.id",
			payload:    `{"msg_id":"m5","from":{"id":"ignored"},"sender":{"id":"u5"},"text":"x"}`,
			wantID:     "m5",
			wantSender: "u5",
			wantText:   "x",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := New(nil).ParseMessage([]byte(tt.payload))
			require.NoError(t, err)
			require.NotNil(t, msg)
			assert.Equal(t, tt.wantID, msg.ExternalID)
			assert.Equal(t, tt.wantSender, msg.SenderID)
			assert.Equal(t, tt.wantName, msg.SenderName)
			assert.Equal(t, tt.wantText, msg.Content)
			assert.Equal(t, tt.wantReply, msg.ReplyToID)
			assert.Equal(t, channel.ContentText, msg.ContentType)
		})
	}
}

func TestParseMessage_Timestamps(t *testing.T) {
	want := time.Unix(1700000000, 0).UTC()
	for _, ts := range []string{`1700000000`, `1700000000000`, `"1700000000"`, `"2023-11-14T22:13:20Z"`} {
		msg, err := New(nil).ParseMessage([]byte(`{"id":"m","from":"u","text":"x","timestamp":` + ts + `}`))
		require.NoError(t, err)
		require.NotNil(t, msg)
		assert.True(t, want.Equal(msg.Timestamp), "timestamp %s parsed as %s", ts, msg.Timestamp)
	}
}

func TestParseMessage_Attachments(t *testing.T) {
	payload := `{"id":"m","from":"u","attachments":[{"url":"https://x/a.jpg","mime_type":"image/jpeg","size":10},"https://x/b.pdf"]}`

	msg, err := New(nil).ParseMessage([]byte(payload))
	require.NoError(t, err)
	require.NotNil(t, msg)
	require.Len(t, msg.Attachments, 2)
	assert.Equal(t, channel.ContentImage, msg.ContentType)
	assert.Equal(t, int64(10), msg.Attachments[0].Size)
	assert.Equal(t, channel.ContentDocument, msg.Attachments[1].Type)
}

func TestParseMessage_ExplicitContentType(t *testing.T) {
	msg, err := New(nil).ParseMessage([]byte(`{"id":"m","from":"u","text":"52.1,13.2","type":"location"}`))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, channel.ContentLocation, msg.ContentType)
}

func TestParseMessage_Ignored(t *testing.T) {
	tests := map[string]string{
		"no external id":   `{"from":"u","text":"x"}`,
		"no sender":        `{"id":"m","text":"x"}`,
		"status event":     `{"event":"message.delivered","id":"m","from":"u","text":"x"}`,
		"empty message":    `{"id":"m","from":"u"}`,
		"typing event":     `{"event_type":"typing","id":"m","from":"u","text":"x"}`,
		"null external id": `{"id":null,"from":"u","text":"x"}`,
	}
	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			msg, err := New(nil).ParseMessage([]byte(payload))
			assert.NoError(t, err)
			assert.Nil(t, msg)
		})
	}

	msg, err := New(nil).ParseMessage([]byte(`{"event":"message.created","id":"m","from":"u","text":"x"}`))
	require.NoError(t, err)
	assert.NotNil(t, msg)
}

func TestParseMessage_Malformed(t *testing.T) {
	_, err := New(nil).ParseMessage([]byte(`["not","an","object"]`))
	assert.True(t, errors.Is(err, channel.ErrMalformedPayload))
}

func TestValidateSignature(t *testing.T) {
	a := New(nil)
	body := []byte(`{"id":"m","from":"u","text":"x"}`)
	hexSig := channel.HMACSHA256Hex("hook-secret", body)

	for _, value := range []string{"sha256=" + hexSig, hexSig} {
		h := http.Header{}
		h.Set(SignatureHeader, value)
		assert.True(t, a.ValidateSignature(body, a.ExtractSignature(h), "hook-secret"))
	}

	flipped := append([]byte(nil), body...)
	flipped[2] ^= 0x01
	sig := channel.Signature{Value: "sha256=" + hexSig}
	assert.False(t, a.ValidateSignature(flipped, sig, "hook-secret"))
	assert.False(t, a.ValidateSignature(body, sig, "wrong"))
	assert.False(t, a.ValidateSignature(body, channel.Signature{}, "hook-secret"))
}

func TestHandleVerification(t *testing.T) {
	a := New(nil)

	ok := a.HandleVerification(url.Values{"verify_token": {"vt"}, "challenge": {"c-123"}}, "vt")
	require.NotNil(t, ok)
	assert.Equal(t, http.StatusOK, ok.StatusCode)
	assert.Equal(t, "c-123", ok.Body)

	denied := a.HandleVerification(url.Values{"verify_token": {"no"}, "challenge": {"c"}}, "vt")
	require.NotNil(t, denied)
	assert.Equal(t, http.StatusForbidden, denied.StatusCode)

	assert.Nil(t, a.HandleVerification(url.Values{"verify_token": {"vt"}}, "vt"))
}

func TestSendMessage_SignedDelivery(t *testing.T) {
	var raw []byte
	var signature string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ = io.ReadAll(r.Body)
		signature = r.Header.Get(SignatureHeader)
		_, _ = w.Write([]byte(`{"id":"ext-99"}`))
	}))
	defer server.Close()

	cfg := channel.ChannelConfig{
		CompanyID:     "acme",
		Channel:       channel.Webhook,
		Settings:      map[string]any{SettingOutboundURL: server.URL},
		WebhookSecret: "hook-secret",
	}
	result, err := New(server.Client()).SendMessage(context.Background(), cfg, "u1", "thanks!", channel.SendOptions{ReplyToID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, "ext-99", result.MessageID)

	assert.True(t, channel.VerifyHMACSHA256(raw, signature, "hook-secret"))
	var body map[string]any
	require.NoError(t, json.Unmarshal(raw, &body))
	assert.Equal(t, "u1", body["recipient_id"])
	assert.Equal(t, "thanks!", body["content"])
	assert.Equal(t, "m1", body["reply_to_id"])
	assert.Equal(t, "acme", body["company_id"])
}

func TestSendMessage_Errors(t *testing.T) {
	_, err := New(nil).SendMessage(context.Background(), channel.ChannelConfig{}, "u", "x", channel.SendOptions{})
	var cfgErr *channel.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, SettingOutboundURL, cfgErr.Field)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream down"))
	}))
	defer server.Close()

	cfg := channel.ChannelConfig{Settings: map[string]any{SettingOutboundURL: server.URL}}
	_, err = New(server.Client()).SendMediaMessage(context.Background(), cfg, "u", "https://x/a.png", channel.ContentImage, "", channel.SendOptions{})
	var apiErr *channel.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "upstream down", apiErr.Body)
	assert.True(t, apiErr.Retryable())
}

func TestDownloadMedia_ConfiguredOrigins(t *testing.T) {
	var foreignCalls int32
	foreign := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&foreignCalls, 1)
		assert.Empty(t, r.Header.Get("Authorization"))
	}))
	defer foreign.Close()
	files := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer hook-token", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/pdf")
		_, _ = w.Write([]byte("%PDF"))
	}))
	defer files.Close()

	cfg := channel.ChannelConfig{
		Credentials: map[string]string{CredentialAuthToken: "hook-token"},
		Settings: map[string]any{
			SettingOutboundURL:  "https://hooks.example.com/omnidesk",
			SettingMediaBaseURL: files.URL,
		},
	}
	a := New(files.Client())

	media, err := a.DownloadMedia(context.Background(), cfg, files.URL+"/invoice.pdf")
	require.NoError(t, err)
	assert.Equal(t, []byte("%PDF"), media.Data)

	for _, ref := range []string{foreign.URL + "/invoice.pdf", "http://hooks.example.com/a.png", "http://169.254.169.254/latest/meta-data"} {
		_, err := a.DownloadMedia(context.Background(), cfg, ref)
		assert.ErrorIs(t, err, channel.ErrUntrustedHost, ref)
	}
	assert.Zero(t, atomic.LoadInt32(&foreignCalls))
}

package messenger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"omnidesk/pkg/channel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const textPayload = `{
  "object": "page",
  "entry": [{
    "id": "PAGE_1",
    "time": 1700000000000,
    "messaging": [{
      "sender": {"id": "PSID_42"},
      "recipient": {"id": "PAGE_1"},
      "timestamp": 1700000000123,
      "message": {"mid": "m_abc", "text": "hello there", "reply_to": {"mid": "m_prev"}}
    }]
  }]
}`

func TestParseMessage_Text(t *testing.T) {
	a := New(nil)

	msg, err := a.ParseMessage([]byte(textPayload))
	require.NoError(t, err)
	require.NotNil(t, msg)

	assert.Equal(t, "m_abc", msg.ExternalID)
	assert.Equal(t, channel.Messenger, msg.Channel)
	assert.Equal(t, "PSID_42", msg.SenderID)
	assert.Equal(t, "hello there", msg.Content)
	assert.Equal(t, channel.ContentText, msg.ContentType)
	assert.Equal(t, "m_prev", msg.ReplyToID)
	assert.Equal(t, int64(1700000000123), msg.Timestamp.UnixMilli())
	assert.Equal(t, "PAGE_1", msg.ChannelMetadata[channel.MetaAccountID])
}

func TestParseMessage_Attachment(t *testing.T) {
	payload := `{"object":"page","entry":[{"id":"P","messaging":[{"sender":{"id":"U"},"recipient":{"id":"P"},"timestamp":1700000000000,
	  "message":{"mid":"m_img","attachments":[{"type":"image","payload":{"url":"https://cdn.example/img.jpg"}}]}}]}]}`

	msg, err := New(nil).ParseMessage([]byte(payload))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, channel.ContentImage, msg.ContentType)
	assert.Empty(t, msg.Content)
	require.Len(t, msg.Attachments, 1)
	assert.Equal(t, "https://cdn.example/img.jpg", msg.Attachments[0].URL)
}

func TestParseMessage_NonMessageEvents(t *testing.T) {
	tests := map[string]string{
		"echo":             `{"object":"page","entry":[{"id":"P","messaging":[{"sender":{"id":"P"},"recipient":{"id":"U"},"message":{"mid":"m1","text":"x","is_echo":true}}]}]}`,
		"delivery":         `{"object":"page","entry":[{"id":"P","messaging":[{"sender":{"id":"U"},"recipient":{"id":"P"},"delivery":{"mids":["m1"]}}]}]}`,
		"postback no mid":  `{"object":"page","entry":[{"id":"P","messaging":[{"sender":{"id":"U"},"recipient":{"id":"P"},"postback":{"title":"Start","payload":"GET_STARTED"}}]}]}`,
		"deleted":          `{"object":"page","entry":[{"id":"P","messaging":[{"sender":{"id":"U"},"recipient":{"id":"P"},"message":{"mid":"m1","is_deleted":true}}]}]}`,
		"instagram object": `{"object":"instagram","entry":[{"id":"P","messaging":[{"sender":{"id":"U"},"recipient":{"id":"P"},"message":{"mid":"m1","text":"x"}}]}]}`,
		"empty entry":      `{"object":"page"}`,
	}

	for name, payload := range tests {
		t.Run(name, func(t *testing.T) {
			msg, err := New(nil).ParseMessage([]byte(payload))
			assert.NoError(t, err)
			assert.Nil(t, msg)
		})
	}
}

func TestParseMessage_PostbackWithMid(t *testing.T) {
	payload := `{"object":"page","entry":[{"id":"P","messaging":[{"sender":{"id":"U"},"recipient":{"id":"P"},"timestamp":1700000000000,"postback":{"mid":"m_pb","title":"Talk to a human","payload":"HUMAN"}}]}]}`

	msg, err := New(nil).ParseMessage([]byte(payload))
	require.NoError(t, err)
	require.NotNil(t, msg)
	assert.Equal(t, "m_pb", msg.ExternalID)
	assert.Equal(t, "Talk to a human", msg.Content)
	assert.Equal(t, "HUMAN", msg.ChannelMetadata["postbackPayload"])
}

func TestParseMessages_Batch(t *testing.T) {
	payload := `{"object":"page","entry":[
	  {"id":"P","messaging":[{"sender":{"id":"U1"},"recipient":{"id":"P"},"message":{"mid":"m1","text":"one"}}]},
	  {"id":"P","messaging":[{"sender":{"id":"U2"},"recipient":{"id":"P"},"message":{"mid":"m2","text":"two"}}]}]}`

	msgs, err := channel.ParseAll(New(nil), []byte(payload))
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ExternalID)
	assert.Equal(t, "m2", msgs[1].ExternalID)
}

func TestParseMessage_Malformed(t *testing.T) {
	_, err := New(nil).ParseMessage([]byte(`{"object":`))
	assert.True(t, errors.Is(err, channel.ErrMalformedPayload))
}

type recordedCall struct {
	Query string
	Body  map[string]any
}

func newGraphServer(t *testing.T, status int, response string) (*httptest.Server, *[]recordedCall) {
	var mu sync.Mutex
	var calls []recordedCall
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/me/messages", r.URL.Path)
		var body map[string]any
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		calls = append(calls, recordedCall{Query: r.URL.Query().Get("access_token"), Body: body})
		mu.Unlock()
		w.WriteHeader(status)
		_, _ = w.Write([]byte(response))
	}))
	t.Cleanup(server.Close)
	return server, &calls
}

func testConfig(baseURL string) channel.ChannelConfig {
	return channel.ChannelConfig{
		CompanyID:   "acme",
		Channel:     channel.Messenger,
		Credentials: map[string]string{"page_access_token": "PAGE_TOKEN"},
		Settings:    map[string]any{"api_base_url": baseURL},
		Enabled:     true,
	}
}

func TestSendMessage(t *testing.T) {
	server, calls := newGraphServer(t, http.StatusOK, `{"recipient_id":"PSID_42","message_id":"m_out"}`)
	a := New(server.Client())

	result, err := a.SendMessage(context.Background(), testConfig(server.URL), "PSID_42", "hi", channel.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m_out", result.MessageID)
	assert.Equal(t, channel.Messenger, result.Channel)

	require.Len(t, *calls, 1)
	call := (*calls)[0]
	assert.Equal(t, "PAGE_TOKEN", call.Query)
	assert.Equal(t, map[string]any{"id": "PSID_42"}, call.Body["recipient"])
	assert.Equal(t, map[string]any{"text": "hi"}, call.Body["message"])
}

func TestSendMessage_ProviderError(t *testing.T) {
	server, _ := newGraphServer(t, http.StatusBadRequest, `{"error":{"message":"(#100) No matching user found","code":100}}`)

	_, err := New(server.Client()).SendMessage(context.Background(), testConfig(server.URL), "nobody", "hi", channel.SendOptions{})
	var apiErr *channel.APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Contains(t, apiErr.Body, "No matching user found")
}

func TestSendMessage_MissingToken(t *testing.T) {
	cfg := testConfig("http://unused")
	cfg.Credentials = nil

	_, err := New(nil).SendMessage(context.Background(), cfg, "U", "hi", channel.SendOptions{})
	var cfgErr *channel.ConfigError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, "page_access_token", cfgErr.Field)
	assert.Equal(t, channel.Messenger, cfgErr.Channel)
}

func TestSendMediaMessage_CaptionFollows(t *testing.T) {
	server, calls := newGraphServer(t, http.StatusOK, `{"recipient_id":"U","message_id":"m_media"}`)

	result, err := New(server.Client()).SendMediaMessage(context.Background(), testConfig(server.URL), "U",
		"https://files.example/report.pdf", channel.ContentDocument, "Your report", channel.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "m_media", result.MessageID)

	require.Len(t, *calls, 2)
	attachment := (*calls)[0].Body["message"].(map[string]any)["attachment"].(map[string]any)
	assert.Equal(t, "file", attachment["type"])
	assert.Equal(t, "https://files.example/report.pdf", attachment["payload"].(map[string]any)["url"])
	assert.Equal(t, map[string]any{"text": "Your report"}, (*calls)[1].Body["message"])
}

func TestTypingAndRead(t *testing.T) {
	server, calls := newGraphServer(t, http.StatusOK, `{"recipient_id":"U"}`)
	a := New(server.Client())
	cfg := testConfig(server.URL)

	require.NoError(t, a.SendTyping(context.Background(), cfg, "U"))
	require.NoError(t, a.MarkRead(context.Background(), cfg, "U", "m1"))

	require.Len(t, *calls, 2)
	assert.Equal(t, "typing_on", (*calls)[0].Body["sender_action"])
	assert.Equal(t, "mark_seen", (*calls)[1].Body["sender_action"])
}

func TestDownloadMedia_CDNOnly(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpg"))
	}))
	defer server.Close()

	a := New(server.Client())
	media, err := a.DownloadMedia(context.Background(), testConfig(server.URL), server.URL+"/v/t1/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, []byte("jpg"), media.Data)

	_, err = a.DownloadMedia(context.Background(), testConfig("https://graph.facebook.com/v19.0"), server.URL+"/v/t1/photo.jpg")
	assert.ErrorIs(t, err, channel.ErrUntrustedHost)
}

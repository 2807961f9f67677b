package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"testing"
	"time"

	"omnidesk/internal/handover"
	"omnidesk/internal/models"
	"omnidesk/internal/notification"
	"omnidesk/internal/presence"
	"omnidesk/internal/push"
	"omnidesk/pkg/channel"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const refundPayload = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "id": "WABA_1",
    "changes": [{
      "field": "messages",
      "value": {
        "messaging_product": "whatsapp",
        "metadata": {"display_phone_number": "15550001111", "phone_number_id": "PNID_9"},
        "contacts": [{"profile": {"name": "Dana"}, "wa_id": "15551234567"}],
        "messages": [{
          "from": "15551234567",
          "id": "wamid.REFUND1",
          "timestamp": "1700000000",
          "type": "text",
          "text": {"body": "I want a refund"}
        }]
      }
    }]
  }]
}`

const waSecret = "wa-app-secret"

func signedWhatsApp(body string) http.Header {
	h := http.Header{}
	h.Set("X-Hub-Signature-256", "sha256="+channel.HMACSHA256Hex(waSecret, []byte(body)))
	return h
}

type recordingHandler struct {
	mu   sync.Mutex
	msgs []InboundMessage
	err  error
}

func (h *recordingHandler) HandleMessage(_ context.Context, msg InboundMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.msgs = append(h.msgs, msg)
	return h.err
}

func whatsAppConfig() channel.ChannelConfig {
	return channel.ChannelConfig{
		CompanyID:     "acme",
		Channel:       channel.WhatsApp,
		Enabled:       true,
		Credentials:   map[string]string{"access_token": "tok", "phone_number_id": "PNID_9"},
		WebhookSecret: waSecret,
		VerifyToken:   "verify-me",
	}
}

func newTestProcessor(t *testing.T, handler ConversationHandler, events push.Publisher) (*InboundProcessor, *testClock) {
	t.Helper()
	clock := newTestClock()
	p := NewInboundProcessor(NewChannelRegistry(nil), newMemConfigs(whatsAppConfig()),
		NewDeduper(10*time.Minute, clock.Now), handler, events, nil, quietLogger(t))
	p.now = clock.Now
	return p, clock
}

func TestHandleWebhook_DeliversAndDedupes(t *testing.T) {
	handler := &recordingHandler{}
	events := &push.Recorder{}
	p, _ := newTestProcessor(t, handler, events)
	ctx := context.Background()

	result, err := p.HandleWebhook(ctx, "acme", channel.WhatsApp, http.MethodPost, nil, signedWhatsApp(refundPayload), []byte(refundPayload))
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Zero(t, result.Duplicates)
	assert.Equal(t, "acme:whatsapp:15551234567", result.Messages[0].ConversationID)

	require.Len(t, handler.msgs, 1)
	assert.Equal(t, "I want a refund", handler.msgs[0].Message.Content)

	received := events.OfType(models.EventMessageReceived)
	require.Len(t, received, 1)
	assert.Equal(t, []string{"conversation:acme:whatsapp:15551234567", "company:acme"}, received[0].Topics)

	// provider redelivery
	result, err = p.HandleWebhook(ctx, "acme", channel.WhatsApp, http.MethodPost, nil, signedWhatsApp(refundPayload), []byte(refundPayload))
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
	assert.Equal(t, 1, result.Duplicates)
	assert.Len(t, handler.msgs, 1)
}

func TestHandleWebhook_Verification(t *testing.T) {
	handler := &recordingHandler{}
	p, _ := newTestProcessor(t, handler, nil)
	query := url.Values{"hub.mode": {"subscribe"}, "hub.verify_token": {"verify-me"}, "hub.challenge": {"42"}}

	result, err := p.HandleWebhook(context.Background(), "acme", channel.WhatsApp, http.MethodGet, query, http.Header{}, nil)
	require.NoError(t, err)
	require.NotNil(t, result.Verification)
	assert.Equal(t, http.StatusOK, result.Verification.StatusCode)
	assert.Equal(t, "42", result.Verification.Body)

	_, err = p.HandleWebhook(context.Background(), "acme", channel.WhatsApp, http.MethodGet, url.Values{}, http.Header{}, nil)
	assert.ErrorIs(t, err, ErrNotHandshake)
	assert.Empty(t, handler.msgs)
}

func TestHandleWebhook_Rejections(t *testing.T) {
	handler := &recordingHandler{}
	p, _ := newTestProcessor(t, handler, nil)
	ctx := context.Background()
	body := []byte(refundPayload)

	flipped := append([]byte(nil), body...)
	flipped[10] ^= 0x20
	_, err := p.HandleWebhook(ctx, "acme", channel.WhatsApp, http.MethodPost, nil, signedWhatsApp(refundPayload), flipped)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = p.HandleWebhook(ctx, "acme", channel.WhatsApp, http.MethodPost, nil, http.Header{}, body)
	assert.ErrorIs(t, err, ErrInvalidSignature)

	_, err = p.HandleWebhook(ctx, "globex", channel.WhatsApp, http.MethodPost, nil, signedWhatsApp(refundPayload), body)
	assert.ErrorIs(t, err, ErrChannelNotConfigured)

	_, err = p.HandleWebhook(ctx, "acme", "fax", http.MethodPost, nil, http.Header{}, body)
	assert.True(t, errors.Is(err, channel.ErrUnsupportedChannel))

	_, err = p.HandleWebhook(ctx, "", channel.WhatsApp, http.MethodPost, nil, http.Header{}, body)
	assert.Error(t, err)

	assert.Empty(t, handler.msgs)
}

func TestHandleWebhook_MalformedIsAcknowledged(t *testing.T) {
	handler := &recordingHandler{}
	p, _ := newTestProcessor(t, handler, nil)
	body := `{"object": [`

	result, err := p.HandleWebhook(context.Background(), "acme", channel.WhatsApp, http.MethodPost, nil, signedWhatsApp(body), []byte(body))
	require.NoError(t, err)
	assert.Empty(t, result.Messages)
	assert.Empty(t, handler.msgs)
}

func TestHandleWebhook_HandlerErrorDoesNotFailWebhook(t *testing.T) {
	handler := &recordingHandler{err: errors.New("downstream")}
	p, _ := newTestProcessor(t, handler, nil)

	result, err := p.HandleWebhook(context.Background(), "acme", channel.WhatsApp, http.MethodPost, nil, signedWhatsApp(refundPayload), []byte(refundPayload))
	require.NoError(t, err)
	assert.Len(t, result.Messages, 1)
}

func TestHandleWebhook_RegisteredAdapter(t *testing.T) {
	adapter := &mockAdapter{name: "line"}
	adapter.On("ParseMessage", mock.Anything).Return(&channel.UnifiedMessage{
		ExternalID: "L1", Channel: "line", SenderID: "u1", Content: "hi", ContentType: channel.ContentText,
	}, nil)
	registry := NewChannelRegistry(nil)
	require.NoError(t, registry.Register(adapter))

	handler := &recordingHandler{}
	clock := newTestClock()
	p := NewInboundProcessor(registry,
		newMemConfigs(channel.ChannelConfig{CompanyID: "acme", Channel: "line", Enabled: true, WebhookSecret: "s"}),
		NewDeduper(time.Minute, clock.Now), handler, nil, nil, quietLogger(t))

	body := []byte(`{"events":[]}`)
	h := http.Header{}
	h.Set("X-Test-Signature", channel.HMACSHA256Hex("s", body))
	result, err := p.HandleWebhook(context.Background(), "acme", "line", http.MethodPost, nil, h, body)
	require.NoError(t, err)
	require.Len(t, result.Messages, 1)
	assert.Equal(t, "acme:line:u1", result.Messages[0].ConversationID)
}

// A customer asks for a refund on WhatsApp, the keyword trigger escalates,
// and the escalation is assigned once an operator comes online.
func TestRefundEscalatesAndAssignsEndToEnd(t *testing.T) {
	clock := newTestClock()
	logger := quietLogger(t)
	events := &push.Recorder{}

	pm := presence.NewManager(logger, nil, events, presence.Options{}, presence.WithClock(clock.Now))
	notifications := notification.NewService(nil, events, nil, logger, notification.Options{}, notification.WithClock(clock.Now))
	engine := handover.NewEngine(pm, events, nil, logger,
		handover.Options{
			SLAWarning:   5 * time.Minute,
			MaxQueueWait: 30 * time.Minute,
			Triggers:     []models.TriggerConfig{{Type: models.TriggerKeyword, Enabled: true, Keywords: []string{"refund"}}},
		},
		handover.WithClock(clock.Now), handover.WithNotifier(notifications))
	pm.OnAgentAvailable(engine.OnAgentAvailable)

	handler := NewEscalationHandler(engine, notifications, logger, 10, WithHandlerClock(clock.Now))
	p := NewInboundProcessor(NewChannelRegistry(nil), newMemConfigs(whatsAppConfig()),
		NewDeduper(10*time.Minute, clock.Now), handler, events, nil, logger)
	p.now = clock.Now

	ctx := context.Background()
	_, err := p.HandleWebhook(ctx, "acme", channel.WhatsApp, http.MethodPost, nil, signedWhatsApp(refundPayload), []byte(refundPayload))
	require.NoError(t, err)

	esc, ok := engine.LiveForConversation("acme:whatsapp:15551234567")
	require.True(t, ok)
	assert.Equal(t, models.StatusQueued, esc.Status)
	assert.Equal(t, models.PriorityNormal, esc.Priority)
	assert.Equal(t, models.ReasonExplicitKeywords, esc.Reason)
	assert.Equal(t, "15551234567", esc.EndUserID)
	assert.Equal(t, "whatsapp", esc.Channel)
	require.Len(t, esc.LastMessages, 1)
	assert.Equal(t, "I want a refund", esc.LastMessages[0].Content)
	assert.Equal(t, "refund", esc.Metadata["matched"])

	clock.Advance(90 * time.Second)
	require.NoError(t, pm.SetAgentStatus("agent-7", "acme", models.AgentActive, 3))

	got, err := engine.GetEscalation(ctx, esc.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusAssigned, got.Status)
	assert.Equal(t, "agent-7", got.AssignedToID)
	require.NotNil(t, got.WaitTimeSeconds)
	assert.Equal(t, int64(90), *got.WaitTimeSeconds)

	// a follow-up from the customer reaches the assigned operator
	followUp := `{"object":"whatsapp_business_account","entry":[{"id":"W","changes":[{"field":"messages","value":{
	  "metadata":{"phone_number_id":"PNID_9"},"contacts":[{"profile":{"name":"Dana"},"wa_id":"15551234567"}],
	  "messages":[{"from":"15551234567","id":"wamid.REFUND2","timestamp":"1700000100","type":"text","text":{"body":"any update on my refund?"}}]}}]}]}`
	_, err = p.HandleWebhook(ctx, "acme", channel.WhatsApp, http.MethodPost, nil, signedWhatsApp(followUp), []byte(followUp))
	require.NoError(t, err)

	inbox := notifications.List(models.Recipient{Type: models.RecipientAgent, ID: "agent-7"}, notification.ListOptions{})
	var types []models.NotificationType
	for _, n := range inbox {
		types = append(types, n.Type)
	}
	assert.Contains(t, types, models.NotificationNewMessage)
	assert.Len(t, engine.List("acme", ""), 1)
}

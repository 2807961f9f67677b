package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"omnidesk/internal/models"
	"omnidesk/internal/push"
	"omnidesk/pkg/channel"
	"omnidesk/pkg/channel/webhook"
	"omnidesk/pkg/circuitbreaker"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func newTestSender(t *testing.T, registry *ChannelRegistry, configs ChannelConfigStore, events push.Publisher) *OutboundSender {
	t.Helper()
	logger := quietLogger(t)
	breakers := NewBreakerGroup(models.OutboundConfig{BreakerMaxFailures: 2, BreakerTimeoutSec: 60}, logger, nil)
	s := NewOutboundSender(registry, configs, breakers, events, nil, logger)
	s.now = newTestClock().Now
	return s
}

func TestOutboundSender_SendThroughWebhookChannel(t *testing.T) {
	var received map[string]any
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(raw, &received))
		_, _ = w.Write([]byte(`{"id":"out-1"}`))
	}))
	defer server.Close()

	configs := newMemConfigs(channel.ChannelConfig{
		CompanyID: "acme",
		Channel:   channel.Webhook,
		Enabled:   true,
		Settings:  map[string]any{webhook.SettingOutboundURL: server.URL},
	})
	events := &push.Recorder{}
	sender := newTestSender(t, NewChannelRegistry(server.Client()), configs, events)

	result, err := sender.Send(context.Background(), "acme", channel.Webhook, "u-7", "Your refund is on its way", channel.SendOptions{})
	require.NoError(t, err)
	assert.Equal(t, "out-1", result.MessageID)
	assert.Equal(t, "u-7", received["recipient_id"])
	assert.Equal(t, "Your refund is on its way", received["content"])

	sent := events.OfType(models.EventMessageSent)
	require.Len(t, sent, 1)
	assert.Equal(t, []string{
		models.ConversationTopic("acme:webhook:u-7"),
		models.CompanyTopic("acme"),
	}, sent[0].Topics)
}

func TestOutboundSender_ChannelNotConfigured(t *testing.T) {
	configs := newMemConfigs(channel.ChannelConfig{CompanyID: "acme", Channel: channel.Telegram, Enabled: false})
	sender := newTestSender(t, NewChannelRegistry(nil), configs, nil)

	tests := []struct {
		name      string
		ch        channel.Type
		wantField string
	}{
		{name: "never connected", ch: channel.WhatsApp, wantField: "channel_config"},
		{name: "disabled", ch: channel.Telegram, wantField: "enabled"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := sender.Send(context.Background(), "acme", tt.ch, "u1", "hello", channel.SendOptions{})
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrChannelNotConfigured))
			var cfgErr *channel.ConfigError
			require.True(t, errors.As(err, &cfgErr))
			assert.Equal(t, tt.ch, cfgErr.Channel)
			assert.Equal(t, tt.wantField, cfgErr.Field)
		})
	}

	_, err := sender.Send(context.Background(), "acme", "fax", "u1", "hello", channel.SendOptions{})
	assert.True(t, errors.Is(err, channel.ErrUnsupportedChannel))
}

func TestOutboundSender_Validation(t *testing.T) {
	adapter := &mockAdapter{name: "line"}
	registry := NewChannelRegistry(nil)
	require.NoError(t, registry.Register(adapter))
	sender := newTestSender(t, registry, newMemConfigs(channel.ChannelConfig{CompanyID: "acme", Channel: "line", Enabled: true}), nil)
	ctx := context.Background()

	_, err := sender.Send(ctx, "acme", "line", "", "hi", channel.SendOptions{})
	assert.Error(t, err)
	_, err = sender.Send(ctx, "acme", "line", "u1", "", channel.SendOptions{})
	assert.Error(t, err)
	_, err = sender.SendMedia(ctx, "acme", "line", "u1", "https://x/a.png", channel.ContentText, "", channel.SendOptions{})
	assert.Error(t, err)
	_, err = sender.SendMedia(ctx, "acme", "line", "u1", "", channel.ContentImage, "", channel.SendOptions{})
	assert.Error(t, err)
	_, err = sender.Download(ctx, "acme", "line", "")
	assert.Error(t, err)

	adapter.AssertNotCalled(t, "SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestOutboundSender_BreakerOpensOnProviderFailures(t *testing.T) {
	adapter := &mockAdapter{name: "line"}
	apiErr := &channel.APIError{Channel: "line", Operation: "send_message", StatusCode: http.StatusServiceUnavailable, Body: "down"}
	adapter.On("SendMessage", mock.Anything, mock.Anything, "u1", "hi", mock.Anything).Return(nil, apiErr)

	registry := NewChannelRegistry(nil)
	require.NoError(t, registry.Register(adapter))
	configs := newMemConfigs(
		channel.ChannelConfig{CompanyID: "acme", Channel: "line", Enabled: true},
		channel.ChannelConfig{CompanyID: "globex", Channel: "line", Enabled: true},
	)
	sender := newTestSender(t, registry, configs, nil)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := sender.Send(ctx, "acme", "line", "u1", "hi", channel.SendOptions{})
		var got *channel.APIError
		require.True(t, errors.As(err, &got))
	}

	_, err := sender.Send(ctx, "acme", "line", "u1", "hi", channel.SendOptions{})
	assert.True(t, errors.Is(err, circuitbreaker.ErrOpen))
	adapter.AssertNumberOfCalls(t, "SendMessage", 2)

	// other tenants keep their own breaker
	_, err = sender.Send(ctx, "globex", "line", "u1", "hi", channel.SendOptions{})
	assert.False(t, errors.Is(err, circuitbreaker.ErrOpen))

	stats := sender.Breakers().Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "acme/line", stats[0].Name)
	assert.Equal(t, circuitbreaker.StateOpen, stats[0].State)
}

func TestOutboundSender_ConfigErrorsDoNotTripBreaker(t *testing.T) {
	adapter := &mockAdapter{name: "line"}
	adapter.On("SendMessage", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything).
		Return(nil, &channel.ConfigError{Channel: "line", Field: "access_token"})

	registry := NewChannelRegistry(nil)
	require.NoError(t, registry.Register(adapter))
	sender := newTestSender(t, registry, newMemConfigs(channel.ChannelConfig{CompanyID: "acme", Channel: "line", Enabled: true}), nil)

	for i := 0; i < 5; i++ {
		_, err := sender.Send(context.Background(), "acme", "line", "u1", "hi", channel.SendOptions{})
		var cfgErr *channel.ConfigError
		require.True(t, errors.As(err, &cfgErr))
	}
	adapter.AssertNumberOfCalls(t, "SendMessage", 5)
}

func TestOutboundSender_TypingSwallowsErrors(t *testing.T) {
	plain := &mockAdapter{name: "line"}
	typing := typingAdapter{&mockAdapter{name: "kik"}}
	typing.On("SendTyping", mock.Anything, mock.Anything, "u1").Return(errors.New("boom"))

	registry := NewChannelRegistry(nil)
	require.NoError(t, registry.Register(plain))
	require.NoError(t, registry.Register(typing))
	configs := newMemConfigs(
		channel.ChannelConfig{CompanyID: "acme", Channel: "line", Enabled: true},
		channel.ChannelConfig{CompanyID: "acme", Channel: "kik", Enabled: true},
	)
	sender := newTestSender(t, registry, configs, nil)

	sender.Typing(context.Background(), "acme", "line", "u1")
	sender.Typing(context.Background(), "acme", "kik", "u1")
	sender.MarkRead(context.Background(), "acme", "line", "u1", "m1")
	sender.Typing(context.Background(), "acme", channel.Slack, "u1")

	typing.AssertNumberOfCalls(t, "SendTyping", 1)
	assert.Empty(t, plain.Calls)
}

func TestIsProviderFailure(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "nil", err: nil, want: false},
		{name: "server error", err: &channel.APIError{StatusCode: 502}, want: true},
		{name: "rate limited", err: &channel.APIError{StatusCode: 429}, want: true},
		{name: "bad request", err: &channel.APIError{StatusCode: 400}, want: false},
		{name: "missing credential", err: &channel.ConfigError{Field: "bot_token"}, want: false},
		{name: "unsupported", err: channel.NewUnsupportedCapability("teams", "download_media"), want: false},
		{name: "cancelled", err: context.Canceled, want: false},
		{name: "untrusted host", err: fmt.Errorf("slack: %w: evil.example", channel.ErrUntrustedHost), want: false},
		{name: "transport", err: errors.New("connection reset"), want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsProviderFailure(tt.err))
		})
	}
}

func TestConversationID(t *testing.T) {
	assert.Equal(t, "acme:whatsapp:15551234567", ConversationID("acme", channel.WhatsApp, "15551234567"))
}

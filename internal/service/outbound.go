package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"omnidesk/internal/constants"
	"omnidesk/internal/database"
	"omnidesk/internal/metrics"
	"omnidesk/internal/models"
	"omnidesk/internal/push"
	"omnidesk/internal/tracing"
	"omnidesk/pkg/channel"
	"omnidesk/pkg/circuitbreaker"

	"github.com/sirupsen/logrus"
)

// ErrChannelNotConfigured is wrapped when a tenant has no enabled config for
// a channel. The error also unwraps to a *channel.ConfigError.
var ErrChannelNotConfigured = errors.New("channel not configured")

// ChannelConfigStore loads per-tenant channel configuration.
type ChannelConfigStore interface {
	GetChannelConfig(ctx context.Context, companyID string, ch channel.Type) (*channel.ChannelConfig, error)
}

// NewBreakerGroup builds the per tenant/channel breakers used for provider
// calls. Only provider and transport failures count against a breaker.
func NewBreakerGroup(cfg models.OutboundConfig, logger *logrus.Logger, m *metrics.Metrics) *circuitbreaker.Group {
	maxFailures := cfg.BreakerMaxFailures
	if maxFailures <= 0 {
		maxFailures = constants.DefaultBreakerMaxFailures
	}
	timeout := time.Duration(cfg.BreakerTimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = time.Duration(constants.DefaultBreakerTimeoutSec) * time.Second
	}
	return circuitbreaker.NewGroup(uint32(maxFailures), timeout,
		circuitbreaker.WithLogger(logger),
		circuitbreaker.WithFailurePredicate(IsProviderFailure),
		circuitbreaker.WithStateChange(func(name string, _, to circuitbreaker.State) {
			m.BreakerState(name, int(to))
		}),
	)
}

// IsProviderFailure reports whether err reflects provider or transport
// health rather than tenant configuration or caller cancellation.
func IsProviderFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, channel.ErrUntrustedHost) {
		return false
	}
	var cfgErr *channel.ConfigError
	var unsupported *channel.UnsupportedError
	if errors.As(err, &cfgErr) || errors.As(err, &unsupported) {
		return false
	}
	var apiErr *channel.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return true
}

// ConversationID is the canonical conversation key for a tenant, channel and
// provider-side conversation reference.
func ConversationID(companyID string, ch channel.Type, ref string) string {
	return companyID + ":" + string(ch) + ":" + ref
}

// OutboundSender delivers replies through the tenant's channel adapter.
// Calls are at-most-once: failures are returned, never retried.
type OutboundSender struct {
	registry  *ChannelRegistry
	configs   ChannelConfigStore
	breakers  *circuitbreaker.Group
	publisher push.Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	now       func() time.Time
}

func NewOutboundSender(registry *ChannelRegistry, configs ChannelConfigStore, breakers *circuitbreaker.Group, publisher push.Publisher, m *metrics.Metrics, logger *logrus.Logger) *OutboundSender {
	if breakers == nil {
		breakers = NewBreakerGroup(models.OutboundConfig{}, logger, m)
	}
	return &OutboundSender{
		registry:  registry,
		configs:   configs,
		breakers:  breakers,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// Breakers exposes the breaker group for health reporting.
func (s *OutboundSender) Breakers() *circuitbreaker.Group {
	return s.breakers
}

// resolve loads the adapter and the tenant's enabled config for ch.
func resolve(ctx context.Context, registry *ChannelRegistry, configs ChannelConfigStore, companyID string, ch channel.Type) (channel.Adapter, channel.ChannelConfig, error) {
	adapter, err := registry.Get(ch)
	if err != nil {
		return nil, channel.ChannelConfig{}, err
	}
	cfg, err := configs.GetChannelConfig(ctx, companyID, ch)
	if errors.Is(err, database.ErrNotFound) {
		return nil, channel.ChannelConfig{}, fmt.Errorf("%w: %w", ErrChannelNotConfigured,
			&channel.ConfigError{Channel: ch, Field: "channel_config", Reason: "not connected"})
	}
	if err != nil {
		return nil, channel.ChannelConfig{}, fmt.Errorf("failed to load %s config: %w", ch, err)
	}
	if !cfg.Enabled {
		return nil, channel.ChannelConfig{}, fmt.Errorf("%w: %w", ErrChannelNotConfigured,
			&channel.ConfigError{Channel: ch, Field: "enabled", Reason: "disabled"})
	}
	return adapter, *cfg, nil
}

// call resolves the adapter and runs fn inside the tenant/channel breaker
// with a span and metrics around it.
func (s *OutboundSender) call(ctx context.Context, op, companyID string, ch channel.Type, fn func(ctx context.Context, a channel.Adapter, cfg channel.ChannelConfig) error) (err error) {
	ctx, span := tracing.StartSpan(ctx, "outbound."+op,
		tracing.AttrOperation.String(op),
		tracing.AttrCompany.String(companyID),
		tracing.AttrChannel.String(string(ch)),
	)
	start := s.now()
	defer func() {
		s.metrics.Outbound(string(ch), op, err, s.now().Sub(start))
		tracing.EndSpan(span, err)
	}()

	adapter, cfg, err := resolve(ctx, s.registry, s.configs, companyID, ch)
	if err != nil {
		return err
	}
	return s.breakers.Get(companyID+"/"+string(ch)).Execute(ctx, func(ctx context.Context) error {
		return fn(ctx, adapter, cfg)
	})
}

func (s *OutboundSender) Send(ctx context.Context, companyID string, ch channel.Type, recipientID, content string, opts channel.SendOptions) (*channel.SendResult, error) {
	if err := ValidateIdentifier("recipient id", recipientID); err != nil {
		return nil, err
	}
	if content == "" || len(content) > constants.MaxMessageLength {
		return nil, fmt.Errorf("message content must be between 1 and %d bytes", constants.MaxMessageLength)
	}

	var result *channel.SendResult
	err := s.call(ctx, "send_message", companyID, ch, func(ctx context.Context, a channel.Adapter, cfg channel.ChannelConfig) error {
		var err error
		result, err = a.SendMessage(ctx, cfg, recipientID, content, opts)
		return err
	})
	if err != nil {
		s.logFailure(ctx, err, "send_message", companyID, ch, recipientID)
		return nil, err
	}
	s.publishSent(companyID, ch, recipientID, content, channel.ContentText, "", result)
	return result, nil
}

func (s *OutboundSender) SendMedia(ctx context.Context, companyID string, ch channel.Type, recipientID, mediaURL string, mediaType channel.ContentType, caption string, opts channel.SendOptions) (*channel.SendResult, error) {
	if err := ValidateIdentifier("recipient id", recipientID); err != nil {
		return nil, err
	}
	if mediaURL == "" {
		return nil, fmt.Errorf("media url cannot be empty")
	}
	if !mediaType.Valid() || mediaType == channel.ContentText {
		return nil, fmt.Errorf("invalid media type %q", mediaType)
	}

	var result *channel.SendResult
	err := s.call(ctx, "send_media", companyID, ch, func(ctx context.Context, a channel.Adapter, cfg channel.ChannelConfig) error {
		var err error
		result, err = a.SendMediaMessage(ctx, cfg, recipientID, mediaURL, mediaType, caption, opts)
		return err
	})
	if err != nil {
		s.logFailure(ctx, err, "send_media", companyID, ch, recipientID)
		return nil, err
	}
	s.publishSent(companyID, ch, recipientID, caption, mediaType, mediaURL, result)
	return result, nil
}

func (s *OutboundSender) Download(ctx context.Context, companyID string, ch channel.Type, mediaRef string) (*channel.Media, error) {
	if mediaRef == "" {
		return nil, fmt.Errorf("media reference cannot be empty")
	}
	var media *channel.Media
	err := s.call(ctx, "download_media", companyID, ch, func(ctx context.Context, a channel.Adapter, cfg channel.ChannelConfig) error {
		var err error
		media, err = a.DownloadMedia(ctx, cfg, mediaRef)
		return err
	})
	if err != nil {
		s.logFailure(ctx, err, "download_media", companyID, ch, "")
		return nil, err
	}
	return media, nil
}

// Typing shows a typing indicator when the channel supports one. Failures
// are logged at debug and swallowed.
func (s *OutboundSender) Typing(ctx context.Context, companyID string, ch channel.Type, recipientID string) {
	err := s.call(ctx, "typing", companyID, ch, func(ctx context.Context, a channel.Adapter, cfg channel.ChannelConfig) error {
		tn, ok := a.(channel.TypingNotifier)
		if !ok {
			return nil
		}
		return tn.SendTyping(ctx, cfg, recipientID)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldCompany: companyID,
			LogFieldChannel: string(ch),
		}).Debug("Typing indicator failed")
	}
}

// MarkRead marks an inbound message as read when the channel supports it.
// Failures are logged at debug and swallowed.
func (s *OutboundSender) MarkRead(ctx context.Context, companyID string, ch channel.Type, recipientID, messageID string) {
	err := s.call(ctx, "mark_read", companyID, ch, func(ctx context.Context, a channel.Adapter, cfg channel.ChannelConfig) error {
		rm, ok := a.(channel.ReadMarker)
		if !ok {
			return nil
		}
		return rm.MarkRead(ctx, cfg, recipientID, messageID)
	})
	if err != nil {
		s.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldCompany: companyID,
			LogFieldChannel: string(ch),
		}).Debug("Read receipt failed")
	}
}

func (s *OutboundSender) logFailure(ctx context.Context, err error, op, companyID string, ch channel.Type, recipientID string) {
	entry := s.logger.WithError(err).WithFields(logrus.Fields{
		LogFieldCompany:   companyID,
		LogFieldChannel:   string(ch),
		LogFieldOperation: op,
		LogFieldTraceID:   tracing.GetTraceID(ctx),
	})
	if recipientID != "" {
		entry = entry.WithField(LogFieldRecipient, MaskerFor(ctx).UserID(recipientID))
	}
	switch {
	case errors.Is(err, ErrChannelNotConfigured), circuitbreaker.IsCircuitBreakerError(err):
		entry.Warn("Failed to " + humanOp(op))
	default:
		entry.Error("Failed to " + humanOp(op))
	}
}

func humanOp(op string) string {
	switch op {
	case "send_message":
		return "send message"
	case "send_media":
		return "send media"
	case "download_media":
		return "download media"
	}
	return op
}

func (s *OutboundSender) publishSent(companyID string, ch channel.Type, recipientID, content string, contentType channel.ContentType, mediaURL string, result *channel.SendResult) {
	if s.publisher == nil || result == nil {
		return
	}
	conversationID := ConversationID(companyID, ch, recipientID)
	payload := map[string]any{
		"companyId":      companyID,
		"channel":        string(ch),
		"conversationId": conversationID,
		"recipientId":    recipientID,
		"messageId":      result.MessageID,
		"content":        content,
		"contentType":    string(contentType),
	}
	if mediaURL != "" {
		payload["mediaUrl"] = mediaURL
	}
	s.publisher.Publish(models.NewEvent(models.EventMessageSent, payload, s.now()),
		models.ConversationTopic(conversationID), models.CompanyTopic(companyID))
}

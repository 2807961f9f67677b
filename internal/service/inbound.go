package service

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"time"

	"omnidesk/internal/metrics"
	"omnidesk/internal/models"
	"omnidesk/internal/push"
	"omnidesk/internal/tracing"
	"omnidesk/pkg/channel"

	"github.com/sirupsen/logrus"
)

var (
	// ErrInvalidSignature is returned when a webhook fails authentication.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrNotHandshake is returned for GET requests that carry no
	// verification handshake.
	ErrNotHandshake = errors.New("request is not a verification handshake")
)

// InboundMessage is one parsed customer message with its tenant context.
type InboundMessage struct {
	CompanyID      string
	ConversationID string
	Message        *channel.UnifiedMessage
}

// ConversationHandler receives every non-duplicate inbound message.
type ConversationHandler interface {
	HandleMessage(ctx context.Context, msg InboundMessage) error
}

// ConversationHandlerFunc adapts a function to ConversationHandler.
type ConversationHandlerFunc func(ctx context.Context, msg InboundMessage) error

func (f ConversationHandlerFunc) HandleMessage(ctx context.Context, msg InboundMessage) error {
	return f(ctx, msg)
}

// WebhookResult reports what a webhook call produced. Verification is set
// when the request was a registration handshake.
type WebhookResult struct {
	Verification *channel.VerificationResponse
	Messages     []InboundMessage
	Duplicates   int
}

// InboundProcessor authenticates, parses and dedupes provider webhooks and
// hands each new message to the conversation handler.
type InboundProcessor struct {
	registry  *ChannelRegistry
	configs   ChannelConfigStore
	deduper   *Deduper
	handler   ConversationHandler
	publisher push.Publisher
	metrics   *metrics.Metrics
	logger    *logrus.Logger
	now       func() time.Time
}

func NewInboundProcessor(registry *ChannelRegistry, configs ChannelConfigStore, deduper *Deduper, handler ConversationHandler, publisher push.Publisher, m *metrics.Metrics, logger *logrus.Logger) *InboundProcessor {
	return &InboundProcessor{
		registry:  registry,
		configs:   configs,
		deduper:   deduper,
		handler:   handler,
		publisher: publisher,
		metrics:   m,
		logger:    logger,
		now:       time.Now,
	}
}

// HandleWebhook processes one raw webhook request. Malformed payloads are
// logged and acknowledged with a nil error so providers stop redelivering.
func (p *InboundProcessor) HandleWebhook(ctx context.Context, companyID string, ch channel.Type, method string, query url.Values, header http.Header, body []byte) (result *WebhookResult, err error) {
	ctx, span := tracing.StartSpan(ctx, "webhook.handle",
		tracing.AttrCompany.String(companyID),
		tracing.AttrChannel.String(string(ch)),
	)
	defer func() { tracing.EndSpan(span, err) }()

	if err := ValidateIdentifier("company id", companyID); err != nil {
		p.metrics.Webhook(string(ch), "rejected")
		return nil, err
	}
	adapter, cfg, err := resolve(ctx, p.registry, p.configs, companyID, ch)
	if err != nil {
		p.metrics.Webhook(string(ch), "rejected")
		return nil, err
	}

	if resp := channel.VerificationFor(adapter, query, body, cfg.VerifyToken); resp != nil {
		p.metrics.Webhook(string(ch), "verification")
		p.logger.WithFields(logrus.Fields{
			LogFieldCompany:    companyID,
			LogFieldChannel:    string(ch),
			LogFieldStatusCode: resp.StatusCode,
		}).Info("Answered webhook verification")
		return &WebhookResult{Verification: resp}, nil
	}
	if method == http.MethodGet {
		p.metrics.Webhook(string(ch), "rejected")
		return nil, ErrNotHandshake
	}

	if !adapter.ValidateSignature(body, adapter.ExtractSignature(header), cfg.WebhookSecret) {
		p.metrics.Webhook(string(ch), "unauthorized")
		p.logger.WithFields(logrus.Fields{
			LogFieldCompany: companyID,
			LogFieldChannel: string(ch),
			LogFieldTraceID: tracing.GetTraceID(ctx),
		}).Warn("Webhook signature validation failed")
		return nil, ErrInvalidSignature
	}

	msgs, err := channel.ParseAll(adapter, body)
	if err != nil {
		p.metrics.Webhook(string(ch), "malformed")
		tracing.RecordError(ctx, err)
		p.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldCompany: companyID,
			LogFieldChannel: string(ch),
			LogFieldSize:    len(body),
		}).Warn("Ignoring malformed webhook payload")
		return &WebhookResult{}, nil
	}

	result = &WebhookResult{}
	for _, msg := range msgs {
		if msg == nil {
			continue
		}
		if p.deduper != nil && p.deduper.Seen(DedupeKey(companyID, string(ch), msg.ExternalID)) {
			result.Duplicates++
			p.metrics.Duplicate(string(ch))
			continue
		}
		in := InboundMessage{
			CompanyID:      companyID,
			ConversationID: ConversationID(companyID, ch, msg.ConversationRef()),
			Message:        msg,
		}
		result.Messages = append(result.Messages, in)
		p.dispatch(ctx, in)
	}

	outcome := "accepted"
	if len(result.Messages) == 0 {
		outcome = "ignored"
	}
	p.metrics.Webhook(string(ch), outcome)
	return result, nil
}

func (p *InboundProcessor) dispatch(ctx context.Context, in InboundMessage) {
	msg := in.Message
	p.metrics.InboundMessage(string(msg.Channel), string(msg.ContentType))
	LogInboundMessage(ctx, p.logger, in.CompanyID, in.ConversationID, string(msg.Channel), msg.ExternalID, msg.SenderID, msg.Content)

	if p.publisher != nil {
		p.publisher.Publish(models.NewEvent(models.EventMessageReceived, map[string]any{
			"companyId":      in.CompanyID,
			"conversationId": in.ConversationID,
			"message":        msg,
		}, p.now()), models.ConversationTopic(in.ConversationID), models.CompanyTopic(in.CompanyID))
	}

	if p.handler == nil {
		return
	}
	if err := p.handler.HandleMessage(ctx, in); err != nil {
		p.logger.WithError(err).WithFields(logrus.Fields{
			LogFieldCompany:      in.CompanyID,
			LogFieldConversation: in.ConversationID,
			LogFieldExternalID:   MaskerFor(ctx).ExternalID(msg.ExternalID),
		}).Error("Conversation handler failed")
	}
}

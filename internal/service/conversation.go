package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"omnidesk/internal/constants"
	"omnidesk/internal/handover"
	"omnidesk/internal/models"

	"github.com/sirupsen/logrus"
)

// Escalator is the slice of the handover engine the conversation handler uses.
type Escalator interface {
	LiveForConversation(conversationID string) (*models.Escalation, bool)
	Evaluate(message string, signals handover.Signals) handover.Decision
	CreateEscalation(ctx context.Context, req handover.CreateRequest) (*models.Escalation, error)
}

// MessageNotifier tells an operator about new customer messages.
type MessageNotifier interface {
	NotifyNewMessage(ctx context.Context, agentID, companyID, conversationID, senderName, content string) (*models.Notification, error)
}

// Classifier supplies optional sentiment and confidence scores.
type Classifier interface {
	Classify(ctx context.Context, msg InboundMessage) handover.Signals
}

// ClassifierFunc adapts a function to Classifier.
type ClassifierFunc func(ctx context.Context, msg InboundMessage) handover.Signals

func (f ClassifierFunc) Classify(ctx context.Context, msg InboundMessage) handover.Signals {
	return f(ctx, msg)
}

type conversationHistory struct {
	messages []models.ConversationMessage
	touched  time.Time
}

// EscalationHandler is the default ConversationHandler. It evaluates the
// configured triggers for conversations without a live escalation and
// forwards customer messages to the assigned operator otherwise.
type EscalationHandler struct {
	escalator  Escalator
	notifier   MessageNotifier
	classifier Classifier
	logger     *logrus.Logger
	limit      int
	now        func() time.Time

	mu      sync.Mutex
	history map[string]*conversationHistory
}

type EscalationHandlerOption func(*EscalationHandler)

func WithClassifier(c Classifier) EscalationHandlerOption {
	return func(h *EscalationHandler) { h.classifier = c }
}

func WithHandlerClock(now func() time.Time) EscalationHandlerOption {
	return func(h *EscalationHandler) { h.now = now }
}

// NewEscalationHandler keeps the last limit messages per conversation for
// the escalation snapshot. A nil notifier disables operator forwarding.
func NewEscalationHandler(escalator Escalator, notifier MessageNotifier, logger *logrus.Logger, limit int, opts ...EscalationHandlerOption) *EscalationHandler {
	if limit <= 0 {
		limit = constants.DefaultLastMessages
	}
	h := &EscalationHandler{
		escalator: escalator,
		notifier:  notifier,
		logger:    logger,
		limit:     limit,
		now:       time.Now,
		history:   make(map[string]*conversationHistory),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *EscalationHandler) HandleMessage(ctx context.Context, in InboundMessage) error {
	msg := in.Message
	if msg == nil {
		return nil
	}
	content := msg.Content
	if content == "" && len(msg.Attachments) > 0 {
		content = fmt.Sprintf("[%s]", msg.ContentType)
	}
	repeats, snapshot := h.record(in.ConversationID, models.ConversationMessage{
		Role:      "user",
		Content:   content,
		Timestamp: msg.Timestamp,
	})

	if esc, ok := h.escalator.LiveForConversation(in.ConversationID); ok {
		return h.forward(ctx, esc, in, content)
	}

	signals := handover.Signals{}
	if h.classifier != nil {
		signals = h.classifier.Classify(ctx, in)
	}
	if repeats > signals.RepeatedQuestions {
		signals.RepeatedQuestions = repeats
	}

	decision := h.escalator.Evaluate(msg.Content, signals)
	if !decision.Escalate {
		return nil
	}

	metadata := map[string]any{
		"trigger":    string(decision.Trigger),
		"externalId": msg.ExternalID,
	}
	if decision.Matched != "" {
		metadata["matched"] = decision.Matched
	}
	esc, err := h.escalator.CreateEscalation(ctx, handover.CreateRequest{
		ConversationID: in.ConversationID,
		CompanyID:      in.CompanyID,
		EndUserID:      msg.SenderID,
		Channel:        string(msg.Channel),
		Reason:         decision.Reason,
		Priority:       decision.Priority,
		Summary:        summarize(msg.SenderName, content),
		LastMessages:   snapshot,
		Metadata:       metadata,
	})
	if errors.Is(err, handover.ErrEscalationExists) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to escalate conversation: %w", err)
	}

	h.logger.WithFields(logrus.Fields{
		LogFieldCompany:      in.CompanyID,
		LogFieldConversation: in.ConversationID,
		LogFieldEscalation:   esc.ID,
		LogFieldReason:       string(decision.Reason),
		LogFieldPriority:     string(decision.Priority),
	}).Info("Conversation escalated by trigger")
	return nil
}

func (h *EscalationHandler) forward(ctx context.Context, esc *models.Escalation, in InboundMessage, content string) error {
	if h.notifier == nil || esc.AssignedToID == "" {
		return nil
	}
	sender := in.Message.SenderName
	if sender == "" {
		sender = MaskerFor(ctx).UserID(in.Message.SenderID)
	}
	if _, err := h.notifier.NotifyNewMessage(ctx, esc.AssignedToID, in.CompanyID, in.ConversationID, sender, content); err != nil {
		return fmt.Errorf("failed to notify operator: %w", err)
	}
	return nil
}

// record appends m and returns how many earlier messages in the window
// asked the same thing, plus a snapshot of the window.
func (h *EscalationHandler) record(conversationID string, m models.ConversationMessage) (int, []models.ConversationMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	hist, ok := h.history[conversationID]
	if !ok {
		hist = &conversationHistory{}
		h.history[conversationID] = hist
	}

	key := normalizeQuestion(m.Content)
	repeats := 0
	for _, prev := range hist.messages {
		if prev.Role == m.Role && key != "" && normalizeQuestion(prev.Content) == key {
			repeats++
		}
	}

	hist.messages = append(hist.messages, m)
	if over := len(hist.messages) - h.limit; over > 0 {
		hist.messages = append([]models.ConversationMessage(nil), hist.messages[over:]...)
	}
	hist.touched = h.now()
	return repeats, append([]models.ConversationMessage(nil), hist.messages...)
}

// RecordReply adds an outbound message to the conversation window so that
// escalation snapshots include both sides.
func (h *EscalationHandler) RecordReply(conversationID, content string) {
	h.record(conversationID, models.ConversationMessage{Role: "assistant", Content: content, Timestamp: h.now().UTC()})
}

// History returns the current message window for a conversation.
func (h *EscalationHandler) History(conversationID string) []models.ConversationMessage {
	h.mu.Lock()
	defer h.mu.Unlock()
	hist, ok := h.history[conversationID]
	if !ok {
		return nil
	}
	return append([]models.ConversationMessage(nil), hist.messages...)
}

// PurgeHistory drops windows untouched since before cutoff.
func (h *EscalationHandler) PurgeHistory(cutoff time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	removed := 0
	for id, hist := range h.history {
		if hist.touched.Before(cutoff) {
			delete(h.history, id)
			removed++
		}
	}
	return removed
}

func normalizeQuestion(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = strings.TrimRight(s, "?!. ")
	return strings.Join(strings.Fields(s), " ")
}

func summarize(sender, content string) string {
	const maxSummary = 200
	runes := []rune(content)
	if len(runes) > maxSummary {
		content = string(runes[:maxSummary]) + "…"
	}
	if sender == "" {
		return content
	}
	return sender + ": " + content
}

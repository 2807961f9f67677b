package notification

import (
	"context"
	"fmt"
	"time"

	"omnidesk/internal/models"
)

const previewLength = 120

func preview(s string) string {
	r := []rune(s)
	if len(r) <= previewLength {
		return s
	}
	return string(r[:previewLength-1]) + "…"
}

func escalationData(esc *models.Escalation) map[string]any {
	return map[string]any{
		"escalationId":   esc.ID,
		"conversationId": esc.ConversationID,
		"reason":         esc.Reason,
		"priority":       esc.Priority,
		"channel":        esc.Channel,
	}
}

func openAction(esc *models.Escalation) []models.NotificationAction {
	return []models.NotificationAction{{ID: "open", Label: "Open conversation", URL: "/conversations/" + esc.ConversationID}}
}

// NotifyNewMessage tells the handling agent a customer wrote again.
func (s *Service) NotifyNewMessage(ctx context.Context, agentID, companyID, conversationID, senderName, content string) (*models.Notification, error) {
	title := "New message"
	if senderName != "" {
		title = "New message from " + senderName
	}
	return s.Send(ctx, Request{
		Type:      models.NotificationNewMessage,
		Recipient: models.Recipient{Type: models.RecipientAgent, ID: agentID},
		CompanyID: companyID,
		Title:     title,
		Body:      preview(content),
		Data:      map[string]any{"conversationId": conversationID},
		Sound:     models.SoundMessage,
	})
}

// NotifyAssignment tells an agent an escalation is now theirs.
func (s *Service) NotifyAssignment(ctx context.Context, agentID string, esc *models.Escalation) (*models.Notification, error) {
	return s.Send(ctx, Request{
		Type:      models.NotificationAssignment,
		Recipient: models.Recipient{Type: models.RecipientAgent, ID: agentID},
		CompanyID: esc.CompanyID,
		Title:     "Conversation assigned to you",
		Body:      summaryOrReason(esc),
		Priority:  esc.Priority,
		Data:      escalationData(esc),
		Actions:   openAction(esc),
		Sound:     models.SoundAssignment,
	})
}

// NotifyEscalation tells the tenant a conversation needs a human.
func (s *Service) NotifyEscalation(ctx context.Context, esc *models.Escalation) (*models.Notification, error) {
	return s.Send(ctx, Request{
		Type:      models.NotificationEscalation,
		Recipient: models.Recipient{Type: models.RecipientCompany, ID: esc.CompanyID},
		CompanyID: esc.CompanyID,
		Title:     "Conversation escalated",
		Body:      summaryOrReason(esc),
		Priority:  esc.Priority,
		Data:      escalationData(esc),
		Actions:   openAction(esc),
		Sound:     models.SoundFor(esc.Priority),
	})
}

// NotifySLAWarning tells the tenant a queued escalation is waiting too long.
func (s *Service) NotifySLAWarning(ctx context.Context, esc *models.Escalation, waited time.Duration) (*models.Notification, error) {
	data := escalationData(esc)
	data["waitSeconds"] = int64(waited.Seconds())
	return s.Send(ctx, Request{
		Type:      models.NotificationSLAWarning,
		Recipient: models.Recipient{Type: models.RecipientCompany, ID: esc.CompanyID},
		CompanyID: esc.CompanyID,
		Title:     "Escalation waiting",
		Body:      fmt.Sprintf("A customer has been waiting %s for an agent", waited.Truncate(time.Second)),
		Priority:  models.PriorityHigh,
		Data:      data,
		Actions:   openAction(esc),
		Sound:     models.SoundUrgent,
	})
}

// NotifyCustomerWaiting nudges the assigned agent.
func (s *Service) NotifyCustomerWaiting(ctx context.Context, agentID string, esc *models.Escalation, waited time.Duration) (*models.Notification, error) {
	data := escalationData(esc)
	data["waitSeconds"] = int64(waited.Seconds())
	return s.Send(ctx, Request{
		Type:      models.NotificationCustomerWaiting,
		Recipient: models.Recipient{Type: models.RecipientAgent, ID: agentID},
		CompanyID: esc.CompanyID,
		Title:     "Customer waiting",
		Body:      fmt.Sprintf("Customer has been waiting %s", waited.Truncate(time.Second)),
		Priority:  esc.Priority,
		Data:      data,
		Actions:   openAction(esc),
		Sound:     models.SoundFor(esc.Priority),
	})
}

// NotifyTransfer informs the receiving agent, and the previous one when known.
func (s *Service) NotifyTransfer(ctx context.Context, esc *models.Escalation, fromAgentID, toAgentID, reason string) error {
	data := escalationData(esc)
	data["fromAgentId"] = fromAgentID
	data["toAgentId"] = toAgentID
	data["transferReason"] = reason

	if _, err := s.Send(ctx, Request{
		Type:      models.NotificationTransfer,
		Recipient: models.Recipient{Type: models.RecipientAgent, ID: toAgentID},
		CompanyID: esc.CompanyID,
		Title:     "Conversation transferred to you",
		Body:      reasonOr(reason, summaryOrReason(esc)),
		Priority:  esc.Priority,
		Data:      data,
		Actions:   openAction(esc),
	}); err != nil {
		return err
	}
	if fromAgentID == "" || fromAgentID == toAgentID {
		return nil
	}
	_, err := s.Send(ctx, Request{
		Type:      models.NotificationTransfer,
		Recipient: models.Recipient{Type: models.RecipientAgent, ID: fromAgentID},
		CompanyID: esc.CompanyID,
		Title:     "Conversation transferred",
		Body:      "Handed over to another agent",
		Data:      data,
		Sound:     models.SoundSilent,
	})
	return err
}

func summaryOrReason(esc *models.Escalation) string {
	if esc.Summary != "" {
		return preview(esc.Summary)
	}
	return "Reason: " + string(esc.Reason)
}

func reasonOr(reason, fallback string) string {
	if reason != "" {
		return reason
	}
	return fallback
}

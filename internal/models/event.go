package models

import "time"

// Event types pushed to live clients.
const (
	EventMessageReceived        = "message.received"
	EventMessageSent            = "message.sent"
	EventPresenceChanged        = "presence.changed"
	EventAgentStatusChanged     = "agent.status_changed"
	EventNotificationNew        = "notification.new"
	EventNotificationRead       = "notification.read"
	EventEscalationCreated      = "escalation.created"
	EventEscalationAssigned     = "escalation.assigned"
	EventEscalationStatusChange = "escalation.status_change"
	EventEscalationResolved     = "escalation.resolved"
	EventEscalationTransferred  = "escalation.transferred"
)

// Event is the envelope delivered over the push transport. Clients ignore
// types they do not know.
type Event struct {
	Type      string    `json:"type"`
	Payload   any       `json:"payload"`
	Timestamp time.Time `json:"timestamp"`
}

// NewEvent stamps an event at now.
func NewEvent(eventType string, payload any, now time.Time) Event {
	return Event{Type: eventType, Payload: payload, Timestamp: now.UTC()}
}

// Topic helpers shared by publishers and subscribers.
func ConversationTopic(id string) string { return "conversation:" + id }
func UserTopic(id string) string         { return "user:" + id }
func AgentTopic(id string) string        { return "agent:" + id }
func CompanyTopic(id string) string      { return "company:" + id }

// RecipientTopic maps a notification recipient onto its push topic.
func RecipientTopic(r Recipient) string {
	return string(r.Type) + ":" + r.ID
}

package models

import "time"

// NotificationType classifies a notification for preference filtering.
type NotificationType string

const (
	NotificationNewMessage      NotificationType = "new_message"
	NotificationAssignment      NotificationType = "assignment"
	NotificationEscalation      NotificationType = "escalation"
	NotificationSLAWarning      NotificationType = "sla_warning"
	NotificationCustomerWaiting NotificationType = "customer_waiting"
	NotificationTransfer        NotificationType = "transfer"
	NotificationSystem          NotificationType = "system"
)

// RecipientType selects the push topic family for a recipient.
type RecipientType string

const (
	RecipientUser    RecipientType = "user"
	RecipientAgent   RecipientType = "agent"
	RecipientCompany RecipientType = "company"
)

// Recipient identifies who a notification is for.
type Recipient struct {
	Type RecipientType `json:"type"`
	ID   string        `json:"id"`
}

// Key is a stable map key for per-recipient state.
func (r Recipient) Key() string {
	return string(r.Type) + ":" + r.ID
}

// Valid reports whether the recipient is addressable.
func (r Recipient) Valid() bool {
	switch r.Type {
	case RecipientUser, RecipientAgent, RecipientCompany:
		return r.ID != ""
	}
	return false
}

// NotificationAction is a client-side button hint.
type NotificationAction struct {
	ID    string `json:"id"`
	Label string `json:"label"`
	URL   string `json:"url,omitempty"`
}

// Notification is a typed message to one recipient.
type Notification struct {
	ID        string           `json:"id"`
	Type      NotificationType `json:"type"`
	Recipient Recipient        `json:"recipient"`
	CompanyID string           `json:"companyId"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Priority  Priority         `json:"priority"`
	Data      map[string]any   `json:"data,omitempty"`
	Read      bool             `json:"read"`
	ReadAt    *time.Time       `json:"readAt,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	ExpiresAt *time.Time       `json:"expiresAt,omitempty"`

	Sound     bool                 `json:"sound,omitempty"`
	SoundName string               `json:"soundName,omitempty"`
	Banner    bool                 `json:"banner,omitempty"`
	Actions   []NotificationAction `json:"actions,omitempty"`
	Delivered bool                 `json:"delivered"`
}

// Sound hints clients map to a tone. SoundSilent asks for no sound even when
// the recipient has sounds enabled.
const (
	SoundDefault    = "default"
	SoundMessage    = "message"
	SoundAssignment = "assignment"
	SoundEscalation = "escalation"
	SoundUrgent     = "urgent"
	SoundSilent     = "silent"
)

// SoundFor picks the escalation tone for a priority.
func SoundFor(p Priority) string {
	if p == PriorityUrgent {
		return SoundUrgent
	}
	return SoundEscalation
}

// Expired reports whether the notification outlived its TTL at now.
func (n *Notification) Expired(now time.Time) bool {
	return n.ExpiresAt != nil && !now.Before(*n.ExpiresAt)
}

// QuietHours suppresses pushes between Start and End (HH:MM), wrapping
// midnight when End is before Start.
type QuietHours struct {
	Enabled  bool   `json:"enabled"`
	Start    string `json:"start"`
	End      string `json:"end"`
	Timezone string `json:"timezone,omitempty"`
}

// NotificationPreferences control push delivery for one recipient.
type NotificationPreferences struct {
	Recipient  Recipient                 `json:"recipient"`
	Enabled    bool                      `json:"enabled"`
	Types      map[NotificationType]bool `json:"types,omitempty"`
	QuietHours QuietHours                `json:"quietHours"`
	Sound      bool                      `json:"sound"`
	Banner     bool                      `json:"banner"`
}

// DefaultPreferences enables everything.
func DefaultPreferences(r Recipient) NotificationPreferences {
	return NotificationPreferences{Recipient: r, Enabled: true, Sound: true, Banner: true}
}

// TypeEnabled treats types missing from the map as enabled.
func (p NotificationPreferences) TypeEnabled(t NotificationType) bool {
	if v, ok := p.Types[t]; ok {
		return v
	}
	return true
}

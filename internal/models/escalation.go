package models

import "time"

// EscalationStatus is the lifecycle state of an escalation.
type EscalationStatus string

const (
	StatusPending   EscalationStatus = "pending"
	StatusQueued    EscalationStatus = "queued"
	StatusAssigned  EscalationStatus = "assigned"
	StatusActive    EscalationStatus = "active"
	StatusResolved  EscalationStatus = "resolved"
	StatusCancelled EscalationStatus = "cancelled"
	StatusTimeout   EscalationStatus = "timeout"
)

// Live reports whether the status still occupies the conversation.
func (s EscalationStatus) Live() bool {
	switch s {
	case StatusPending, StatusQueued, StatusAssigned, StatusActive:
		return true
	}
	return false
}

// Terminal reports whether the escalation is finished.
func (s EscalationStatus) Terminal() bool {
	switch s {
	case StatusResolved, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// EscalationReason records why a conversation was handed to a human.
type EscalationReason string

const (
	ReasonUserRequest       EscalationReason = "user_request"
	ReasonSentimentNegative EscalationReason = "sentiment_negative"
	ReasonConfidenceLow     EscalationReason = "confidence_low"
	ReasonComplexQuery      EscalationReason = "complex_query"
	ReasonRepeatedQuestions EscalationReason = "repeated_questions"
	ReasonExplicitKeywords  EscalationReason = "explicit_keywords"
	ReasonBusinessRules     EscalationReason = "business_rules"
	ReasonTimeout           EscalationReason = "timeout"
	ReasonManual            EscalationReason = "manual"
)

// Valid reports whether r is a known reason.
func (r EscalationReason) Valid() bool {
	switch r {
	case ReasonUserRequest, ReasonSentimentNegative, ReasonConfidenceLow, ReasonComplexQuery,
		ReasonRepeatedQuestions, ReasonExplicitKeywords, ReasonBusinessRules, ReasonTimeout, ReasonManual:
		return true
	}
	return false
}

// Priority orders escalations and notifications.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// Rank returns a sortable weight; higher is more urgent. Unknown values rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 3
	case PriorityHigh:
		return 2
	case PriorityLow:
		return 0
	}
	return 1
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// ConversationMessage is one entry of the snapshot captured on escalation.
type ConversationMessage struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Escalation is one handover of a conversation to a human operator.
type Escalation struct {
	ID             string           `json:"id"`
	ConversationID string           `json:"conversationId"`
	CompanyID      string           `json:"companyId"`
	AgentID        string           `json:"agentId,omitempty"`
	EndUserID      string           `json:"endUserId,omitempty"`
	Channel        string           `json:"channel,omitempty"`
	Reason         EscalationReason `json:"reason"`
	Status         EscalationStatus `json:"status"`
	Priority       Priority         `json:"priority"`
	Summary        string           `json:"summary,omitempty"`

	LastMessages []ConversationMessage `json:"lastMessages,omitempty"`
	Metadata     map[string]any        `json:"metadata,omitempty"`

	AssignedToID   string     `json:"assignedToId,omitempty"`
	AssignedToName string     `json:"assignedToName,omitempty"`
	AssignedAt     *time.Time `json:"assignedAt,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	QueuedAt    *time.Time `json:"queuedAt,omitempty"`
	ActivatedAt *time.Time `json:"activatedAt,omitempty"`
	ResolvedAt  *time.Time `json:"resolvedAt,omitempty"`
	UpdatedAt   time.Time  `json:"updatedAt"`

	ResolutionNotes string `json:"resolutionNotes,omitempty"`
	CancelReason    string `json:"cancelReason,omitempty"`
	TransferToAgent bool   `json:"transferToAgent,omitempty"`

	WaitTimeSeconds   *int64 `json:"waitTimeSeconds,omitempty"`
	HandleTimeSeconds *int64 `json:"handleTimeSeconds,omitempty"`
	SLAWarned         bool   `json:"slaWarned,omitempty"`
	AgentNudged       bool   `json:"agentNudged,omitempty"`
}

// Clone returns a deep copy safe to hand out of a lock.
func (e *Escalation) Clone() *Escalation {
	if e == nil {
		return nil
	}
	c := *e
	if e.LastMessages != nil {
		c.LastMessages = append([]ConversationMessage(nil), e.LastMessages...)
	}
	if e.Metadata != nil {
		c.Metadata = make(map[string]any, len(e.Metadata))
		for k, v := range e.Metadata {
			c.Metadata[k] = v
		}
	}
	c.AssignedAt = cloneTime(e.AssignedAt)
	c.QueuedAt = cloneTime(e.QueuedAt)
	c.ActivatedAt = cloneTime(e.ActivatedAt)
	c.ResolvedAt = cloneTime(e.ResolvedAt)
	c.WaitTimeSeconds = cloneInt(e.WaitTimeSeconds)
	c.HandleTimeSeconds = cloneInt(e.HandleTimeSeconds)
	return &c
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int64) *int64 {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

// TriggerType selects how a trigger evaluates an inbound message.
type TriggerType string

const (
	TriggerKeyword           TriggerType = "keyword"
	TriggerUserRequest       TriggerType = "user_request"
	TriggerSentiment         TriggerType = "sentiment"
	TriggerConfidence        TriggerType = "confidence"
	TriggerRepeatedQuestions TriggerType = "repeated_questions"
)

// TriggerConfig is one configured escalation rule.
type TriggerConfig struct {
	Type      TriggerType `json:"type" yaml:"type"`
	Enabled   bool        `json:"enabled" yaml:"enabled"`
	Keywords  []string    `json:"keywords,omitempty" yaml:"keywords,omitempty"`
	Threshold float64     `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Count     int         `json:"count,omitempty" yaml:"count,omitempty"`
	// Priority overrides the reason's default priority when set.
	Priority Priority `json:"priority,omitempty" yaml:"priority,omitempty"`
}

package models

import "time"

// PresenceStatus is an end user's connectivity state.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceOffline PresenceStatus = "offline"
)

// Valid reports whether s is a known presence status.
func (s PresenceStatus) Valid() bool {
	return s == PresenceOnline || s == PresenceAway || s == PresenceOffline
}

// AgentStatus is an operator's availability.
type AgentStatus string

const (
	AgentActive  AgentStatus = "active"
	AgentBusy    AgentStatus = "busy"
	AgentAway    AgentStatus = "away"
	AgentOffline AgentStatus = "offline"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentActive, AgentBusy, AgentAway, AgentOffline:
		return true
	}
	return false
}

// UserPresence is ephemeral and never persisted.
type UserPresence struct {
	UserID       string         `json:"userId"`
	CompanyID    string         `json:"companyId"`
	Status       PresenceStatus `json:"status"`
	LastActiveAt time.Time      `json:"lastActiveAt"`
}

// AgentPresence tracks an operator's status and conversation load.
type AgentPresence struct {
	AgentID             string      `json:"agentId"`
	CompanyID           string      `json:"companyId"`
	Status              AgentStatus `json:"status"`
	LastActiveAt        time.Time   `json:"lastActiveAt"`
	ActiveConversations int         `json:"activeConversations"`
	MaxConversations    int         `json:"maxConversations"`
}

// Available reports whether the agent can take another conversation.
func (a AgentPresence) Available() bool {
	return a.Status == AgentActive && a.ActiveConversations < a.MaxConversations
}

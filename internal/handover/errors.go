package handover

import "errors"

var (
	ErrNotFound          = errors.New("escalation not found")
	ErrInvalidTransition = errors.New("invalid escalation transition")
	ErrAgentUnavailable  = errors.New("agent unavailable")
	ErrEscalationExists  = errors.New("conversation already has an open escalation")
	ErrInvalidRequest    = errors.New("invalid escalation request")
)

package handover

import (
	"strings"

	"omnidesk/internal/models"
)

// Signals are optional classifier outputs for one inbound message. Nil
// scores mean the classifier did not run.
type Signals struct {
	Sentiment         *float64
	Confidence        *float64
	RepeatedQuestions int
	UserRequested     bool
}

// Decision is the outcome of trigger evaluation.
type Decision struct {
	Escalate bool                    `json:"escalate"`
	Reason   models.EscalationReason `json:"reason,omitempty"`
	Priority models.Priority         `json:"priority,omitempty"`
	Trigger  models.TriggerType      `json:"trigger,omitempty"`
	Matched  string                  `json:"matched,omitempty"`
}

var defaultUserRequestPhrases = []string{
	"talk to a human",
	"speak to a human",
	"talk to an agent",
	"speak to an agent",
	"real person",
	"human agent",
	"customer service representative",
}

// DefaultPriority maps an escalation reason to its queue priority.
func DefaultPriority(reason models.EscalationReason) models.Priority {
	switch reason {
	case models.ReasonSentimentNegative, models.ReasonTimeout:
		return models.PriorityHigh
	case models.ReasonConfidenceLow:
		return models.PriorityLow
	}
	return models.PriorityNormal
}

// ShouldEscalate evaluates triggers in order; the first enabled match wins.
// It has no side effects.
func ShouldEscalate(message string, signals Signals, triggers []models.TriggerConfig) Decision {
	text := strings.ToLower(message)
	for _, t := range triggers {
		if !t.Enabled {
			continue
		}
		var (
			reason  models.EscalationReason
			matched string
			fired   bool
		)
		switch t.Type {
		case models.TriggerKeyword:
			reason = models.ReasonExplicitKeywords
			matched, fired = containsAny(text, t.Keywords)
		case models.TriggerUserRequest:
			reason = models.ReasonUserRequest
			phrases := t.Keywords
			if len(phrases) == 0 {
				phrases = defaultUserRequestPhrases
			}
			if signals.UserRequested {
				fired = true
			} else {
				matched, fired = containsAny(text, phrases)
			}
		case models.TriggerSentiment:
			reason = models.ReasonSentimentNegative
			fired = signals.Sentiment != nil && *signals.Sentiment < t.Threshold
		case models.TriggerConfidence:
			reason = models.ReasonConfidenceLow
			fired = signals.Confidence != nil && *signals.Confidence < t.Threshold
		case models.TriggerRepeatedQuestions:
			reason = models.ReasonRepeatedQuestions
			fired = t.Count > 0 && signals.RepeatedQuestions >= t.Count
		}
		if !fired {
			continue
		}
		priority := t.Priority
		if !priority.Valid() {
			priority = DefaultPriority(reason)
		}
		return Decision{Escalate: true, Reason: reason, Priority: priority, Trigger: t.Type, Matched: matched}
	}
	return Decision{}
}

func containsAny(text string, needles []string) (string, bool) {
	for _, n := range needles {
		n = strings.ToLower(strings.TrimSpace(n))
		if n != "" && strings.Contains(text, n) {
			return n, true
		}
	}
	return "", false
}

package validation

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"omnidesk/internal/constants"
	"omnidesk/internal/errors"
	"omnidesk/internal/models"
)

// ValidateIdentifier validates ids supplied by API callers: escalation ids,
// agent ids, company ids and recipient ids.
func ValidateIdentifier(fieldName, id string) error {
	if strings.TrimSpace(id) == "" {
		return errors.NewValidationError(fieldName, id, "cannot be empty")
	}

	if len(id) > constants.MaxIdentifierLength {
		return errors.NewValidationError(fieldName, id,
			fmt.Sprintf("too long (max %d characters)", constants.MaxIdentifierLength))
	}

	// Ids end up in push topics and log fields
	for _, char := range id {
		if char == '\x00' || char == '\n' || char == '\r' || char == '\t' {
			return errors.NewValidationError(fieldName, id, "contains invalid characters")
		}
	}

	return nil
}

// ValidateRecipient validates a notification recipient.
func ValidateRecipient(r models.Recipient) error {
	if !r.Valid() {
		return errors.NewValidationError("recipient", r.Key(), "type must be user, agent or company and id is required")
	}
	return ValidateIdentifier("recipient id", r.ID)
}

// ValidateAgentStatus rejects unknown agent statuses.
func ValidateAgentStatus(status models.AgentStatus) error {
	if !status.Valid() {
		return errors.NewValidationError("status", string(status), "unknown agent status")
	}
	return nil
}

// ValidatePriority accepts an empty priority, which means "derive from reason".
func ValidatePriority(p models.Priority) error {
	switch p {
	case "", models.PriorityLow, models.PriorityNormal, models.PriorityHigh, models.PriorityUrgent:
		return nil
	}
	return errors.NewValidationError("priority", string(p), "unknown priority")
}

// ValidateReason rejects unknown escalation reasons.
func ValidateReason(r models.EscalationReason) error {
	if !r.Valid() {
		return errors.NewValidationError("reason", string(r), "unknown escalation reason")
	}
	return nil
}

// ValidateQuietHours checks HH:MM bounds and the timezone name.
func ValidateQuietHours(q models.QuietHours) error {
	if !q.Enabled {
		return nil
	}
	for field, v := range map[string]string{"quiet hours start": q.Start, "quiet hours end": q.End} {
		if !validClock(v) {
			return errors.NewValidationError(field, v, "must be HH:MM")
		}
	}
	if q.Timezone != "" {
		if _, err := time.LoadLocation(q.Timezone); err != nil {
			return errors.NewValidationError("quiet hours timezone", q.Timezone, "unknown timezone")
		}
	}
	return nil
}

func validClock(v string) bool {
	h, m, ok := strings.Cut(v, ":")
	if !ok || len(h) != 2 || len(m) != 2 {
		return false
	}
	hh, err := strconv.Atoi(h)
	if err != nil || hh < 0 || hh > 23 {
		return false
	}
	mm, err := strconv.Atoi(m)
	return err == nil && mm >= 0 && mm <= 59
}

// ValidateHTTPRequestSize validates incoming HTTP request size
func ValidateHTTPRequestSize(r *http.Request, maxSizeBytes int64) error {
	if r.ContentLength > maxSizeBytes {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("request too large: %d bytes (max %d bytes)", r.ContentLength, maxSizeBytes)).
			WithUserMessage(fmt.Sprintf("Request body exceeds %d bytes", maxSizeBytes)).
			WithStatus(http.StatusRequestEntityTooLarge)
	}

	return nil
}

// ValidateStringLength validates string length against bounds
func ValidateStringLength(value, fieldName string, minLength, maxLength int) error {
	if len(value) < minLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too short (min %d characters)", fieldName, minLength)).
			WithUserMessage(fmt.Sprintf("%s must be at least %d characters", fieldName, minLength))
	}

	if len(value) > maxLength {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too long (max %d characters)", fieldName, maxLength)).
			WithUserMessage(fmt.Sprintf("%s must be at most %d characters", fieldName, maxLength))
	}

	return nil
}

// ValidateNumericRange validates numeric values against bounds
func ValidateNumericRange(value int, fieldName string, min, max int) error {
	if value < min {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too small (min %d)", fieldName, min)).
			WithUserMessage(fmt.Sprintf("%s must be at least %d", fieldName, min))
	}

	if value > max {
		return errors.New(errors.ErrCodeInvalidInput,
			fmt.Sprintf("%s too large (max %d)", fieldName, max)).
			WithUserMessage(fmt.Sprintf("%s must be at most %d", fieldName, max))
	}

	return nil
}

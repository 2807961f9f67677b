package validation

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"omnidesk/internal/errors"
	"omnidesk/internal/models"

	"github.com/stretchr/testify/assert"
)

func TestValidateIdentifier(t *testing.T) {
	tests := []struct {
		name        string
		id          string
		expectError bool
	}{
		{name: "uuid", id: "6f1c2d8e-2f4b-4c55-9a53-0c1e8f5d1b7a"},
		{name: "prefixed agent id", id: "agent-7"},
		{name: "empty", id: "", expectError: true},
		{name: "blank", id: "   ", expectError: true},
		{name: "too long", id: strings.Repeat("a", 257), expectError: true},
		{name: "newline", id: "agent\n7", expectError: true},
		{name: "nul byte", id: "agent\x007", expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateIdentifier("agent id", tt.id)
			if tt.expectError {
				assert.Error(t, err)
				assert.Equal(t, errors.ErrCodeValidationFailed, errors.GetCode(err))
				assert.Equal(t, http.StatusBadRequest, errors.HTTPStatusCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateRecipient(t *testing.T) {
	assert.NoError(t, ValidateRecipient(models.Recipient{Type: models.RecipientAgent, ID: "agent-7"}))
	assert.NoError(t, ValidateRecipient(models.Recipient{Type: models.RecipientCompany, ID: "acme"}))
	assert.Error(t, ValidateRecipient(models.Recipient{Type: "team", ID: "x"}))
	assert.Error(t, ValidateRecipient(models.Recipient{Type: models.RecipientUser}))
	assert.Error(t, ValidateRecipient(models.Recipient{Type: models.RecipientUser, ID: "u\r1"}))
}

func TestValidateEnums(t *testing.T) {
	assert.NoError(t, ValidateAgentStatus(models.AgentActive))
	assert.Error(t, ValidateAgentStatus("sleeping"))

	assert.NoError(t, ValidatePriority(""))
	assert.NoError(t, ValidatePriority(models.PriorityUrgent))
	assert.Error(t, ValidatePriority("critical"))

	assert.NoError(t, ValidateReason(models.ReasonManual))
	assert.Error(t, ValidateReason(""))
	assert.Error(t, ValidateReason("bored"))
}

func TestValidateQuietHours(t *testing.T) {
	tests := []struct {
		name        string
		q           models.QuietHours
		expectError bool
	}{
		{name: "disabled ignores fields", q: models.QuietHours{Start: "nonsense"}},
		{name: "wraps midnight", q: models.QuietHours{Enabled: true, Start: "22:00", End: "07:30"}},
		{name: "with timezone", q: models.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "UTC"}},
		{name: "bad hour", q: models.QuietHours{Enabled: true, Start: "24:00", End: "07:00"}, expectError: true},
		{name: "bad minute", q: models.QuietHours{Enabled: true, Start: "22:00", End: "07:60"}, expectError: true},
		{name: "single digit", q: models.QuietHours{Enabled: true, Start: "9:00", End: "17:00"}, expectError: true},
		{name: "unknown zone", q: models.QuietHours{Enabled: true, Start: "22:00", End: "07:00", Timezone: "Mars/Olympus"}, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateQuietHours(tt.q)
			if tt.expectError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateHTTPRequestSize(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp/acme", strings.NewReader("{}"))
	assert.NoError(t, ValidateHTTPRequestSize(req, 1024))

	req.ContentLength = 2048
	err := ValidateHTTPRequestSize(req, 1024)
	assert.Error(t, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, errors.HTTPStatusCode(err))

	// unknown length is left to the body reader
	req.ContentLength = -1
	assert.NoError(t, ValidateHTTPRequestSize(req, 1024))
}

func TestValidateStringLength(t *testing.T) {
	tests := []struct {
		name        string
		value       string
		minLength   int
		maxLength   int
		expectError bool
	}{
		{name: "within bounds", value: "hello", minLength: 1, maxLength: 10},
		{name: "minimum", value: "h", minLength: 1, maxLength: 10},
		{name: "maximum", value: "1234567890", minLength: 1, maxLength: 10},
		{name: "too short", value: "", minLength: 1, maxLength: 10, expectError: true},
		{name: "too long", value: "12345678901", minLength: 1, maxLength: 10, expectError: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateStringLength(tt.value, "notes", tt.minLength, tt.maxLength)
			if tt.expectError {
				assert.Error(t, err)
				assert.Equal(t, errors.ErrCodeInvalidInput, errors.GetCode(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateNumericRange(t *testing.T) {
	assert.NoError(t, ValidateNumericRange(5, "max conversations", 1, 50))
	assert.NoError(t, ValidateNumericRange(1, "max conversations", 1, 50))
	assert.NoError(t, ValidateNumericRange(50, "max conversations", 1, 50))

	err := ValidateNumericRange(0, "max conversations", 1, 50)
	assert.Error(t, err)
	assert.Equal(t, "max conversations must be at least 1", errors.GetUserMessage(err))

	err = ValidateNumericRange(51, "max conversations", 1, 50)
	assert.Error(t, err)
	assert.Equal(t, "max conversations must be at most 50", errors.GetUserMessage(err))
}

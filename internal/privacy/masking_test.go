package privacy

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMaskPhoneNumber(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"+15551234567", "+*******4567"},
		{"15551234567", "*******4567"},
		{"", ""},
		{"+123", "+***"},
		{"1234", "****"},
		{"+12345", "+*2345"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, MaskPhoneNumber(tt.input), tt.input)
	}
}

func TestMaskUserID(t *testing.T) {
	assert.Equal(t, "*****E7LH", MaskUserID("U024BE7LH"))
	assert.Equal(t, "*******4567", MaskUserID("15551234567"))
	assert.Equal(t, "***", MaskUserID("abc"))
	assert.Equal(t, "", MaskUserID(""))
}

func TestMaskExternalID(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"-100123456:42", "******3456:42"},
		{"C024BE91L:1700000000.000100", "*****E91L:1700000000.000100"},
		{"wamid.HBgLMTU1NTEy", "**********MTU1NTEy"},
		{"short", "*****"},
		{":leading", "********"},
		{"", ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, MaskExternalID(tt.input), tt.input)
	}
}

func TestMaskEmailAndSecret(t *testing.T) {
	assert.Equal(t, "d***@example.com", MaskEmail("dana@example.com"))
	assert.Equal(t, "****", MaskEmail("nope"))
	assert.Equal(t, "****", MaskSecret("short"))
	assert.Equal(t, "EA****yz", MaskSecret("EAAGm0PX4ZCpsBAxyz"))
	assert.Equal(t, "", MaskSecret(""))
}

func TestMaskSensitiveFields(t *testing.T) {
	fields := map[string]any{
		"sender_id":   "15551234567",
		"external_id": "-100123456:42",
		"bot_token":   "123456:ABCDEFGHIJ",
		"company_id":  "acme",
		"count":       3,
	}

	masked := MaskSensitiveFields(fields)
	assert.Equal(t, "*******4567", masked["sender_id"])
	assert.Equal(t, "******3456:42", masked["external_id"])
	assert.Equal(t, "12****IJ", masked["bot_token"])
	assert.Equal(t, "acme", masked["company_id"])
	assert.Equal(t, 3, masked["count"])
	assert.Nil(t, MaskSensitiveFields(nil))
}

func TestMasker(t *testing.T) {
	quiet := Masker{}
	verbose := Masker{Verbose: true}

	assert.Equal(t, "*****E7LH", quiet.UserID("U024BE7LH"))
	assert.Equal(t, "U024BE7LH", verbose.UserID("U024BE7LH"))
	assert.Equal(t, "-100123456:42", verbose.ExternalID("-100123456:42"))

	fields := verbose.Fields(map[string]any{"sender_id": "U024BE7LH", "secret": "supersecretvalue"})
	assert.Equal(t, "U024BE7LH", fields["sender_id"])
	assert.Equal(t, "su****ue", fields["secret"])
}

package privacy

import (
	"strings"
)

// MaskPhoneNumber masks a phone number showing only the last 4 digits
// Example: "+15551234567" -> "+*******4567"
func MaskPhoneNumber(phone string) string {
	if phone == "" {
		return ""
	}
	if strings.HasPrefix(phone, "+") {
		return "+" + maskString(phone[1:], 4)
	}
	return maskString(phone, 4)
}

// MaskUserID masks an opaque user identifier.
// Example: "U024BE7LH" -> "*****E7LH"
func MaskUserID(userID string) string {
	if looksLikePhone(userID) {
		return MaskPhoneNumber(userID)
	}
	return maskString(userID, 4)
}

// MaskExternalID masks a provider message id. Composite "<chat>:<id>" ids
// keep the message part readable and mask the chat part.
// Example: "-100123456:42" -> "******3456:42"
func MaskExternalID(id string) string {
	if id == "" {
		return ""
	}
	if i := strings.LastIndex(id, ":"); i > 0 && i < len(id)-1 {
		return MaskUserID(id[:i]) + id[i:]
	}
	return maskString(id, 8)
}

// MaskEmail keeps the domain and the first character of the local part.
// Example: "dana@example.com" -> "d***@example.com"
func MaskEmail(email string) string {
	at := strings.LastIndex(email, "@")
	if at <= 0 {
		return maskString(email, 4)
	}
	local := email[:at]
	return local[:1] + strings.Repeat("*", len(local)-1) + email[at:]
}

// MaskSecret hides everything but the length class of a credential.
func MaskSecret(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:2] + "****" + secret[len(secret)-2:]
}

// maskString masks a string showing only the last n characters
func maskString(s string, keepLast int) string {
	if s == "" {
		return ""
	}
	if len(s) <= keepLast {
		return strings.Repeat("*", len(s))
	}
	return strings.Repeat("*", len(s)-keepLast) + s[len(s)-keepLast:]
}

func looksLikePhone(s string) bool {
	digits := strings.TrimPrefix(s, "+")
	if len(digits) < 10 {
		return false
	}
	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// MaskSensitiveFields applies appropriate masking to common logging fields
func MaskSensitiveFields(fields map[string]any) map[string]any {
	if fields == nil {
		return nil
	}

	masked := make(map[string]any, len(fields))
	for k, v := range fields {
		s, ok := v.(string)
		if !ok {
			masked[k] = v
			continue
		}
		switch k {
		case "phone", "phone_number":
			masked[k] = MaskPhoneNumber(s)
		case "sender_id", "recipient_id", "end_user_id", "user_id", "from", "to":
			masked[k] = MaskUserID(s)
		case "external_id", "message_id", "reply_to_id":
			masked[k] = MaskExternalID(s)
		case "email":
			masked[k] = MaskEmail(s)
		case "token", "secret", "password", "access_token", "bot_token":
			masked[k] = MaskSecret(s)
		default:
			masked[k] = v
		}
	}
	return masked
}

// Masker applies masking unless verbose logging is enabled.
type Masker struct {
	Verbose bool
}

// UserID masks id unless verbose.
func (m Masker) UserID(id string) string {
	if m.Verbose {
		return id
	}
	return MaskUserID(id)
}

// ExternalID masks id unless verbose.
func (m Masker) ExternalID(id string) string {
	if m.Verbose {
		return id
	}
	return MaskExternalID(id)
}

// Fields masks known sensitive keys unless verbose. Secrets are always masked.
func (m Masker) Fields(fields map[string]any) map[string]any {
	if !m.Verbose {
		return MaskSensitiveFields(fields)
	}
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		switch k {
		case "token", "secret", "password", "access_token", "bot_token":
			if s, ok := v.(string); ok {
				v = MaskSecret(s)
			}
		}
		out[k] = v
	}
	return out
}

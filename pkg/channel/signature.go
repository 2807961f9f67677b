package channel

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"
)

// HMACSHA256Hex signs payload with secret and returns the lowercase hex digest.
func HMACSHA256Hex(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMACSHA256 checks a hex HMAC-SHA256 signature, with or without the
// "sha256=" prefix.
func VerifyHMACSHA256(payload []byte, provided, secret string) bool {
	provided = strings.TrimSpace(provided)
	if provided == "" || secret == "" {
		return false
	}
	if i := strings.IndexByte(provided, '='); i >= 0 {
		if !strings.EqualFold(provided[:i], "sha256") {
			return false
		}
		provided = provided[i+1:]
	}
	expected, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hmac.Equal(mac.Sum(nil), expected)
}

// TokenEqual compares two static tokens in constant time. Empty values never match.
func TokenEqual(provided, expected string) bool {
	if provided == "" || expected == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(provided), []byte(expected)) == 1
}

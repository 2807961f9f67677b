package middleware

import (
	"net/http"
	"strings"

	"omnidesk/internal/service"
	"omnidesk/internal/tracing"

	"github.com/sirupsen/logrus"
)

// sensitiveHeaders are masked in debug request logs. Provider signature
// headers are included since they authenticate webhook bodies.
var sensitiveHeaders = map[string]bool{
	"authorization":                   true,
	"cookie":                          true,
	"x-api-key":                       true,
	"x-hub-signature-256":             true,
	"x-slack-signature":               true,
	"x-telegram-bot-api-secret-token": true,
	"x-webhook-signature":             true,
}

// DebugHeaders logs request headers at debug level with credentials masked.
// It does nothing unless the logger is at debug level.
func DebugHeaders(logger *logrus.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if logger.IsLevelEnabled(logrus.DebugLevel) {
				logger.WithFields(logrus.Fields{
					service.LogFieldRequestID: tracing.GetRequestID(r.Context()),
					service.LogFieldMethod:    r.Method,
					service.LogFieldURL:       r.URL.Path,
					"headers":                 MaskHeaders(r.Header),
				}).Debug("HTTP request headers")
			}
			next.ServeHTTP(w, r)
		})
	}
}

// MaskHeaders flattens headers and masks credential-bearing ones.
func MaskHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for name, values := range h {
		value := strings.Join(values, ", ")
		if sensitiveHeaders[strings.ToLower(name)] {
			value = "[REDACTED]"
		}
		out[name] = value
	}
	return out
}

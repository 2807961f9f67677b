package service

import (
	"context"
	"fmt"
	"strings"

	"omnidesk/internal/constants"
	"omnidesk/internal/privacy"

	"github.com/sirupsen/logrus"
)

// ContextKey is a package-local type to prevent context key collisions
type ContextKey string

// VerboseContextKey is the strongly-typed context key for verbose logging flag
const VerboseContextKey ContextKey = "verbose"

// WithVerbose marks ctx for unmasked logging.
func WithVerbose(ctx context.Context, verbose bool) context.Context {
	return context.WithValue(ctx, VerboseContextKey, verbose)
}

// IsVerboseLogging checks if verbose logging is enabled from context
func IsVerboseLogging(ctx context.Context) bool {
	if verbose, ok := ctx.Value(VerboseContextKey).(bool); ok {
		return verbose
	}
	return false
}

// MaskerFor returns a masker honouring the context's verbose flag.
func MaskerFor(ctx context.Context) privacy.Masker {
	return privacy.Masker{Verbose: IsVerboseLogging(ctx)}
}

// SanitizeContent completely hides message content for privacy
func SanitizeContent(content string) string {
	if content == "" {
		return ""
	}
	return "[hidden]"
}

// ValidateIdentifier checks provider-issued ids before they reach a provider
// API or a push topic.
func ValidateIdentifier(kind, id string) error {
	if strings.TrimSpace(id) == "" {
		return fmt.Errorf("%s cannot be empty", kind)
	}
	if len(id) > constants.MaxIdentifierLength {
		return fmt.Errorf("%s too long (max %d characters)", kind, constants.MaxIdentifierLength)
	}
	if strings.ContainsAny(id, "\x00\n\r\t") {
		return fmt.Errorf("%s contains invalid characters", kind)
	}
	return nil
}

// LogInboundMessage logs one accepted inbound message with privacy controls.
func LogInboundMessage(ctx context.Context, logger *logrus.Logger, companyID, conversationID, channelName, externalID, senderID, content string) {
	m := MaskerFor(ctx)
	fields := logrus.Fields{
		LogFieldCompany:      companyID,
		LogFieldChannel:      channelName,
		LogFieldConversation: m.UserID(conversationID),
		LogFieldExternalID:   m.ExternalID(externalID),
		LogFieldSender:       m.UserID(senderID),
	}
	if m.Verbose {
		fields["content"] = content
	} else {
		fields["content"] = SanitizeContent(content)
	}
	logger.WithFields(fields).Info("Processing inbound message")
}

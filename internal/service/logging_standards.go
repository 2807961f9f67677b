package service

// Logging Standards for omnidesk
//
// Standard field names shared by every component. Use these exact names so
// log queries work across the webhook, outbound, handover and push paths.
const (
	// Tenant and routing
	LogFieldCompany      = "company_id"
	LogFieldChannel      = "channel"
	LogFieldConversation = "conversation_id"
	LogFieldEscalation   = "escalation_id"
	LogFieldAgent        = "agent_id"
	LogFieldUser         = "user_id"
	LogFieldRecipient    = "recipient_id"
	LogFieldSender       = "sender_id"
	LogFieldExternalID   = "external_id"
	LogFieldNotification = "notification_id"

	// Service and operation fields
	LogFieldService   = "service"
	LogFieldOperation = "operation"
	LogFieldComponent = "component"
	LogFieldJob       = "job"

	// Message and event fields
	LogFieldEvent       = "event"
	LogFieldContentType = "content_type"
	LogFieldStatus      = "status"
	LogFieldReason      = "reason"
	LogFieldPriority    = "priority"
	LogFieldTopic       = "topic"

	// Performance and metrics
	LogFieldDuration = "duration_ms"
	LogFieldCount    = "count"
	LogFieldSize     = "size_bytes"

	// HTTP
	LogFieldRequestID  = "request_id"
	LogFieldTraceID    = "trace_id"
	LogFieldMethod     = "method"
	LogFieldURL        = "url"
	LogFieldRoute      = "route"
	LogFieldStatusCode = "status_code"
	LogFieldRemoteIP   = "remote_ip"

	// Error and debugging
	LogFieldErrorCode = "error_code"
	LogFieldAttempt   = "attempt"
)

// Log Level Usage Guidelines
//
// DEBUG: typing/read receipt failures, duplicate deliveries, raw headers.
// INFO: startup/shutdown, escalation lifecycle transitions, config reloads.
// WARN: malformed inbound payloads, signature failures, retryable provider
// errors, open circuit breakers, best-effort store writes that failed.
// ERROR: failed outbound sends, store failures on the request path.
// FATAL: only from cmd/omnidesk when startup cannot proceed.
//
// Message patterns: "Starting <operation>", "Failed to <operation>",
// "Skipping <operation>: <reason>".

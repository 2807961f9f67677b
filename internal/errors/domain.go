package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"

	"omnidesk/internal/handover"
	"omnidesk/pkg/channel"
	"omnidesk/pkg/circuitbreaker"
)

// FromChannelError converts adapter failures into AppErrors. Errors that are
// already AppErrors, or that carry no channel type, are returned unchanged.
func FromChannelError(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := As(err); ok {
		return err
	}

	var cfgErr *channel.ConfigError
	if stderrors.As(err, &cfgErr) {
		return Wrap(err, ErrCodeMissingConfig, fmt.Sprintf("%s channel is not configured", cfgErr.Channel)).
			WithContext("channel", string(cfgErr.Channel)).
			WithContext("field", cfgErr.Field).
			WithUserMessage(fmt.Sprintf("reconnect your %s account", cfgErr.Channel))
	}

	var unsupported *channel.UnsupportedError
	if stderrors.As(err, &unsupported) {
		appErr := Wrap(err, ErrCodeUnsupported, unsupported.Error()).
			WithContext("channel", string(unsupported.Channel)).
			WithUserMessage(unsupported.Error())
		if unsupported.Capability == "" {
			return appErr.WithStatus(http.StatusNotFound)
		}
		return appErr.WithContext("capability", unsupported.Capability)
	}

	var apiErr *channel.APIError
	if stderrors.As(err, &apiErr) {
		appErr := Wrap(err, ErrCodeChannelAPI, fmt.Sprintf("%s %s failed", apiErr.Channel, apiErr.Operation)).
			WithContext("channel", string(apiErr.Channel)).
			WithContext("status_code", apiErr.StatusCode).
			WithContext("provider_response", apiErr.Body).
			WithUserMessage(fmt.Sprintf("%s rejected the request", apiErr.Channel))
		appErr.Retryable = apiErr.Retryable()
		return appErr
	}

	if stderrors.Is(err, channel.ErrUntrustedHost) {
		return Wrap(err, ErrCodeValidationFailed, "URL host is not allowed for this channel").
			WithUserMessage("The URL points to a host this channel does not trust")
	}

	if stderrors.Is(err, channel.ErrMalformedPayload) {
		return Wrap(err, ErrCodeInvalidInput, "malformed payload").WithUserMessage("Malformed payload")
	}

	var cbErr *circuitbreaker.CircuitBreakerError
	if stderrors.As(err, &cbErr) {
		return WrapRetryable(err, ErrCodeChannelAPI, "channel temporarily disabled").
			WithContext("circuit_breaker", cbErr.Name).
			WithUserMessage("The channel is temporarily unavailable, please try again later").
			WithStatus(http.StatusServiceUnavailable)
	}
	return err
}

// FromHandover converts handover engine sentinels into AppErrors.
func FromHandover(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case stderrors.Is(err, handover.ErrNotFound):
		return Wrap(err, ErrCodeNotFound, "escalation not found").WithUserMessage("Escalation not found")
	case stderrors.Is(err, handover.ErrInvalidTransition):
		return Wrap(err, ErrCodeConflict, "invalid escalation transition").WithUserMessage("The escalation cannot move to that state")
	case stderrors.Is(err, handover.ErrAgentUnavailable):
		return Wrap(err, ErrCodeConflict, "agent unavailable").WithUserMessage("The agent cannot take more conversations")
	case stderrors.Is(err, handover.ErrEscalationExists):
		return Wrap(err, ErrCodeConflict, "escalation already open").WithUserMessage("The conversation is already escalated")
	case stderrors.Is(err, handover.ErrInvalidRequest):
		return Wrap(err, ErrCodeValidationFailed, err.Error()).WithUserMessage(err.Error())
	}
	return err
}

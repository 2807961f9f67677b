package channel

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrMalformedPayload marks inbound bodies that could not be decoded at all.
	ErrMalformedPayload = errors.New("malformed payload")
	// ErrUnsupported marks a capability an adapter does not implement.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrUnsupportedChannel marks a registry lookup miss.
	ErrUnsupportedChannel = errors.New("unsupported channel")
	// ErrUntrustedHost marks a request-supplied URL outside a channel's HostPolicy.
	ErrUntrustedHost = errors.New("untrusted host")
)

// ConfigError reports a missing or invalid ChannelConfig field.
type ConfigError struct {
	Channel Type
	Field   string
	Reason  string
}

func (e *ConfigError) Error() string {
	reason := e.Reason
	if reason == "" {
		reason = "missing"
	}
	return fmt.Sprintf("%s: configuration field %q is %s", e.Channel, e.Field, reason)
}

// APIError is returned when a provider rejects an outbound call. Body holds
// the provider's raw response so it can be shown to the tenant.
type APIError struct {
	Channel    Type
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s failed with status %d: %s", e.Channel, e.Operation, e.StatusCode, e.Body)
}

// Retryable reports whether the provider signalled a transient failure.
func (e *APIError) Retryable() bool {
	return e.StatusCode >= http.StatusInternalServerError ||
		e.StatusCode == http.StatusTooManyRequests ||
		e.StatusCode == http.StatusRequestTimeout
}

// UnsupportedError reports an unknown channel or a capability the channel
// does not offer.
type UnsupportedError struct {
	Channel    Type
	Capability string
}

func (e *UnsupportedError) Error() string {
	if e.Capability == "" {
		return fmt.Sprintf("unsupported channel: %s", e.Channel)
	}
	return fmt.Sprintf("%s: %s is not supported", e.Channel, e.Capability)
}

func (e *UnsupportedError) Unwrap() error {
	if e.Capability == "" {
		return ErrUnsupportedChannel
	}
	return ErrUnsupported
}

// NewUnsupportedChannel builds the registry miss error.
func NewUnsupportedChannel(ch Type) error {
	return &UnsupportedError{Channel: ch}
}

// NewUnsupportedCapability builds the error for an unimplemented operation.
func NewUnsupportedCapability(ch Type, capability string) error {
	return &UnsupportedError{Channel: ch, Capability: capability}
}

// Malformed wraps a decode failure with ErrMalformedPayload.
func Malformed(ch Type, err error) error {
	return fmt.Errorf("%s: %w: %v", ch, ErrMalformedPayload, err)
}

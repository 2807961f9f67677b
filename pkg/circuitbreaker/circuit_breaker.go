package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// State represents the state of a circuit breaker
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// String returns the string representation of the state
func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// ErrOpen is matched by every CircuitBreakerError.
var ErrOpen = errors.New("circuit breaker open")

const defaultHalfOpenMaxCalls = 3

// Option customizes a CircuitBreaker.
type Option func(*CircuitBreaker)

// WithLogger sets the logger used for state transitions.
func WithLogger(logger *logrus.Logger) Option {
	return func(cb *CircuitBreaker) { cb.logger = logger }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithHalfOpenMaxCalls sets how many trial calls are admitted, and must
// succeed, before a half-open breaker closes.
func WithHalfOpenMaxCalls(n uint32) Option {
	return func(cb *CircuitBreaker) {
		if n > 0 {
			cb.halfOpenMaxCalls = n
		}
	}
}

// WithFailurePredicate decides which errors count against the breaker.
// Errors for which it returns false are passed through without tripping.
func WithFailurePredicate(fn func(error) bool) Option {
	return func(cb *CircuitBreaker) { cb.isFailure = fn }
}

// WithStateChange registers a callback run after every transition, outside
// the breaker lock.
func WithStateChange(fn func(name string, from, to State)) Option {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// CircuitBreaker implements the circuit breaker pattern for external service calls
type CircuitBreaker struct {
	name             string
	maxFailures      uint32
	timeout          time.Duration
	halfOpenMaxCalls uint32

	mu              sync.Mutex
	state           State
	failures        uint32
	lastFailureTime time.Time
	halfOpenCalls   uint32
	successCount    uint32
	requestCount    uint32

	now           func() time.Time
	isFailure     func(error) bool
	onStateChange func(name string, from, to State)
	logger        *logrus.Logger
}

// New creates a new circuit breaker
func New(name string, maxFailures uint32, timeout time.Duration, opts ...Option) *CircuitBreaker {
	cb := &CircuitBreaker{
		name:             name,
		maxFailures:      maxFailures,
		timeout:          timeout,
		halfOpenMaxCalls: defaultHalfOpenMaxCalls,
		state:            StateClosed,
		now:              time.Now,
		isFailure:        func(err error) bool { return err != nil },
		logger:           logrus.New(),
	}
	for _, opt := range opts {
		opt(cb)
	}
	if cb.maxFailures == 0 {
		cb.maxFailures = 1
	}
	return cb
}

// Name returns the breaker name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Execute runs fn if the breaker admits the call and records its outcome.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	state, ok := cb.allowRequest()
	if !ok {
		return &CircuitBreakerError{Name: cb.name, State: state}
	}

	err := fn(ctx)
	if err != nil && cb.isFailure(err) {
		cb.onFailure()
		return err
	}
	cb.onSuccess()
	return err
}

// allowRequest admits a call, moving an expired open breaker to half-open.
func (cb *CircuitBreaker) allowRequest() (State, bool) {
	cb.mu.Lock()
	var transition func()
	defer func() {
		cb.mu.Unlock()
		if transition != nil {
			transition()
		}
	}()

	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.timeout {
		transition = cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		cb.requestCount++
		return cb.state, true
	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.halfOpenMaxCalls {
			return cb.state, false
		}
		cb.halfOpenCalls++
		cb.requestCount++
		return cb.state, true
	}
	return cb.state, false
}

func (cb *CircuitBreaker) onSuccess() {
	cb.mu.Lock()
	var transition func()
	switch cb.state {
	case StateHalfOpen:
		cb.successCount++
		if cb.successCount >= cb.halfOpenMaxCalls {
			transition = cb.setState(StateClosed)
		}
	case StateClosed:
		cb.failures = 0
		cb.successCount++
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

func (cb *CircuitBreaker) onFailure() {
	cb.mu.Lock()
	var transition func()
	cb.failures++
	cb.lastFailureTime = cb.now()
	switch cb.state {
	case StateClosed:
		if cb.failures >= cb.maxFailures {
			transition = cb.setState(StateOpen)
		}
	case StateHalfOpen:
		transition = cb.setState(StateOpen)
	}
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// setState must be called with cb.mu held. It returns the notification to
// run once the lock is released.
func (cb *CircuitBreaker) setState(to State) func() {
	from := cb.state
	if from == to {
		return nil
	}
	cb.state = to
	cb.halfOpenCalls = 0
	cb.successCount = 0
	if to == StateClosed {
		cb.failures = 0
	}

	fields := logrus.Fields{
		"circuit_breaker": cb.name,
		"from":            from.String(),
		"state":           to.String(),
		"failures":        cb.failures,
	}
	logger, hook := cb.logger, cb.onStateChange
	return func() {
		if to == StateOpen {
			logger.WithFields(fields).Warn("Circuit breaker opened due to failures")
		} else {
			logger.WithFields(fields).Info("Circuit breaker state changed")
		}
		if hook != nil {
			hook(cb.name, from, to)
		}
	}
}

// GetState returns the current state, reporting an expired open breaker as
// half-open.
func (cb *CircuitBreaker) GetState() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state == StateOpen && cb.now().Sub(cb.lastFailureTime) >= cb.timeout {
		return StateHalfOpen
	}
	return cb.state
}

// Reset forces the breaker closed.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	transition := cb.setState(StateClosed)
	cb.failures = 0
	cb.mu.Unlock()
	if transition != nil {
		transition()
	}
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() Stats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		Failures:        cb.failures,
		Requests:        cb.requestCount,
		Successes:       cb.successCount,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Stats represents circuit breaker statistics
type Stats struct {
	Name            string
	State           State
	Failures        uint32
	Requests        uint32
	Successes       uint32
	LastFailureTime time.Time
}

// CircuitBreakerError is returned when a call is rejected without running.
type CircuitBreakerError struct {
	Name  string
	State State
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State)
}

func (e *CircuitBreakerError) Is(target error) bool {
	return target == ErrOpen
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

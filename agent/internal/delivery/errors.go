package delivery

import (
	"errors"
	"fmt"
	"time"
)

// ErrBatchStopped is the Err of records that were not sent because an
// earlier record of the same batch ended unreachable.
var ErrBatchStopped = errors.New("delivery: batch stopped by an earlier unreachable record")

// ConfigurationError means the client cannot be built from the agent config.
// The agent keeps capturing and buffering while it persists.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string {
	return "delivery: configuration: " + e.Reason
}

// TransportError wraps a connection failure or timeout. Retryable.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("delivery: transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// ServerBusyError is a 5xx or 429 answer. Retryable.
type ServerBusyError struct {
	StatusCode int
	Message    string
	// RetryAfter is the server's requested wait, zero when absent.
	RetryAfter time.Duration
}

func (e *ServerBusyError) Error() string {
	return fmt.Sprintf("delivery: server busy: status %d: %s", e.StatusCode, e.Message)
}

// RejectedError is a non-retryable non-2xx answer for one record.
type RejectedError struct {
	StatusCode int
	Message    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("delivery: rejected: status %d: %s", e.StatusCode, e.Message)
}

// retryable reports whether err is worth another attempt.
func retryable(err error) bool {
	var te *TransportError
	var be *ServerBusyError
	return errors.As(err, &te) || errors.As(err, &be)
}

// File: internal/automation/errors.go
package automation

import (
	"fmt"
	"time"
)

// Typed errors let callers classify failures with errors.As instead of
// string matching. Only *ConnectionError is transient: it is the sole error
// the retry loop repeats and the sole error the circuit breaker counts.

// ConnectionError wraps a network or timeout failure reaching the automation
// endpoint. It is retried with backoff and counted by the circuit breaker.
type ConnectionError struct {
	Op  string // "call", "health", "ready"
	URL string
	Err error
}

// Error implements the error interface.
func (e *ConnectionError) Error() string {
	return fmt.Sprintf("automation: connection failure during %s to %s: %v", e.Op, e.URL, e.Err)
}

// Unwrap provides the underlying error for use with errors.Is/As.
func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// NewConnectionError creates a new ConnectionError.
func NewConnectionError(op, url string, err error) *ConnectionError {
	return &ConnectionError{Op: op, URL: url, Err: err}
}

// ProtocolError is a well-formed error response from the automation endpoint:
// a non-2xx status or an undecodable body. The server is reachable, so the
// error is not transient and is never retried.
type ProtocolError struct {
	Tool       string
	StatusCode int
	Message    string
}

// Error implements the error interface.
func (e *ProtocolError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("automation: tool %q failed with status %d: %s", e.Tool, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("automation: tool %q failed: %s", e.Tool, e.Message)
}

// CircuitOpenError is returned while the circuit breaker is open, rejecting
// the call without any network I/O. RetryAfter is how long until the breaker
// will allow a recovery probe.
type CircuitOpenError struct {
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("automation: circuit breaker is open, next probe allowed in %s", e.RetryAfter.Round(time.Millisecond))
}

package schemas

import (
	"errors"
	"fmt"
)

// Sentinel errors forming the session-level error taxonomy. Components wrap
// these with %w so callers can classify with errors.Is.
var (
	// ErrInvalidTarget means the target string could not be normalized.
	ErrInvalidTarget = errors.New("invalid target")
	// ErrUnauthorized means the authorization guard rejected the target.
	// Fatal to the session; never retried.
	ErrUnauthorized = errors.New("target not authorized")
	// ErrNoProviderAvailable means every provider in the required capability
	// class is unavailable.
	ErrNoProviderAvailable = errors.New("no provider available")
	// ErrToolNotFound means the requested tool binding does not exist.
	ErrToolNotFound = errors.New("tool not found")
	// ErrToolTimeout means a tool invocation exceeded its execution window
	// and the underlying process was terminated.
	ErrToolTimeout = errors.New("tool execution timed out")
	// ErrSessionNotFound is returned by lookups for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
	// ErrTokenNotFound is returned when resolving an unknown confirmation token.
	ErrTokenNotFound = errors.New("confirmation token not found")
)

// DenialError carries the reason the authorization guard rejected a target.
// It unwraps to ErrUnauthorized.
type DenialError struct {
	Target string
	Reason string
}

func (e *DenialError) Error() string {
	return fmt.Sprintf("target %q denied: %s", e.Target, e.Reason)
}

func (e *DenialError) Unwrap() error { return ErrUnauthorized }

// ExecutionError reports a tool that ran to completion with a non-zero exit
// status. The captured stderr travels with the error for analysis.
type ExecutionError struct {
	Tool     string
	ExitCode int
	Stderr   string
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("tool %q exited with code %d", e.Tool, e.ExitCode)
}

// ProviderError classifies a single provider call failure so the router can
// decide between retry, failover, and permanent removal.
type ProviderError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q call failed (status %d): %v", e.Provider, e.StatusCode, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// Transient reports whether the failure should be retried and, past the
// failure threshold, failed over: timeouts, rate limits, and 5xx responses.
func (e *ProviderError) Transient() bool {
	if e.StatusCode == 429 || e.StatusCode >= 500 {
		return true
	}
	// Status zero means the call never produced an HTTP response (network
	// error or deadline), which is transient by definition.
	return e.StatusCode == 0
}

// AuthFailure reports a 401/403, which marks the provider unavailable for the
// rest of the session rather than retrying.
func (e *ProviderError) AuthFailure() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

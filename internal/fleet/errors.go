// ABOUTME: Error taxonomy shared by every control plane component.
// ABOUTME: Typed errors for validation, conflicts, transport and push failures.

package fleet

import (
	"errors"
	"fmt"
)

// ErrNotFound indicates the requested record does not exist.
var ErrNotFound = errors.New("not found")

// ErrStoreUnavailable indicates the persistence layer could not be reached.
var ErrStoreUnavailable = errors.New("store unavailable")

// ValidationError reports malformed input from an administrative operation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// Invalid builds a ValidationError.
func Invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// ConflictError reports a uniqueness or concurrent-write violation.
type ConflictError struct {
	Kind string
	Key  string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q already exists", e.Kind, e.Key)
}

// Conflict builds a ConflictError.
func Conflict(kind, key string) error {
	return &ConflictError{Kind: kind, Key: key}
}

// TransientNetworkError wraps a delivery failure that may succeed on retry.
type TransientNetworkError struct {
	AgentID string
	Err     error
}

func (e *TransientNetworkError) Error() string {
	return fmt.Sprintf("transient network error for agent %s: %v", e.AgentID, e.Err)
}

func (e *TransientNetworkError) Unwrap() error { return e.Err }

// PushFailedError reports that a target was abandoned after exhausting retries.
type PushFailedError struct {
	AgentID    string
	TargetHash string
	Attempts   int
	Reason     string
}

func (e *PushFailedError) Error() string {
	return fmt.Sprintf("push of %s to agent %s failed after %d attempts: %s",
		e.TargetHash, e.AgentID, e.Attempts, e.Reason)
}

// NotFoundf wraps ErrNotFound with the missing record's identity.
func NotFoundf(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, ErrNotFound)
}

// IsValidation reports whether err is a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsConflict reports whether err is a ConflictError.
func IsConflict(err error) bool {
	var c *ConflictError
	return errors.As(err, &c)
}

// Package fault defines the error taxonomy shared by the coordination engine.
//
// Validation errors are recovered locally and handed back to the calling
// agent as tool results. Store errors isolate to one mailbox or task record.
// Model errors end the current turn and count against the agent that ran it.
package fault

import (
	"errors"
	"fmt"
)

// ValidationError reports a rejected tool argument, dependency violation or
// hierarchy violation.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Reason
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Reason)
}

// Invalid returns a ValidationError for field.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// StoreError wraps a read or write failure on a single mailbox or task record.
type StoreError struct {
	Store string // "mailbox" or "tasks"
	Key   string
	Err   error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("%s store: %s: %v", e.Store, e.Key, e.Err)
}

func (e *StoreError) Unwrap() error { return e.Err }

// ModelError wraps a failed model invocation.
type ModelError struct {
	Provider  string
	Model     string
	Retryable bool
	Err       error
}

func (e *ModelError) Error() string {
	return fmt.Sprintf("model %s/%s: %v", e.Provider, e.Model, e.Err)
}

func (e *ModelError) Unwrap() error { return e.Err }

// IsValidation reports whether err wraps a ValidationError.
func IsValidation(err error) bool {
	var v *ValidationError
	return errors.As(err, &v)
}

// IsStore reports whether err wraps a StoreError.
func IsStore(err error) bool {
	var s *StoreError
	return errors.As(err, &s)
}

// IsModel reports whether err wraps a ModelError.
func IsModel(err error) bool {
	var m *ModelError
	return errors.As(err, &m)
}

// Retryable reports whether err is a ModelError flagged as transient.
func Retryable(err error) bool {
	var m *ModelError
	if errors.As(err, &m) {
		return m.Retryable
	}
	return false
}

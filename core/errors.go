package core

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hashicorp/go-multierror"
)

// Sentinel errors
var (
	// ErrNotFound is returned when an identifier lookup has no match.
	ErrNotFound = errors.New("datastore: entity not found")

	// ErrDisconnected is wrapped by adapters when the backend connection is gone.
	// The service evicts the adapter from the registry when AutoReconnect is on.
	ErrDisconnected = errors.New("datastore: adapter disconnected")
)

// ValidationError reports a field whose value was rejected
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("validation failed: %s", e.Reason)
	}
	return fmt.Sprintf("field %q: %s", e.Field, e.Reason)
}

// TypeMismatchError reports a value that could not be coerced to the declared type
type TypeMismatchError struct {
	Field    string
	Expected FieldType
	Received string
}

func (e *TypeMismatchError) Error() string {
	return fmt.Sprintf("field %q: expected %s, received %s", e.Field, e.Expected, e.Received)
}

// ImmutableFieldError reports an attempt to change a readonly or immutable field
type ImmutableFieldError struct {
	Field string
}

func (e *ImmutableFieldError) Error() string {
	return fmt.Sprintf("field %q cannot be modified once created", e.Field)
}

// PermissionDeniedError reports a write to a field guarded by an unheld permission
type PermissionDeniedError struct {
	Field      string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return fmt.Sprintf("field %q requires permission %q", e.Field, e.Permission)
}

// InvalidIdentifierError reports a malformed identifier
type InvalidIdentifierError struct {
	Value  any
	Reason string
}

func (e *InvalidIdentifierError) Error() string {
	return fmt.Sprintf("invalid identifier %v: %s", e.Value, e.Reason)
}

// UnsupportedOperatorError reports a filter operator with no rendering for a backend
type UnsupportedOperatorError struct {
	Operator Operator
	Backend  BackendKind
}

func (e *UnsupportedOperatorError) Error() string {
	return fmt.Sprintf("operator %s is not supported by backend %s", e.Operator, e.Backend)
}

// CapabilityError reports a filter feature the backend does not support
type CapabilityError struct {
	Capability string
	Backend    BackendKind
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("backend %s does not support %s", e.Backend, e.Capability)
}

// AdapterError wraps a backend failure with the operation and target it happened on
type AdapterError struct {
	Op     string
	Target string
	Err    error
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("adapter %s on %s: %v", e.Op, e.Target, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// NotFoundError reports an identifier lookup with no match
type NotFoundError struct {
	Model string
	ID    any
}

func (e *NotFoundError) Error() string {
	if e.ID != nil {
		return fmt.Sprintf("%s not found (id=%v)", e.Model, e.ID)
	}
	return fmt.Sprintf("%s not found", e.Model)
}

// Is allows errors.Is(err, ErrNotFound) to match
func (e *NotFoundError) Is(err error) bool {
	return err == ErrNotFound
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}
	var e *NotFoundError
	return errors.As(err, &e) || errors.Is(err, ErrNotFound)
}

// FieldErrors unpacks an aggregated pipeline error into its field-level errors.
// A non-aggregated error is returned as a single element.
func FieldErrors(err error) []error {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		return merr.Errors
	}
	return []error{err}
}

// fieldErrorFormat renders aggregated field errors on one line
func fieldErrorFormat(errs []error) string {
	if len(errs) == 1 {
		return errs[0].Error()
	}
	parts := make([]string, len(errs))
	for i, err := range errs {
		parts[i] = err.Error()
	}
	return fmt.Sprintf("%d field errors: %s", len(errs), strings.Join(parts, "; "))
}

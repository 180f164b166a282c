// Package apperr defines the error taxonomy shared by the POS core.
//
// Every domain failure is one of four kinds. Callers match the kind with
// errors.Is against the sentinels and extract details with errors.As.
package apperr

import (
	"fmt"

	"github.com/go-faster/errors"
)

var (
	// ErrNotFound is matched by errors for absent orders, tables or customers.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState is matched by errors for operations the current
	// order or table state does not allow.
	ErrInvalidState = errors.New("invalid state")
	// ErrValidation is matched by errors for malformed input and failed
	// signature or checksum checks.
	ErrValidation = errors.New("validation error")
	// ErrExternalGateway is matched by errors from payment rails.
	ErrExternalGateway = errors.New("external gateway error")
)

// NotFoundError reports a missing entity.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Entity, e.ID)
}

// Is reports whether target is ErrNotFound.
func (e *NotFoundError) Is(target error) bool { return target == ErrNotFound }

// NotFound returns a *NotFoundError for the given entity.
func NotFound(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// InvalidStateError reports an operation rejected by the state machine.
type InvalidStateError struct {
	Reason string
}

func (e *InvalidStateError) Error() string {
	return "invalid state: " + e.Reason
}

// Is reports whether target is ErrInvalidState.
func (e *InvalidStateError) Is(target error) bool { return target == ErrInvalidState }

// InvalidState returns an *InvalidStateError with a formatted reason.
func InvalidState(format string, args ...any) error {
	return &InvalidStateError{Reason: fmt.Sprintf(format, args...)}
}

// ValidationError reports rejected input.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

// Is reports whether target is ErrValidation.
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Validation returns a *ValidationError with a formatted reason.
func Validation(format string, args ...any) error {
	return &ValidationError{Reason: fmt.Sprintf(format, args...)}
}

// GatewayError reports a failed call to an external payment rail.
type GatewayError struct {
	Gateway string
	Op      string
	// StatusCode is the HTTP status returned by the gateway, zero when the
	// request never got a response.
	StatusCode int
	Err        error
}

func (e *GatewayError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s %s: unexpected status %d", e.Gateway, e.Op, e.StatusCode)
	}
	return fmt.Sprintf("%s %s: %v", e.Gateway, e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error { return e.Err }

// Is reports whether target is ErrExternalGateway.
func (e *GatewayError) Is(target error) bool { return target == ErrExternalGateway }

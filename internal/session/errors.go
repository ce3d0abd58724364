package session

import (
	"errors"
	"fmt"
)

// The engine-wide error taxonomy. Every failure surfaced to a connection maps
// onto one of these sentinels; stores wrap them with operation context.
var (
	// ErrNotFound indicates an unknown or inactive session, or an absent record.
	ErrNotFound = errors.New("session: not found")
	// ErrForbidden indicates the caller's role or membership does not permit the operation.
	ErrForbidden = errors.New("session: forbidden")
	// ErrExpired indicates a share token or session whose TTL has lapsed.
	ErrExpired = errors.New("session: expired")
	// ErrTransient indicates a durable-store failure that may succeed on retry.
	ErrTransient = errors.New("session: transient storage failure")
)

// ServiceError pairs a machine-readable "<operation>.<reason>" code with its cause.
type ServiceError struct {
	code string
	err  error
}

// NewServiceError builds a ServiceError from an operation, a reason, and a cause.
func NewServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

// Code returns the "<operation>.<reason>" error code.
func (e *ServiceError) Code() string {
	return e.code
}

package orchestrator

import "deployd/internal/registry"

// invalidRequestError wraps a request that failed validation at submission.
type invalidRequestError struct{ err error }

func (e invalidRequestError) Error() string { return e.err.Error() }
func (e invalidRequestError) Unwrap() error { return e.err }

// ErrInvalidRequest wraps err as a rejected request.
func ErrInvalidRequest(err error) error { return invalidRequestError{err: err} }

// IsInvalidRequest reports whether err is a rejected request (400).
func IsInvalidRequest(err error) bool {
	_, ok := err.(invalidRequestError)
	return ok
}

// conflictError signals an operation that does not apply to the record's
// current state (409).
type conflictError struct{ msg string }

func (e conflictError) Error() string { return e.msg }

// ErrConflict builds a state conflict error.
func ErrConflict(msg string) error { return conflictError{msg: msg} }

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool {
	_, ok := err.(conflictError)
	return ok
}

// ErrNotFound builds the error returned for an unknown deployment id.
func ErrNotFound(id string) error { return registry.ErrNotFound(id) }

// IsNotFound reports whether err refers to an unknown deployment (404).
func IsNotFound(err error) bool { return registry.IsNotFound(err) }

// unavailableError is returned once shutdown has begun (503).
type unavailableError struct{}

func (unavailableError) Error() string { return "orchestrator is shutting down" }

// ErrUnavailable is returned by submissions during shutdown.
func ErrUnavailable() error { return unavailableError{} }

// IsUnavailable reports whether the orchestrator no longer accepts work.
func IsUnavailable(err error) bool {
	_, ok := err.(unavailableError)
	return ok
}

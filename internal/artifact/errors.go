package artifact

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies fetch failures.
type ErrorKind string

const (
	KindTimeout  ErrorKind = "timeout"
	KindNotFound ErrorKind = "not_found"
	KindIO       ErrorKind = "io"
	KindCanceled ErrorKind = "canceled"
)

// FetchError is returned by Fetcher.Fetch.
type FetchError struct {
	Kind   ErrorKind
	Source string
	Err    error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// KindOf returns the FetchError kind of err, or "" when err is not a FetchError.
func KindOf(err error) ErrorKind {
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// notFoundError is returned by sources when the remote object does not exist.
type notFoundError struct{ ref string }

func (e notFoundError) Error() string { return "artifact not found: " + e.ref }

// IsNotFound reports whether err signals a missing artifact.
func IsNotFound(err error) bool {
	var nf notFoundError
	return errors.As(err, &nf)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// classify wraps err in a FetchError, preferring ctx's own state over the
// transport error since cancelled transfers surface in many shapes.
func classify(ctx context.Context, source string, err error) *FetchError {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return &FetchError{Kind: KindTimeout, Source: source, Err: err}
	case ctx.Err() != nil, errors.Is(err, context.Canceled):
		return &FetchError{Kind: KindCanceled, Source: source, Err: err}
	case IsNotFound(err):
		return &FetchError{Kind: KindNotFound, Source: source, Err: err}
	default:
		return &FetchError{Kind: KindIO, Source: source, Err: err}
	}
}

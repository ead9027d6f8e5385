// Package errs defines the error taxonomy shared by every core component:
// a single Kind-tagged error type instead of one bespoke error type per
// package.
package errs

import (
	"errors"
	"net/http"
)

// Kind classifies an error by the condition that produced it. Kinds are
// stable and meant to be matched on by callers (HTTP boundary, queue
// runtime), not printed to end users.
type Kind string

const (
	// NotFound means an entity is missing from the local store or the
	// content server.
	NotFound Kind = "not_found"
	// InvalidState means a state-transition rule was violated, e.g.
	// canceling a Task that is already terminal.
	InvalidState Kind = "invalid_state"
	// InvalidArgument means required inputs are missing or contradictory.
	InvalidArgument Kind = "invalid_argument"
	// FilterError means a filter key is malformed or references a
	// disallowed remote column.
	FilterError Kind = "filter_error"
	// PageSizeTooLarge means a paged query requested more rows per page
	// than the configured maximum.
	PageSizeTooLarge Kind = "page_size_too_large"
	// UpstreamFailure means the content server's API returned an error,
	// including a server task that finished in a terminal-failed state.
	UpstreamFailure Kind = "upstream_failure"
	// IntegrityFailure means a local DB constraint was violated during a
	// reconcile or update.
	IntegrityFailure Kind = "integrity_failure"
	// ExternalResourceMissing means a named external resource, such as a
	// signing service, could not be located.
	ExternalResourceMissing Kind = "external_resource_missing"
)

// httpStatus maps each Kind to the status a boundary process should use if
// it chooses to surface the error over HTTP. The core itself never writes
// an HTTP response.
var httpStatus = map[Kind]int{
	NotFound:                http.StatusNotFound,
	InvalidState:            http.StatusConflict,
	InvalidArgument:         http.StatusBadRequest,
	FilterError:             http.StatusBadRequest,
	PageSizeTooLarge:        http.StatusBadRequest,
	UpstreamFailure:         http.StatusBadGateway,
	IntegrityFailure:        http.StatusConflict,
	ExternalResourceMissing: http.StatusFailedDependency,
}

// Error is the core's single structured error type. It carries a Kind, a
// user-facing Message, an optional structured Detail, and the underlying
// cause for logging.
type Error struct {
	// Err is the underlying cause, not exposed to callers beyond logging.
	Err error

	// Detail carries structured context, e.g. {"task_id": 42}.
	Detail map[string]any

	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// HTTPStatus returns the status code a boundary process should report for
// this error's Kind.
func (e *Error) HTTPStatus() int {
	if code, ok := httpStatus[e.Kind]; ok {
		return code
	}
	return http.StatusInternalServerError
}

// Option configures an Error at construction.
type Option func(*Error)

// WithDetail attaches structured context to the error.
func WithDetail(detail map[string]any) Option {
	return func(e *Error) {
		e.Detail = detail
	}
}

// WithErr attaches the underlying cause.
func WithErr(err error) Option {
	return func(e *Error) {
		e.Err = err
	}
}

// New creates an Error of the given Kind with a message.
func New(kind Kind, message string, opts ...Option) *Error {
	e := &Error{Kind: kind, Message: message}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	e := As(err)
	return e != nil && e.Kind == kind
}

// As extracts the *Error from err, if present.
func As(err error) *Error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

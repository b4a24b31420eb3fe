// Package errs defines the closed set of error kinds shared across setarb
// and the HTTP status codes each kind maps to (§7).
package errs

import (
	"errors"
	"fmt"
)

// Kind is one of the closed set of error categories the system reasons about.
type Kind string

const (
	NotFound            Kind = "not_found"
	RateLimited         Kind = "rate_limited"
	UpstreamUnavailable Kind = "upstream_unavailable"
	Timeout             Kind = "timeout"
	Parse               Kind = "parse"
	Invariant           Kind = "invariant"
	Storage             Kind = "storage"
	Conflict            Kind = "conflict"
	Cancelled           Kind = "cancelled"
	Config              Kind = "config"
)

// Error wraps an underlying cause with a Kind and a user-facing message.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// New constructs an *Error of the given kind.
func New(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Err: cause}
}

// KindOf extracts the Kind from err if it (or something it wraps) is an *Error.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// HTTPStatus maps a Kind to the status code a trigger/read endpoint should
// surface it as (§7). Conflict responses additionally carry the current
// run id in their body; that is the caller's responsibility, not this
// function's.
func HTTPStatus(kind Kind) int {
	switch kind {
	case NotFound:
		return 404
	case Conflict:
		return 409
	case RateLimited, Timeout, UpstreamUnavailable:
		return 503
	case Invariant, Parse:
		return 500
	case Config:
		return 500
	case Storage:
		return 500
	case Cancelled:
		return 499
	default:
		return 500
	}
}

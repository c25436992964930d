// Package apierr provides the structured error taxonomy used across the
// control plane: validation, not-found, conflict/policy, transport,
// remote-failure, resource-exhaustion, and cancelled.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind is one of the seven error kinds from the taxonomy.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindNotFound        Kind = "not_found"
	KindConflict        Kind = "conflict"
	KindTransport       Kind = "transport"
	KindRemoteFailure   Kind = "remote_failure"
	KindExhaustion      Kind = "resource_exhaustion"
	KindCancelled       Kind = "cancelled"
)

// Error is the structured error carried across every component boundary.
type Error struct {
	Kind       Kind                   `json:"kind"`
	Message    string                 `json:"message"`
	HTTPStatus int                    `json:"-"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Err        error                  `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap exposes the wrapped error for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// WithDetails attaches a structured detail key/value and returns the receiver.
func (e *Error) WithDetails(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// New constructs a bare Error of the given kind.
func New(kind Kind, message string, httpStatus int) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus}
}

// Wrap constructs an Error of the given kind wrapping an underlying cause.
func Wrap(kind Kind, message string, httpStatus int, err error) *Error {
	return &Error{Kind: kind, Message: message, HTTPStatus: httpStatus, Err: err}
}

// Validation — malformed input; never retried. 4xx at the boundary.
func Validation(field, reason string) *Error {
	return New(KindValidation, "invalid input", http.StatusBadRequest).
		WithDetails("field", field).
		WithDetails("reason", reason)
}

// NotFound — missing asset/job/pipeline/group/alert.
func NotFound(resource, id string) *Error {
	return New(KindNotFound, "resource not found", http.StatusNotFound).
		WithDetails("resource", resource).
		WithDetails("id", id)
}

// Conflict — maintenance active, decommission with open workloads,
// allocation blocked by policy, queue full, duplicate registration.
func Conflict(message string) *Error {
	return New(KindConflict, message, http.StatusConflict)
}

// Transport — adapter failure (network, auth, timeout). The adapter itself
// retries with backoff up to its cap; this error is only surfaced on
// exhaustion.
func Transport(operation string, err error) *Error {
	return Wrap(KindTransport, "transport operation failed", http.StatusServiceUnavailable, err).
		WithDetails("operation", operation)
}

// RemoteFailure — command executed but returned non-zero, boot never
// asserted, verify mismatch. Never retried by the adapter; may be retried
// by the pipeline per its own budget.
func RemoteFailure(operation, detail string) *Error {
	return New(KindRemoteFailure, detail, http.StatusBadGateway).
		WithDetails("operation", operation)
}

// Exhaustion — no candidate found, queue full. Not an error to the
// scheduler: it carries a wait-time estimate instead of failing outright.
func Exhaustion(message string, waitEstimateSeconds int) *Error {
	return New(KindExhaustion, message, http.StatusServiceUnavailable).
		WithDetails("wait_estimate_seconds", waitEstimateSeconds)
}

// Cancelled — explicit user action; always terminal, never becomes failed.
func Cancelled(message string) *Error {
	return New(KindCancelled, message, http.StatusConflict)
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// As extracts an *Error from err's chain, if present.
func As(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return nil
}

// HTTPStatus returns the HTTP status for err, defaulting to 500.
func HTTPStatus(err error) int {
	if e := As(err); e != nil {
		return e.HTTPStatus
	}
	return http.StatusInternalServerError
}

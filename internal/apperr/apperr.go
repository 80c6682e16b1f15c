// SPDX-License-Identifier: MIT

// Package apperr defines the error taxonomy shared by the ingress, the queue
// and the pipeline worker. Classification decides HTTP status at the edge and
// retryability inside the queue.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Class identifies the failure category of an error.
type Class string

const (
	ClassValidation        Class = "validation"
	ClassAccessDenied      Class = "access_denied"
	ClassQuotaExceeded     Class = "quota_exceeded"
	ClassUnavailable       Class = "unavailable"
	ClassCircuitOpen       Class = "circuit_open"
	ClassTimeout           Class = "timeout"
	ClassUpstream          Class = "upstream"
	ClassPermanentUpstream Class = "permanent_upstream"
	ClassInternal          Class = "internal"
)

// Error is the common shape of classified failures.
type Error struct {
	Class   Class
	Message string
	// RetryAfter is populated for quota and circuit-open failures.
	RetryAfter time.Duration
	// Service names the upstream that failed, when known.
	Service string
	cause   error
}

func (e *Error) Error() string {
	if e.Service != "" {
		return fmt.Sprintf("%s: %s: %s", e.Class, e.Service, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Class, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// New creates a classified error.
func New(class Class, msg string) *Error {
	return &Error{Class: class, Message: msg}
}

// Wrap classifies an existing error, keeping it in the chain.
func Wrap(class Class, err error, msg string) *Error {
	return &Error{Class: class, Message: msg, cause: err}
}

// Validationf builds a validation error; never retried, surfaced as 400.
func Validationf(format string, args ...any) *Error {
	return &Error{Class: ClassValidation, Message: fmt.Sprintf(format, args...)}
}

// AccessDenied builds a 403-style error.
func AccessDenied(msg string) *Error {
	return &Error{Class: ClassAccessDenied, Message: msg}
}

// QuotaExceeded builds a 429-style error carrying the window reset.
func QuotaExceeded(msg string, retryAfter time.Duration) *Error {
	return &Error{Class: ClassQuotaExceeded, Message: msg, RetryAfter: retryAfter}
}

// Unavailable marks a gate whose backing store is unreachable (fail closed).
func Unavailable(err error, msg string) *Error {
	return &Error{Class: ClassUnavailable, Message: msg, cause: err}
}

// CircuitOpen marks a denied call with the time until the next probe.
func CircuitOpen(service string, retryAfter time.Duration) *Error {
	return &Error{
		Class:      ClassCircuitOpen,
		Message:    "circuit open",
		Service:    service,
		RetryAfter: retryAfter,
	}
}

// Timeout marks an aborted stage or request.
func Timeout(msg string) *Error {
	return &Error{Class: ClassTimeout, Message: msg}
}

// Upstream marks a retryable upstream failure.
func Upstream(service string, err error) *Error {
	return &Error{Class: ClassUpstream, Service: service, Message: errMsg(err), cause: err}
}

// PermanentUpstream marks a non-retryable upstream failure (auth rejection,
// content unavailable, oversize media).
func PermanentUpstream(service, msg string) *Error {
	return &Error{Class: ClassPermanentUpstream, Service: service, Message: msg}
}

// Internal wraps an unclassified failure.
func Internal(err error) *Error {
	return &Error{Class: ClassInternal, Message: errMsg(err), cause: err}
}

func errMsg(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

// ClassOf extracts the class of err, defaulting to internal.
func ClassOf(err error) Class {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Class
	}
	return ClassInternal
}

// Retryable reports whether the queue should schedule another attempt.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case ClassCircuitOpen, ClassTimeout, ClassUpstream, ClassUnavailable, ClassInternal:
		return true
	default:
		return false
	}
}

// HTTPStatus maps an error class to the status code used at the ingress.
func HTTPStatus(err error) int {
	switch ClassOf(err) {
	case ClassValidation:
		return http.StatusBadRequest
	case ClassAccessDenied:
		return http.StatusForbidden
	case ClassQuotaExceeded:
		return http.StatusTooManyRequests
	case ClassUnavailable, ClassTimeout, ClassCircuitOpen:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// RetryAfterOf returns the retry-after hint if the error carries one.
func RetryAfterOf(err error) (time.Duration, bool) {
	var ae *Error
	if errors.As(err, &ae) && ae.RetryAfter > 0 {
		return ae.RetryAfter, true
	}
	return 0, false
}

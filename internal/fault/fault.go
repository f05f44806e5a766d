// Package fault classifies reconciliation errors so that callers can decide
// between local recovery, host retry, and surfacing the failure verbatim.
package fault

import (
	"errors"
	"fmt"
	"time"
)

// Class determines how an error is handled.
type Class int

const (
	// Unclassified errors propagate unmodified.
	Unclassified Class = iota

	// Configuration errors come from missing secrets or required fields.
	// They are fatal and never retried.
	Configuration

	// Transient errors are network failures, timeouts, throttling and 5xx
	// responses. The host's outer loop retries them.
	Transient

	// Conflict means the provider reported "already exists" on create.
	// The controller recovers by locating and adopting the resource.
	Conflict

	// NotFound is a 404 on a read that is expected to sometimes miss.
	NotFound

	// Parse means a response body did not have the expected shape.
	Parse

	// NotReady is the expected outcome of check-readiness while a resource
	// is still provisioning.
	NotReady

	// Terminal errors are provider rejections and failed provisioning.
	Terminal
)

// String returns a string representation of the class.
func (c Class) String() string {
	switch c {
	case Configuration:
		return "configuration"
	case Transient:
		return "transient"
	case Conflict:
		return "conflict"
	case NotFound:
		return "not-found"
	case Parse:
		return "parse"
	case NotReady:
		return "not-ready"
	case Terminal:
		return "terminal"
	default:
		return "unclassified"
	}
}

// Error wraps a cause with its classification.
type Error struct {
	Class Class

	// Op names the operation that failed, e.g. "create bucket".
	Op string

	Cause error

	// Body holds the raw response body for parse and provider errors.
	Body string

	// StatusCode is the HTTP status that produced the error, when known.
	StatusCode int

	// RetryAfter is a hint for transient and not-ready errors.
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := "unknown error"
	if e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Body != "" && (e.Class == Parse || e.Class == Terminal) {
		msg += " (body: " + truncate(e.Body, 512) + ")"
	}
	return msg
}

// Unwrap returns the underlying error for errors.Is/As compatibility.
func (e *Error) Unwrap() error {
	return e.Cause
}

func newError(class Class, op string, err error) *Error {
	return &Error{Class: class, Op: op, Cause: err}
}

// Configurationf returns a configuration error.
func Configurationf(format string, args ...any) error {
	return newError(Configuration, "", fmt.Errorf(format, args...))
}

// Transientf wraps err as transient.
func Transientf(err error, op string) error {
	return newError(Transient, op, err)
}

// Conflictf wraps err as a conflict.
func Conflictf(err error, op string) error {
	return newError(Conflict, op, err)
}

// NotFoundf wraps err as not-found.
func NotFoundf(err error, op string) error {
	return newError(NotFound, op, err)
}

// Terminalf wraps err as terminal.
func Terminalf(err error, op string) error {
	return newError(Terminal, op, err)
}

// ParseError reports a response body that could not be decoded.
func ParseError(err error, op string, body []byte) error {
	return &Error{Class: Parse, Op: op, Cause: err, Body: string(body)}
}

// NotReadyf reports a resource that has not reached its ready state.
func NotReadyf(format string, args ...any) error {
	return newError(NotReady, "", fmt.Errorf(format, args...))
}

// Wrap attaches class and op to err. A nil err stays nil.
func Wrap(err error, class Class, op string) error {
	if err == nil {
		return nil
	}
	return newError(class, op, err)
}

// ClassOf returns the class of the outermost classified error in err's chain.
func ClassOf(err error) Class {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Class
	}
	return Unclassified
}

// Is reports whether err is classified as class.
func Is(err error, class Class) bool {
	return err != nil && ClassOf(err) == class
}

// Retryable reports whether the host should invoke again later.
func Retryable(err error) bool {
	switch ClassOf(err) {
	case Transient, NotReady:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

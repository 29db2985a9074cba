// Package errs defines the gateway's error taxonomy. Lifecycle
// operations fail with a typed error so callers can distinguish
// caller mistakes from missing entities and backend failures.
package errs

import (
	"errors"
	"fmt"
)

// Kind classifies an error.
type Kind string

const (
	// KindUser marks caller-caused failures: duplicate inserts,
	// unknown versions, unsatisfiable dependency sets.
	KindUser Kind = "USER"

	// KindNotFound marks an absent tenant, module or job.
	KindNotFound Kind = "NOT_FOUND"

	// KindInternal marks store or proxy failures propagated unchanged.
	KindInternal Kind = "INTERNAL"
)

// Error is a structured lifecycle error.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.cause
}

// User creates a caller-caused error.
func User(format string, args ...any) error {
	return &Error{Kind: KindUser, Message: fmt.Sprintf(format, args...)}
}

// NotFound creates a not-found error.
func NotFound(format string, args ...any) error {
	return &Error{Kind: KindNotFound, Message: fmt.Sprintf(format, args...)}
}

// Internal wraps a backend failure, preserving its message.
func Internal(err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: KindInternal, Message: err.Error(), cause: err}
}

// Internalf creates a backend failure from a format string.
func Internalf(format string, args ...any) error {
	return &Error{Kind: KindInternal, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the error's kind, defaulting to INTERNAL for
// untyped errors.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// IsUser reports whether the error is caller-caused.
func IsUser(err error) bool {
	return err != nil && KindOf(err) == KindUser
}

// IsNotFound reports whether the error marks an absent entity.
func IsNotFound(err error) bool {
	return err != nil && KindOf(err) == KindNotFound
}

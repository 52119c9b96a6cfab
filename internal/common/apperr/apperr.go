// Package apperr provides the application error taxonomy: every failure is
// classified by kind (where it happened) and severity (how bad it is).
package apperr

import (
	"errors"
	"fmt"
	"io/fs"
)

// Kind identifies the failure domain.
type Kind string

const (
	KindSDK        Kind = "sdk"        // subprocess startup, streaming, interrupt
	KindSession    Kind = "session"    // invalid state transition, cascade anomaly
	KindStorage    Kind = "storage"    // permission, I/O, JSON parse
	KindNetwork    Kind = "network"    // transport close during send
	KindValidation Kind = "validation" // bad parameters, non-unique names, caps exceeded
	KindSystem     Kind = "system"     // timeouts, resource exhaustion
)

// Severity grades a failure for operators.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Error carries a classified application failure.
type Error struct {
	Kind     Kind     `json:"kind"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	Err      error    `json:"-"`
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap supports errors.Is and errors.As chains.
func (e *Error) Unwrap() error {
	return e.Err
}

// severityFor maps a kind to its default severity grade.
func severityFor(kind Kind) Severity {
	switch kind {
	case KindValidation:
		return SeverityLow
	case KindStorage, KindSDK, KindNetwork:
		return SeverityMedium
	case KindSession:
		return SeverityHigh
	default:
		return SeverityMedium
	}
}

// New creates a classified error with the default severity for its kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Severity: severityFor(kind), Message: message}
}

// Newf creates a classified error from a format string.
func Newf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// Wrap classifies an underlying error. A nil err yields nil.
func Wrap(kind Kind, message string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Severity: severityFor(kind), Message: message, Err: err}
}

// Validation creates a low-severity validation error.
func Validation(format string, args ...any) *Error {
	return Newf(KindValidation, format, args...)
}

// SDK wraps a subprocess failure.
func SDK(message string, err error) *Error {
	return Wrap(KindSDK, message, err)
}

// Storage wraps a persistence failure. Filesystem permission problems are
// graded high: they usually mean the whole data directory is unusable.
func Storage(message string, err error) *Error {
	e := Wrap(KindStorage, message, err)
	if e != nil && errors.Is(err, fs.ErrPermission) {
		e.Severity = SeverityHigh
	}
	return e
}

// SessionState reports an illegal lifecycle transition. Always high severity.
func SessionState(format string, args ...any) *Error {
	e := Newf(KindSession, format, args...)
	e.Severity = SeverityHigh
	return e
}

// Network wraps a transport failure.
func Network(message string, err error) *Error {
	return Wrap(KindNetwork, message, err)
}

// System creates a system error; exhausted resources grade critical via
// WithSeverity at the call site.
func System(message string, err error) *Error {
	if err == nil {
		return New(KindSystem, message)
	}
	return Wrap(KindSystem, message, err)
}

// WithSeverity overrides the default severity grade.
func (e *Error) WithSeverity(s Severity) *Error {
	e.Severity = s
	return e
}

// KindOf extracts the kind from any error chain; ok is false for
// unclassified errors.
func KindOf(err error) (Kind, bool) {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind, true
	}
	return "", false
}

// IsKind reports whether err is classified with the given kind.
func IsKind(err error, kind Kind) bool {
	k, ok := KindOf(err)
	return ok && k == kind
}

// IsValidation reports whether err is a validation failure.
func IsValidation(err error) bool {
	return IsKind(err, KindValidation)
}

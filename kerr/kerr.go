// Package kerr implements the error-kind taxonomy shared by every core
// component. Each kind carries the package name and phase of the failing
// operation, and wraps its cause with a stack trace via github.com/pkg/errors
// so that a caller several layers up can still recover the originating kind
// with errors.As while printing a useful diagnostic.
package kerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind identifies one of the behavioural error categories from the core's
// error handling design.
type Kind string

const (
	RecipeInvalid           Kind = "RecipeInvalid"
	FetchFailed             Kind = "FetchFailed"
	PatchFailed             Kind = "PatchFailed"
	BuildFailed             Kind = "BuildFailed"
	CheckFailed             Kind = "CheckFailed"
	InstallFailed           Kind = "InstallFailed"
	ResolveFailed           Kind = "ResolveFailed"
	AlreadyInstalled        Kind = "AlreadyInstalled"
	IntegrityFailed         Kind = "IntegrityFailed"
	RollbackUnavailable     Kind = "RollbackUnavailable"
	ToolchainValidationFailed Kind = "ToolchainValidationFailed"
	Cancelled               Kind = "Cancelled"
)

// Error is the concrete type every core component returns for a failure that
// falls into one of the Kind categories. Package and Phase are set whenever
// known so that diagnostics can always answer "which package, which stage".
type Error struct {
	Kind    Kind
	Package string
	Phase   string
	// Reason narrows a Kind further, e.g. ResolveFailed's "unsatisfied",
	// "conflict", "step_limit", "timeout", "cycle".
	Reason string
	// StderrTail holds the last lines of captured subprocess stderr for
	// subprocess-originated errors.
	StderrTail string
	cause      error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Package != "" {
		msg += fmt.Sprintf(" package=%s", e.Package)
	}
	if e.Phase != "" {
		msg += fmt.Sprintf(" phase=%s", e.Phase)
	}
	if e.Reason != "" {
		msg += fmt.Sprintf(" reason=%s", e.Reason)
	}
	if e.cause != nil {
		msg += ": " + e.cause.Error()
	}
	if e.StderrTail != "" {
		msg += fmt.Sprintf(" (stderr: %s)", e.StderrTail)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

// New builds an Error of the given kind, wrapping cause (which may be nil)
// with a stack trace.
func New(kind Kind, pkg, phase string, cause error) *Error {
	var wrapped error
	if cause != nil {
		wrapped = errors.WithStack(cause)
	}
	return &Error{Kind: kind, Package: pkg, Phase: phase, cause: wrapped}
}

// Wrap attaches a formatted message and stack trace to cause and tags it with
// kind. A nil cause still produces a non-nil *Error describing the failure.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	} else {
		wrapped = errors.New(msg)
	}
	return &Error{Kind: kind, cause: wrapped}
}

// WithReason sets Reason and returns e for chaining.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

// WithStderr sets StderrTail (truncated to the last 4KB) and returns e.
func (e *Error) WithStderr(tail string) *Error {
	const max = 4096
	if len(tail) > max {
		tail = tail[len(tail)-max:]
	}
	e.StderrTail = tail
	return e
}

// Is reports whether err (or any error it wraps) is a *Error of kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, and ok=true.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind, true
	}
	return "", false
}

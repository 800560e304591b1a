// Package errors classifies failures by how the orchestrator must react
// to them: reconnect, degrade a subsystem, report into the session, or
// shut down. Callers branch on Kind instead of matching error strings.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a closed set of failure classes.
type Kind int

const (
	// Unknown covers errors that were never classified.
	Unknown Kind = iota

	// Transient marks transport failures (socket closed, network error).
	// The session supervisor responds with backoff and reconnect.
	Transient

	// Device marks local device failures (microphone or camera
	// unavailable). The owning subsystem is disabled for the session;
	// everything else keeps running.
	Device

	// Tool marks a failed tool execution. Reported into the session as
	// a closed-turn notification so the model can tell the user.
	Tool

	// Denied marks a user-denied tool confirmation. A normal terminal
	// outcome, not a fault.
	Denied

	// Fatal marks unrecoverable failures and the explicit stop signal.
	// Clean shutdown, no retry.
	Fatal
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Device:
		return "device"
	case Tool:
		return "tool"
	case Denied:
		return "denied"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// AppError carries a failure class alongside the message and cause.
type AppError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As.
func (e *AppError) Unwrap() error { return e.Cause }

// New creates an AppError with the given kind and message.
func New(kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg}
}

// Newf creates an AppError with a formatted message.
func Newf(kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(err error, kind Kind, msg string) *AppError {
	return &AppError{Kind: kind, Message: msg, Cause: err}
}

// Wrapf is Wrap with a formatted message.
func Wrapf(err error, kind Kind, format string, args ...any) *AppError {
	return &AppError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: err}
}

// KindOf extracts the failure class from anywhere in the error chain.
// Unclassified errors report Unknown.
func KindOf(err error) Kind {
	var app *AppError
	if errors.As(err, &app) {
		return app.Kind
	}
	return Unknown
}

// IsTransient reports whether err should trigger a reconnect. Unknown
// errors count as transient: an unclassified failure inside the session
// task group is treated as session death, not ignored.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	k := KindOf(err)
	return k == Transient || k == Unknown
}

// IsFatal reports whether err must stop the supervisor loop.
func IsFatal(err error) bool { return KindOf(err) == Fatal }

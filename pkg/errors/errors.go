package errors

import (
	goErrors "errors"
	"fmt"
)

// New returns an error with the given message.
func New(msg string) error {
	return goErrors.New(msg)
}

// ContextError annotates an error with the operation that produced it.
// Wrapping errors this way builds up a readable chain, e.g.
// "download session: get metadata: connection refused".
type ContextError struct {
	Context string
	Err     error
}

func (err ContextError) Error() string {
	return fmt.Sprintf("%s: %s", err.Context, err.Err)
}

func (err ContextError) Unwrap() error {
	return err.Err
}

// WithContext wraps the given error with a description of the operation that
// caused it.
func WithContext(err error, context string) error {
	return ContextError{Context: context, Err: err}
}

// FriendlyError is an error whose message is meant to be shown directly to
// the user, without the chain of wrapped context.
type FriendlyError struct {
	Message string
}

func (err FriendlyError) Error() string {
	return err.Message
}

// FriendlyMessage returns the user-facing message.
func (err FriendlyError) FriendlyMessage() string {
	return err.Message
}

// NewFriendlyError creates a FriendlyError from the given format string.
func NewFriendlyError(format string, args ...interface{}) error {
	return FriendlyError{Message: fmt.Sprintf(format, args...)}
}

type friendlyError interface {
	FriendlyMessage() string
}

// GetPrintableMessage returns the message that should be shown to the user
// for the given error. If any error in the chain provides a friendly
// message, that message is used. Otherwise, the full error string is
// returned.
func GetPrintableMessage(err error) string {
	for curr := err; curr != nil; curr = goErrors.Unwrap(curr) {
		if friendly, ok := curr.(friendlyError); ok {
			return friendly.FriendlyMessage()
		}
	}
	return err.Error()
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return goErrors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return goErrors.As(err, target)
}

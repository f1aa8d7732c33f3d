package errors

import (
	"errors"
	"fmt"

	pkgErrors "github.com/pkg/errors"
)

// New returns an error with the given message.
func New(msg string) error {
	return errors.New(msg)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

type contextError struct {
	context string
	err     error
}

// WithContext wraps `err` with a short description of what was being done
// when it occurred.
func WithContext(err error, context string) error {
	if err == nil {
		return nil
	}
	return contextError{context: context, err: err}
}

func (err contextError) Error() string {
	return fmt.Sprintf("%s: %s", err.context, err.err)
}

func (err contextError) Cause() error {
	return err.err
}

func (err contextError) Unwrap() error {
	return err.err
}

// RootCause returns the innermost error wrapped by WithContext.
func RootCause(err error) error {
	return pkgErrors.Cause(err)
}

// FriendlyError is an error that has a message meant to be read by users
// rather than developers.
type FriendlyError interface {
	error
	FriendlyMessage() string
}

type friendlyError struct {
	msg string
}

// NewFriendlyError creates an error whose message is shown verbatim to users.
func NewFriendlyError(msgFmt string, args ...interface{}) error {
	return friendlyError{fmt.Sprintf(msgFmt, args...)}
}

func (err friendlyError) Error() string {
	return err.msg
}

func (err friendlyError) FriendlyMessage() string {
	return err.msg
}

// GetPrintableMessage returns the message that should be shown to users for
// `err`. Friendly errors anywhere in the chain take precedence.
func GetPrintableMessage(err error) string {
	var friendly FriendlyError
	if errors.As(err, &friendly) {
		return friendly.FriendlyMessage()
	}
	return err.Error()
}

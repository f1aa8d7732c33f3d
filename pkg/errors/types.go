package errors

import (
	"fmt"
)

// ErrFileChanged is returned when the digest of a received file doesn't match
// the digest the sender advertised.
var ErrFileChanged = New("file contents changed during sync")

// MissingFieldError represents a missing required field.
type MissingFieldError struct {
	Field string
}

func (err MissingFieldError) Error() string {
	return fmt.Sprintf("missing required field: %s", err.Field)
}

// FileNotFound represents when we were unable to access a file
// because the path didn't exist.
type FileNotFound struct {
	Path string
}

func (err FileNotFound) Error() string {
	return fmt.Sprintf("%q does not exist", err.Path)
}

// ProtocolError represents a peer message that couldn't be parsed, or that
// had an unexpected verb or number of fields.
type ProtocolError struct {
	Reason string
}

func (err ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", err.Reason)
}

// UnreachableError represents a rendezvous service or peer that couldn't be
// contacted.
type UnreachableError struct {
	Address string
	Err     error
}

func (err UnreachableError) Error() string {
	return fmt.Sprintf("%s unreachable: %s", err.Address, err.Err)
}

// Cause lets RootCause see through the connection error.
func (err UnreachableError) Cause() error {
	return err.Err
}

// Package common defines shared constants and sentinel errors used across
// the msgvault client layers. Callers should use errors.Is / errors.As to
// match these values.
package common

import (
	"errors"
	"fmt"
)

var (
	// Local state errors.
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrCorruptState       = errors.New("corrupt local state")

	// Folder tree errors.
	ErrFolderNotFound      = errors.New("folder not found")
	ErrFolderAlreadyExists = errors.New("folder already exists")
	ErrNameCollision       = errors.New("a file or folder with this name already exists")
	ErrInvalidName         = errors.New("invalid name")

	// Index lookup errors.
	ErrEntryNotFound = errors.New("entry not found")

	// Payload validation errors, raised before any network call.
	ErrPayloadTooLarge = errors.New("payload too large")
	ErrEmptySource     = errors.New("empty source")

	// Remote session errors.
	ErrRemoteUnauthenticated = errors.New("remote channel not authenticated")

	// ErrAttemptTimedOut marks a single transfer attempt that exceeded its
	// deadline. It is retryable.
	ErrAttemptTimedOut = errors.New("attempt timed out")
)

// TransferExhausted is returned when every attempt of the retry budget
// failed with a retryable error.
type TransferExhausted struct {
	Attempts int
	Last     error
}

func (e *TransferExhausted) Error() string {
	return fmt.Sprintf("transfer failed after %d attempts: %v", e.Attempts, e.Last)
}

func (e *TransferExhausted) Unwrap() error {
	return e.Last
}

// TransferFailed is returned for a fatal (non-retryable) transfer error.
type TransferFailed struct {
	Err error
}

func (e *TransferFailed) Error() string {
	return fmt.Sprintf("transfer failed: %v", e.Err)
}

func (e *TransferFailed) Unwrap() error {
	return e.Err
}

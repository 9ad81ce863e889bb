package db

import (
	"errors"
	"fmt"

	"mindgraphix/models"
)

var (
	// ErrNotFound is returned when a key or record does not exist.
	ErrNotFound = errors.New("not found")
	// ErrRevisionConflict is matched by every *ConflictError.
	ErrRevisionConflict = errors.New("revision conflict")
	// ErrCorrupt means stored bytes exist but cannot be decoded.
	ErrCorrupt           = errors.New("stored data is corrupt")
	ErrInvalidKey        = errors.New("invalid key")
	ErrQuotaExceeded     = errors.New("storage quota exceeded")
	ErrDuplicateAccount  = errors.New("an account with this email already exists")
	ErrValidation        = errors.New("validation failed")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrReadOnly is returned for writes inside View or after Close.
	ErrReadOnly          = errors.New("store is read-only")
	ErrUnsupportedFormat = errors.New("unsupported format version")
	ErrChecksumMismatch  = errors.New("checksum mismatch")
	ErrChatClosed        = errors.New("chat session is closed")
)

// ConflictError reports an optimistic concurrency failure on one key.
// Expected 0 means the caller required the key to be absent.
type ConflictError struct {
	Key      string
	Expected int64
	Current  int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("revision conflict on %s: expected %d, current %d", e.Key, e.Expected, e.Current)
}

func (e *ConflictError) Is(target error) bool {
	return target == ErrRevisionConflict
}

// ValidationError names the offending field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// TransitionError reports a refused request status change.
type TransitionError struct {
	From, To models.RequestStatus
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("cannot move request from %s to %s", e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

package core

import "github.com/pkg/errors"

// Sentinel errors returned by storage operations. Wrapped errors keep their
// identity under errors.Is.
var (
	// ErrCorrupted means the files must be discarded and rebuilt.
	ErrCorrupted = errors.New("storage is corrupted, rebuild required")

	// ErrInterrupted is returned when waiting on a pending asynchronous write
	// was cancelled.
	ErrInterrupted = errors.New("interrupted while waiting for pending write")

	// ErrUnsupported is returned for operations a store variant cannot perform.
	ErrUnsupported = errors.New("operation not supported")

	// ErrInvalidRecord is returned for id 0 or ids past the record count.
	ErrInvalidRecord = errors.New("invalid record id")

	// ErrRecordDeleted is returned when operating on a freed slot.
	ErrRecordDeleted = errors.New("record is deleted")

	// ErrOutOfBounds is returned by in-place replacement past the current size.
	ErrOutOfBounds = errors.New("range exceeds record size")

	// ErrRefCount is returned when releasing a record with no references.
	ErrRefCount = errors.New("reference count would drop below zero")

	// ErrClosed is returned when operating on a closed store.
	ErrClosed = errors.New("storage is closed")
)

func corruptedf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrCorrupted, format, args...)
}

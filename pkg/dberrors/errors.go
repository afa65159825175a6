package dberrors

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound        = errors.New("embeddb: not found")
	ErrClosed          = errors.New("embeddb: closed")
	ErrInvalidArgument = errors.New("embeddb: invalid argument")
	ErrCorruption      = errors.New("embeddb: corruption")
	ErrLocked          = errors.New("embeddb: database directory is locked by another process")

	// ErrReadOnly is returned for writes once a WAL, manifest or repeated flush
	// failure has degraded the database. The original failure is wrapped too.
	ErrReadOnly = errors.New("embeddb: database is read-only after a background error")
)

// Corruptionf returns an error that matches ErrCorruption with errors.Is.
func Corruptionf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrCorruption, fmt.Sprintf(format, args...))
}

// InvalidArgumentf returns an error that matches ErrInvalidArgument with errors.Is.
func InvalidArgumentf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidArgument, fmt.Sprintf(format, args...))
}

// IsCorruption reports whether err was caused by bad on-disk data.
func IsCorruption(err error) bool {
	return errors.Is(err, ErrCorruption)
}

// Degraded wraps the background failure that made the database read-only.
func Degraded(cause error) error {
	return fmt.Errorf("%w: %w", ErrReadOnly, cause)
}

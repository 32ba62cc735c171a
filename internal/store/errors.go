package store

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a record does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict is returned when a write loses a compare-and-swap or an
	// insert collides with an existing id.
	ErrConflict = errors.New("record conflict")
	// ErrInvalidRecord is returned for rows without a usable id or collection.
	ErrInvalidRecord = errors.New("invalid record")
)

// TransientError wraps a storage failure that may succeed on retry, such as
// SQLITE_BUSY when another process holds the write lock.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: storage temporarily unavailable: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is or wraps a *TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// classify wraps a driver error with op, marking busy and locked errors as
// transient and unique-constraint failures as ErrConflict.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if isSQLiteBusy(err) {
		return &TransientError{Op: op, Err: err}
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return fmt.Errorf("%s: %w: %v", op, ErrConflict, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
// Matching on the message works for both drivers without importing either.
func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

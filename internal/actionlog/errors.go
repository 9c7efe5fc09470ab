package actionlog

import (
	"errors"
	"fmt"
)

var (
	// ErrLocked is returned by Open when another process holds the log.
	ErrLocked = errors.New("action log is locked by another process")
	// ErrReadOnly is returned by writes after Finalize.
	ErrReadOnly = errors.New("action log is finalized")
	// ErrClosed is returned by writes after Close.
	ErrClosed = errors.New("action log is closed")
	// ErrUnknownCommand is returned by Complete for a ref that is not a
	// command event.
	ErrUnknownCommand = errors.New("no command event with that sequence")
	// ErrPersistence matches every *PersistenceWriteFailure.
	ErrPersistence = errors.New("action log persistence failure")
)

// PersistenceWriteFailure is returned once durable writes have failed past
// the retry budget. The store accepts no further writes afterwards.
type PersistenceWriteFailure struct {
	Attempts int
	Err      error
}

func (e *PersistenceWriteFailure) Error() string {
	return fmt.Sprintf("action log write failed after %d attempts: %v", e.Attempts, e.Err)
}

func (e *PersistenceWriteFailure) Unwrap() error { return e.Err }

func (e *PersistenceWriteFailure) Is(target error) bool { return target == ErrPersistence }

// IntegrityCheckFailure describes one event that failed verification during
// Finalize. The event stays in the log, flagged corrupt.
type IntegrityCheckFailure struct {
	Sequence uint64 `json:"sequence"`
	Line     int    `json:"line"`
	Reason   string `json:"reason"`
}

func (e *IntegrityCheckFailure) Error() string {
	if e.Sequence == 0 {
		return fmt.Sprintf("integrity check failed at line %d: %s", e.Line, e.Reason)
	}
	return fmt.Sprintf("integrity check failed for event %d: %s", e.Sequence, e.Reason)
}

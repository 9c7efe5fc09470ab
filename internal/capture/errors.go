package capture

import (
	"errors"
	"fmt"

	"github.com/orchestraitor/orcai/internal/session"
)

var (
	// ErrAlreadyActive is returned by Start and Resume while a session is
	// capturing.
	ErrAlreadyActive = errors.New("a capture session is already active")
	// ErrNotActive is returned when an operation needs a session and there is
	// none.
	ErrNotActive = errors.New("no active capture session")
	// ErrAborted wraps the persistence failure that ended a session early.
	ErrAborted = errors.New("capture aborted")
)

// StateError reports an operation attempted in the wrong lifecycle state.
type StateError struct {
	Op    string
	State session.State
	Err   error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %v (session %s)", e.Op, e.Err, e.State)
}

func (e *StateError) Unwrap() error { return e.Err }

// Package event defines the records that make up an action log: shell
// commands and file changes, ordered by a session-wide sequence number.
package event

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/orchestraitor/orcai/internal/diff"
)

// Kind tags the variant held by an Event.
type Kind string

const (
	KindCommand    Kind = "command"
	KindFileChange Kind = "file_change"
)

// ChangeKind classifies a file change.
type ChangeKind string

const (
	Created  ChangeKind = "created"
	Modified ChangeKind = "modified"
	Deleted  ChangeKind = "deleted"
	Renamed  ChangeKind = "renamed"
)

// ErrInvalidEvent is returned by Validate.
var ErrInvalidEvent = errors.New("invalid event")

// Event is one entry of an action log. Exactly one of Command and FileChange
// is set, matching Kind.
type Event struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id"`
	Kind      Kind      `json:"kind"`

	Command    *CommandEvent    `json:"command,omitempty"`
	FileChange *FileChangeEvent `json:"file_change,omitempty"`

	// Set by the integrity scan on finalize; never persisted with the event.
	Corrupt       bool   `json:"corrupt,omitempty"`
	CorruptReason string `json:"corrupt_reason,omitempty"`
}

// CommandEvent is a command run in the monitored shell.
type CommandEvent struct {
	ID               string         `json:"id"`
	CommandLine      string         `json:"command_line"`
	WorkingDirectory string         `json:"working_directory"`
	StartedAt        time.Time      `json:"started_at"`
	CompletedAt      *time.Time     `json:"completed_at,omitempty"`
	ExitStatus       *int           `json:"exit_status,omitempty"`
	ExitUnknown      bool           `json:"exit_unknown,omitempty"`
	Script           *ScriptCapture `json:"script,omitempty"`
}

// Pending reports whether the command has not completed yet.
func (c *CommandEvent) Pending() bool {
	return c.CompletedAt == nil
}

// ScriptCapture holds the content of a shell script the command executed.
type ScriptCapture struct {
	Path    string `json:"path"`
	Hash    string `json:"hash"`
	Content string `json:"content,omitempty"` // empty when over the size limit
}

// Completion fills in the result of a command after it finished.
type Completion struct {
	ExitStatus  *int      `json:"exit_status,omitempty"`
	ExitUnknown bool      `json:"exit_unknown,omitempty"`
	CompletedAt time.Time `json:"completed_at"`
}

// Apply returns a copy of c with the completion fields filled in.
func (comp Completion) Apply(c *CommandEvent) *CommandEvent {
	out := *c
	at := comp.CompletedAt
	out.CompletedAt = &at
	out.ExitStatus = comp.ExitStatus
	out.ExitUnknown = comp.ExitUnknown
	return &out
}

// FileChangeEvent is a change to one file under a watched root.
type FileChangeEvent struct {
	Path           string      `json:"path"`
	ChangeKind     ChangeKind  `json:"change_kind"`
	OldContentHash string      `json:"old_content_hash"`
	NewContentHash string      `json:"new_content_hash"`
	Diff           diff.Script `json:"diff"`
	Binary         bool        `json:"binary,omitempty"`

	// ContentDropped marks a text change recorded without a diff because the
	// prior content was not kept in memory.
	ContentDropped bool `json:"content_dropped,omitempty"`

	// Base is the full prior content of a file that existed before capture
	// started, attached to the first event for that path so the log can be
	// replayed without the original file.
	Base *string `json:"base,omitempty"`

	PermissionsBefore *fs.FileMode `json:"permissions_before,omitempty"`
	PermissionsAfter  *fs.FileMode `json:"permissions_after,omitempty"`
	RenameTarget      string       `json:"rename_target,omitempty"`
}

// NewCommand wraps c in an Event.
func NewCommand(ts time.Time, c *CommandEvent) Event {
	return Event{Timestamp: ts, Kind: KindCommand, Command: c}
}

// NewFileChange wraps f in an Event.
func NewFileChange(ts time.Time, f *FileChangeEvent) Event {
	return Event{Timestamp: ts, Kind: KindFileChange, FileChange: f}
}

// Validate checks that e holds exactly the variant its Kind names.
func (e *Event) Validate() error {
	switch e.Kind {
	case KindCommand:
		if e.Command == nil || e.FileChange != nil {
			return fmt.Errorf("%w: command event must carry only a command", ErrInvalidEvent)
		}
		if e.Command.CommandLine == "" {
			return fmt.Errorf("%w: empty command line", ErrInvalidEvent)
		}
	case KindFileChange:
		if e.FileChange == nil || e.Command != nil {
			return fmt.Errorf("%w: file change event must carry only a file change", ErrInvalidEvent)
		}
		f := e.FileChange
		if f.Path == "" {
			return fmt.Errorf("%w: empty path", ErrInvalidEvent)
		}
		switch f.ChangeKind {
		case Created, Modified, Deleted:
			if f.RenameTarget != "" {
				return fmt.Errorf("%w: rename target on %s event", ErrInvalidEvent, f.ChangeKind)
			}
		case Renamed:
			if f.RenameTarget == "" {
				return fmt.Errorf("%w: renamed event without target", ErrInvalidEvent)
			}
		default:
			return fmt.Errorf("%w: unknown change kind %q", ErrInvalidEvent, f.ChangeKind)
		}
		if (f.PermissionsBefore != nil || f.PermissionsAfter != nil) && f.ChangeKind != Modified {
			return fmt.Errorf("%w: permissions on %s event", ErrInvalidEvent, f.ChangeKind)
		}
	default:
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidEvent, e.Kind)
	}
	return nil
}

// Clone returns a copy of e that shares no mutable pointers with it.
func (e Event) Clone() Event {
	if e.Command != nil {
		c := *e.Command
		e.Command = &c
	}
	if e.FileChange != nil {
		f := *e.FileChange
		e.FileChange = &f
	}
	return e
}

// ActionLog is the ordered sequence of events captured in one session.
type ActionLog struct {
	SessionID string  `json:"session_id"`
	Events    []Event `json:"events"`
}

// DroppedCount returns the number of file changes recorded without a diff
// because the prior content was not cached.
func (l ActionLog) DroppedCount() int {
	n := 0
	for _, e := range l.Events {
		if e.FileChange != nil && e.FileChange.ContentDropped {
			n++
		}
	}
	return n
}

// CorruptCount returns the number of events flagged by the integrity scan.
func (l ActionLog) CorruptCount() int {
	n := 0
	for _, e := range l.Events {
		if e.Corrupt {
			n++
		}
	}
	return n
}

// Commands returns the command events in log order.
func (l ActionLog) Commands() []*CommandEvent {
	var out []*CommandEvent
	for _, e := range l.Events {
		if e.Command != nil {
			out = append(out, e.Command)
		}
	}
	return out
}

// FileChanges returns the file change events in log order.
func (l ActionLog) FileChanges() []*FileChangeEvent {
	var out []*FileChangeEvent
	for _, e := range l.Events {
		if e.FileChange != nil {
			out = append(out, e.FileChange)
		}
	}
	return out
}

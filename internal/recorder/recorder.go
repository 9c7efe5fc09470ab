// Package recorder turns shell hook notifications into command events.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/orchestraitor/orcai/internal/event"
	"github.com/orchestraitor/orcai/internal/logging"
)

// DefaultMaxScriptBytes bounds how much of an executed script is stored.
const DefaultMaxScriptBytes = 256 << 10

// ErrClosed is returned by Begin and End after Close.
var ErrClosed = errors.New("recorder is closed")

// Appender is the part of the action log the recorder writes to.
type Appender interface {
	Append(ctx context.Context, ev event.Event) (uint64, error)
	Complete(ctx context.Context, ref uint64, c event.Completion) error
}

// Begin announces a command that is about to run.
type Begin struct {
	ID               string    `json:"id"`
	CommandLine      string    `json:"command_line"`
	WorkingDirectory string    `json:"working_directory"`
	StartedAt        time.Time `json:"started_at"`
}

// End announces that the command with the same ID finished.
type End struct {
	ID          string    `json:"id"`
	ExitStatus  int       `json:"exit_status"`
	CompletedAt time.Time `json:"completed_at"`
}

// Options configures a Recorder.
type Options struct {
	MaxScriptBytes int64
	Logger         *slog.Logger
	Now            func() time.Time
}

// Recorder appends a command event on Begin and its completion on End.
type Recorder struct {
	store Appender
	opts  Options
	log   *slog.Logger

	mu      sync.Mutex
	pending map[string]uint64 // hook id -> sequence of the begin event
	skipped map[string]bool
	closed  bool
}

// New returns a recorder writing to store.
func New(store Appender, opts Options) *Recorder {
	if opts.MaxScriptBytes <= 0 {
		opts.MaxScriptBytes = DefaultMaxScriptBytes
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Recorder{
		store:   store,
		opts:    opts,
		log:     logging.Or(opts.Logger).With("component", "recorder"),
		pending: make(map[string]uint64),
		skipped: make(map[string]bool),
	}
}

// Begin records the start of a command and returns its sequence number. Noise
// (orcai's own bookkeeping commands, blank lines) is skipped with sequence 0.
func (r *Recorder) Begin(ctx context.Context, b Begin) (uint64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return 0, ErrClosed
	}

	if b.ID == "" {
		b.ID = uuid.NewString()
	}
	line := strings.TrimSpace(b.CommandLine)
	if line == "" || IsNoise(line) {
		r.skipped[b.ID] = true
		return 0, nil
	}
	if _, dup := r.pending[b.ID]; dup {
		return 0, fmt.Errorf("command %s already started", b.ID)
	}
	if b.StartedAt.IsZero() {
		b.StartedAt = r.opts.Now()
	}

	cmd := &event.CommandEvent{
		ID:               b.ID,
		CommandLine:      line,
		WorkingDirectory: b.WorkingDirectory,
		StartedAt:        b.StartedAt.UTC(),
		Script:           captureScript(line, b.WorkingDirectory, r.opts.MaxScriptBytes),
	}
	seq, err := r.store.Append(ctx, event.NewCommand(b.StartedAt, cmd))
	if err != nil {
		return 0, err
	}
	r.pending[b.ID] = seq
	r.log.Debug("command started", "id", b.ID, "sequence", seq, "script", cmd.Script != nil)
	return seq, nil
}

// End records the exit status of a previously begun command. Unknown IDs are
// logged and ignored.
func (r *Recorder) End(ctx context.Context, e End) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	seq, ok := r.pending[e.ID]
	if !ok {
		if r.skipped[e.ID] {
			delete(r.skipped, e.ID)
		} else {
			r.log.Warn("end for unknown command", "id", e.ID)
		}
		return nil
	}
	if e.CompletedAt.IsZero() {
		e.CompletedAt = r.opts.Now()
	}
	exit := e.ExitStatus
	if err := r.store.Complete(ctx, seq, event.Completion{ExitStatus: &exit, CompletedAt: e.CompletedAt}); err != nil {
		return err
	}
	delete(r.pending, e.ID)
	return nil
}

// Adopt registers a command event already in the log that has not completed,
// so a later End for id completes it. Used when resuming a session.
func (r *Recorder) Adopt(id string, seq uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[id] = seq
}

// Pending returns the number of commands still waiting for End.
func (r *Recorder) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Close finalizes every pending command with an unknown exit status and
// rejects further calls.
func (r *Recorder) Close(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	type open struct {
		id  string
		seq uint64
	}
	var opens []open
	for id, seq := range r.pending {
		opens = append(opens, open{id, seq})
	}
	sort.Slice(opens, func(i, j int) bool { return opens[i].seq < opens[j].seq })

	now := r.opts.Now()
	var errs []error
	for _, o := range opens {
		if err := r.store.Complete(ctx, o.seq, event.Completion{ExitUnknown: true, CompletedAt: now}); err != nil {
			errs = append(errs, fmt.Errorf("finalize command %s: %w", o.id, err))
			continue
		}
		delete(r.pending, o.id)
	}
	if len(opens) > 0 {
		r.log.Info("finalized pending commands", "count", len(opens))
	}
	return errors.Join(errs...)
}

// noiseCommands are orcai subcommands that are pure session bookkeeping.
var noiseCommands = []string{"start", "stop", "status", "abandon", "record"}

// IsNoise reports whether raw is an invocation of orcai's own bookkeeping
// commands, e.g. "orcai stop" or "/usr/local/bin/orcai record begin".
func IsNoise(raw string) bool {
	fields := strings.Fields(raw)
	if len(fields) < 2 {
		return false
	}
	if filepath.Base(fields[0]) != "orcai" {
		return false
	}
	for _, noise := range noiseCommands {
		if fields[1] == noise {
			return true
		}
	}
	return false
}

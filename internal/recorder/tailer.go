package recorder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fsnotify/fsnotify"

	"github.com/orchestraitor/orcai/internal/logging"
	"github.com/orchestraitor/orcai/internal/shell"
)

// Sink receives the commands read from a spool or history file.
type Sink interface {
	Begin(ctx context.Context, b Begin) (uint64, error)
	End(ctx context.Context, e End) error
}

// Tailer follows the spool file written by the shell plugins and feeds its
// records to a Sink.
type Tailer struct {
	path   string
	sink   Sink
	log    *slog.Logger
	offset int64
}

// NewTailer returns a tailer for the spool at path.
func NewTailer(path string, sink Sink, logger *slog.Logger) *Tailer {
	return &Tailer{
		path: path,
		sink: sink,
		log:  logging.Or(logger).With("component", "tailer", "spool", path),
	}
}

// SkipExisting moves past everything already in the spool so only lines
// appended later are delivered.
func (t *Tailer) SkipExisting() error {
	info, err := os.Stat(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	t.offset = info.Size()
	return nil
}

// Run reads the spool whenever it changes until ctx is cancelled, then reads
// it one last time so nothing written before cancellation is lost.
func (t *Tailer) Run(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch spool: %w", err)
	}
	defer w.Close()
	if err := w.Add(t.path); err != nil {
		return fmt.Errorf("watch spool: %w", err)
	}

	if err := t.Poll(ctx); err != nil {
		t.log.Warn("failed to read spool", "error", err)
	}
	for {
		select {
		case <-ctx.Done():
			return t.Poll(context.WithoutCancel(ctx))
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Write) {
				if err := t.Poll(ctx); err != nil {
					t.log.Warn("failed to read spool", "error", err)
				}
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			t.log.Warn("spool watcher error", "error", err)
		}
	}
}

// Poll reads every complete line appended since the last call. A final line
// without its newline is left for the next call.
func (t *Tailer) Poll(ctx context.Context) error {
	f, err := os.Open(t.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Seek(t.offset, io.SeekStart); err != nil {
		return err
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	end := bytes.LastIndexByte(data, '\n')
	if end < 0 {
		return nil
	}
	t.offset += int64(end + 1)

	for _, raw := range bytes.Split(data[:end], []byte{'\n'}) {
		if len(raw) == 0 {
			continue
		}
		entry, err := shell.ParseSpoolLine(string(raw))
		if err != nil {
			t.log.Warn("skipping spool line", "error", err)
			continue
		}
		if err := t.deliver(ctx, entry); err != nil {
			if errors.Is(err, ErrClosed) {
				return err
			}
			t.log.Warn("failed to record spool entry", "id", entry.ID, "error", err)
		}
	}
	return nil
}

func (t *Tailer) deliver(ctx context.Context, e shell.SpoolEntry) error {
	switch e.Kind {
	case shell.KindBegin:
		_, err := t.sink.Begin(ctx, Begin{
			ID:               e.ID,
			CommandLine:      e.Command,
			WorkingDirectory: e.Dir,
			StartedAt:        e.Time,
		})
		return err
	case shell.KindEnd:
		return t.sink.End(ctx, End{ID: e.ID, ExitStatus: e.Exit, CompletedAt: e.Time})
	}
	return nil
}

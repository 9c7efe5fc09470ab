package recorder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/orchestraitor/orcai/internal/logging"
)

// HistoryEntry is one command read from a shell history file. Time is zero
// when the history format carries no timestamps.
type HistoryEntry struct {
	Command string
	Time    time.Time
}

// HistoryParser parses shell history from r.
type HistoryParser func(r io.Reader) ([]HistoryEntry, error)

// DetectHistory returns the history file and parser for shell (the base name
// of $SHELL). override replaces the detected path.
func DetectHistory(shell, override string) (string, HistoryParser) {
	home, _ := os.UserHomeDir()

	var parser HistoryParser
	var defaultPath string
	switch shell {
	case "zsh":
		parser = parseZshHistory
		defaultPath = filepath.Join(home, ".zsh_history")
	case "fish":
		parser = parseFishHistory
		defaultPath = filepath.Join(home, ".local", "share", "fish", "fish_history")
	default:
		// bash, and a best-effort guess for unknown shells.
		parser = parseBashHistory
		defaultPath = filepath.Join(home, ".bash_history")
	}
	if override != "" {
		return override, parser
	}
	return defaultPath, parser
}

// HistoryImporter ingests commands appended to a shell history file after a
// baseline. It is the fallback for shells without the plugin: exit statuses
// are never known, so imported commands stay pending until the recorder
// closes.
type HistoryImporter struct {
	Path   string
	Parser HistoryParser
	// Dir is recorded as the working directory of imported commands; history
	// files do not carry one.
	Dir string

	log      *slog.Logger
	baseline int
}

// NewHistoryImporter snapshots the current number of entries in path so only
// later commands are imported.
func NewHistoryImporter(path string, parser HistoryParser, dir string, logger *slog.Logger) *HistoryImporter {
	h := &HistoryImporter{
		Path:   path,
		Parser: parser,
		Dir:    dir,
		log:    logging.Or(logger).With("component", "history", "path", path),
	}
	if entries, err := h.read(); err == nil {
		h.baseline = len(entries)
	}
	return h
}

// Baseline returns the number of entries already consumed.
func (h *HistoryImporter) Baseline() int { return h.baseline }

func (h *HistoryImporter) read() ([]HistoryEntry, error) {
	f, err := os.Open(h.Path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return h.Parser(f)
}

// Import feeds every entry past the baseline to sink and advances the
// baseline. A history file that shrank (rewritten or trimmed) resets the
// baseline without importing.
func (h *HistoryImporter) Import(ctx context.Context, sink Sink) (int, error) {
	entries, err := h.read()
	if err != nil {
		return 0, fmt.Errorf("shell history unavailable (%s): %w", h.Path, err)
	}
	if len(entries) < h.baseline {
		h.log.Warn("history file shrank, resetting baseline", "was", h.baseline, "now", len(entries))
		h.baseline = len(entries)
		return 0, nil
	}

	n := 0
	for _, e := range entries[h.baseline:] {
		h.baseline++
		if IsNoise(e.Command) {
			continue
		}
		if _, err := sink.Begin(ctx, Begin{
			ID:               uuid.NewString(),
			CommandLine:      e.Command,
			WorkingDirectory: h.Dir,
			StartedAt:        e.Time,
		}); err != nil {
			return n, err
		}
		n++
	}
	return n, nil
}

// Follow imports new history entries whenever the file changes until ctx is
// cancelled, then imports once more. The parent directory is watched so a
// rewritten history file is picked up.
func (h *HistoryImporter) Follow(ctx context.Context, sink Sink) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch history: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(h.Path)); err != nil {
		return fmt.Errorf("watch history: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			_, err := h.Import(context.WithoutCancel(ctx), sink)
			return err
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != filepath.Clean(h.Path) || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			if n, err := h.Import(ctx, sink); err != nil {
				h.log.Warn("history import failed", "error", err)
			} else if n > 0 {
				h.log.Debug("imported history", "count", n)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			h.log.Warn("history watcher error", "error", err)
		}
	}
}

// parseBashHistory parses ~/.bash_history.
//
// Format:
//   - Plain: one command per line (no timestamps).
//   - With HISTTIMEFORMAT: a `#<epoch>` line precedes each command.
func parseBashHistory(r io.Reader) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var pendingTime time.Time
	for scanner.Scan() {
		line := scanner.Text()

		if strings.HasPrefix(line, "#") {
			if epoch, err := strconv.ParseInt(strings.TrimPrefix(line, "#"), 10, 64); err == nil {
				pendingTime = time.Unix(epoch, 0)
				continue
			}
			pendingTime = time.Time{}
			continue
		}
		if line == "" {
			pendingTime = time.Time{}
			continue
		}
		entries = append(entries, HistoryEntry{Command: line, Time: pendingTime})
		pendingTime = time.Time{}
	}
	return entries, scanner.Err()
}

// parseZshHistory parses ~/.zsh_history.
//
// Extended format: `: <epoch>:<elapsed>;<command>`
// Plain fallback:  one command per line.
func parseZshHistory(r io.Reader) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, ": "); ok {
			if timePart, cmd, ok := strings.Cut(rest, ";"); ok {
				if epochStr, _, ok := strings.Cut(timePart, ":"); ok {
					if epoch, err := strconv.ParseInt(epochStr, 10, 64); err == nil {
						entries = append(entries, HistoryEntry{Command: cmd, Time: time.Unix(epoch, 0)})
						continue
					}
				}
			}
		}
		entries = append(entries, HistoryEntry{Command: line})
	}
	return entries, scanner.Err()
}

// parseFishHistory parses ~/.local/share/fish/fish_history.
//
// YAML-like format:
//
//	- cmd: <command>
//	  when: <epoch>
func parseFishHistory(r io.Reader) ([]HistoryEntry, error) {
	var entries []HistoryEntry
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	var cur HistoryEntry
	inEntry := false
	flush := func() {
		if inEntry && cur.Command != "" {
			entries = append(entries, cur)
		}
	}
	for scanner.Scan() {
		line := scanner.Text()
		if cmd, ok := strings.CutPrefix(line, "- cmd: "); ok {
			flush()
			cur = HistoryEntry{Command: cmd}
			inEntry = true
			continue
		}
		if when, ok := strings.CutPrefix(line, "  when: "); ok && inEntry {
			if epoch, err := strconv.ParseInt(strings.TrimSpace(when), 10, 64); err == nil {
				cur.Time = time.Unix(epoch, 0)
			}
		}
	}
	flush()
	return entries, scanner.Err()
}

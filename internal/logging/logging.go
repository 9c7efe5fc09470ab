// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Logger is the public logger instance accessible from all packages.
// It discards everything until Initialize is called.
var Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))

// DefaultMaxLogFiles is how many debug log files are kept in the log directory.
const DefaultMaxLogFiles = 50

// Initialize sets up the logger. Logs are written only when debug is enabled
// (flag or ORCAI_DEBUG=1) or a log file is given; otherwise they are discarded.
func Initialize(debug bool, logFile string) error {
	if os.Getenv("ORCAI_DEBUG") == "1" {
		debug = true
	}
	if env := os.Getenv("ORCAI_LOG_FILE"); env != "" && logFile == "" {
		logFile = env
	}

	if !debug && logFile == "" {
		Logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
		slog.SetDefault(Logger)
		return nil
	}

	if logFile == "" {
		dir, err := LogDir()
		if err != nil {
			return fmt.Errorf("failed to get log directory: %w", err)
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create log directory: %w", err)
		}
		if err := rotateLogs(dir, DefaultMaxLogFiles); err != nil {
			// Rotation failure shouldn't prevent logging.
			fmt.Fprintf(os.Stderr, "warning: log rotation failed: %v\n", err)
		}
		logFile = filepath.Join(dir, uuid.New().String()+".log")
	} else if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create log file: %w", err)
	}

	Logger = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug}))
	slog.SetDefault(Logger)
	Logger.Info("debug logging initialized", "log_file", logFile)
	return nil
}

// New returns a logger writing JSON to w at the given level. Used by the
// daemon for its own log file and by tests.
func New(w io.Writer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))
}

// Or returns l, or the package logger when l is nil.
func Or(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return Logger
}

// LogDir returns $XDG_STATE_HOME/orcai or ~/.local/state/orcai.
func LogDir() (string, error) {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, "orcai"), nil
}

// rotateLogs removes the oldest .log files so that at most max-1 remain.
func rotateLogs(dir string, max int) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to read log directory: %w", err)
	}

	type logFileInfo struct {
		path    string
		modTime time.Time
	}
	var files []logFileInfo
	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".log" {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		files = append(files, logFileInfo{path: filepath.Join(dir, entry.Name()), modTime: info.ModTime()})
	}
	if len(files) < max {
		return nil
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].modTime.Before(files[j].modTime)
	})
	for i := 0; i < len(files)-max+1; i++ {
		if err := os.Remove(files[i].path); err != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to delete old log file %s: %v\n", files[i].path, err)
		}
	}
	return nil
}

// Package export renders a finished action log into the document handed to
// the playbook generator.
package export

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orchestraitor/orcai/internal/event"
)

// Version is the document schema version.
const Version = 1

// Output formats.
const (
	FormatJSON     = "json"
	FormatMarkdown = "markdown"
)

// Document is the complete, renderable representation of one session's
// action log.
type Document struct {
	Version  int           `json:"version"`
	Session  SessionMeta   `json:"session"`
	Events   []event.Event `json:"events"`
	Warnings []string      `json:"warnings,omitempty"`
}

// SessionMeta holds summary metadata about the session.
type SessionMeta struct {
	ID           string    `json:"id"`
	StartTime    time.Time `json:"start_time"`
	StopTime     time.Time `json:"stop_time"`
	WatchedRoots []string  `json:"watched_roots"`
	Duration     string    `json:"duration"` // human-readable, e.g. "2h15m0s"
	EventCount   int       `json:"event_count"`
	CorruptCount int       `json:"corrupt_count"`
	Aborted      bool      `json:"aborted,omitempty"`
}

// New builds a document from a finalized log. Counts and duration are derived
// from log and meta's times.
func New(meta SessionMeta, log event.ActionLog, warnings []string) *Document {
	if meta.ID == "" {
		meta.ID = log.SessionID
	}
	meta.EventCount = len(log.Events)
	meta.CorruptCount = log.CorruptCount()
	if !meta.StopTime.IsZero() && !meta.StartTime.IsZero() {
		meta.Duration = meta.StopTime.Sub(meta.StartTime).Round(time.Second).String()
	}
	events := log.Events
	if events == nil {
		events = []event.Event{}
	}
	return &Document{
		Version:  Version,
		Session:  meta,
		Events:   events,
		Warnings: warnings,
	}
}

// Log returns the action log carried by d.
func (d *Document) Log() event.ActionLog {
	return event.ActionLog{SessionID: d.Session.ID, Events: d.Events}
}

// ParseFormat normalizes a user-supplied format name.
func ParseFormat(s string) (string, error) {
	switch s {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatMarkdown, "md":
		return FormatMarkdown, nil
	}
	return "", fmt.Errorf("unknown format %q (want json or markdown)", s)
}

// RendererFor returns the renderer for format.
func RendererFor(format string) (Renderer, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return nil, err
	}
	if f == FormatMarkdown {
		return &MarkdownRenderer{}, nil
	}
	return &JSONRenderer{}, nil
}

// FileName returns the file name used for session id in format.
func FileName(id, format string) string {
	if format == FormatMarkdown {
		return "orcai-" + id + ".md"
	}
	return "orcai-" + id + ".json"
}

// Write renders d into dir and returns the path written.
func Write(dir string, d *Document, format string) (string, error) {
	f, err := ParseFormat(format)
	if err != nil {
		return "", err
	}
	r, _ := RendererFor(f)
	data, err := r.Render(d)
	if err != nil {
		return "", fmt.Errorf("render action log: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create output directory: %w", err)
	}
	path := filepath.Join(dir, FileName(d.Session.ID, f))
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write action log export: %w", err)
	}
	return path, nil
}

// Read loads a document written by Write, detecting its format from the
// content.
func Read(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse decodes a JSON or Markdown document. Anything that does not start
// like a JSON object is handed to the Markdown parser.
func Parse(data []byte) (*Document, error) {
	if bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return (&JSONParser{}).Parse(data)
	}
	return (&MarkdownParser{}).Parse(data)
}

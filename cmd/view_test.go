package cmd

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
	"github.com/orchestraitor/orcai/internal/export"
)

var plainSections = []string{"## Summary", "## Timeline", "## Commands", "## File Changes", "## Warnings"}

func generateViewDocument(t *rapid.T) *export.Document {
	start := time.Unix(rapid.Int64Range(1_000_000_000, 1_700_000_000).Draw(t, "start"), 0).UTC()
	log := event.ActionLog{SessionID: rapid.StringMatching(`[a-f0-9]{8}`).Draw(t, "id")}
	n := rapid.IntRange(0, 8).Draw(t, "n")
	for i := 0; i < n; i++ {
		ts := start.Add(time.Duration(i) * time.Second)
		ev := event.Event{Sequence: uint64(i + 1), Timestamp: ts, SessionID: log.SessionID}
		if rapid.Bool().Draw(t, "command") {
			ev.Kind = event.KindCommand
			ev.Command = &event.CommandEvent{
				ID:          rapid.StringMatching(`[0-9]{1,4}`).Draw(t, "cmd_id"),
				CommandLine: rapid.StringMatching(`[a-z ]{1,20}`).Draw(t, "line"),
				StartedAt:   ts,
			}
		} else {
			ev.Kind = event.KindFileChange
			ev.FileChange = &event.FileChangeEvent{
				Path:       "/r/" + rapid.StringMatching(`[a-z]{1,8}`).Draw(t, "path"),
				ChangeKind: rapid.SampledFrom([]event.ChangeKind{event.Created, event.Modified, event.Deleted}).Draw(t, "kind"),
			}
		}
		log.Events = append(log.Events, ev)
	}
	warnings := rapid.SliceOfN(rapid.StringMatching(`[a-z ]{1,20}`), 0, 3).Draw(t, "warnings")
	return export.New(export.SessionMeta{StartTime: start, StopTime: start.Add(time.Hour)}, log, warnings)
}

// Feature: orcai, Property 5: Plain view lists every section in order
func TestPlainViewSectionOrder(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		doc := generateViewDocument(t)
		var buf bytes.Buffer
		printDocument(&buf, doc)
		out := buf.String()

		last := -1
		for _, section := range plainSections {
			idx := strings.Index(out, section)
			if idx < 0 {
				t.Fatalf("section %q missing from output:\n%s", section, out)
			}
			if idx <= last {
				t.Fatalf("section %q out of order", section)
			}
			last = idx
		}
		for _, c := range doc.Log().Commands() {
			if !strings.Contains(out, c.CommandLine) {
				t.Fatalf("command %q missing", c.CommandLine)
			}
		}
	})
}

func TestViewPlainFile(t *testing.T) {
	newCLIEnv(t)
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	res := diff.Compute([]byte("a\n"), []byte("a\nb\n"))
	log := event.ActionLog{SessionID: "s1", Events: []event.Event{
		{Sequence: 1, Timestamp: start, Kind: event.KindFileChange, FileChange: &event.FileChangeEvent{
			Path: "/r/notes.txt", ChangeKind: event.Modified, Diff: res.Script,
		}, Corrupt: true, CorruptReason: "record hash mismatch"},
		{Sequence: 2, Timestamp: start.Add(time.Second), Kind: event.KindFileChange, FileChange: &event.FileChangeEvent{
			Path: "/r/a.txt", ChangeKind: event.Renamed, RenameTarget: "/r/b.txt",
		}},
	}}
	doc := export.New(export.SessionMeta{ID: "s1", StartTime: start, StopTime: start.Add(time.Minute)}, log, []string{"1 corrupt event(s) in action log"})
	path, err := export.Write(t.TempDir(), doc, export.FormatMarkdown)
	require.NoError(t, err)

	out, err := executeCommand(rootCmd, "view", "--plain", path)
	require.NoError(t, err)
	assert.Contains(t, out, "(corrupt: record hash mismatch)")
	assert.Contains(t, out, "+b")
	assert.Contains(t, out, "renamed /r/a.txt -> /r/b.txt")
	assert.Contains(t, out, "- 1 corrupt event(s) in action log")
	assert.Contains(t, out, "## Commands\n  (none)")
}

func TestViewMissingFile(t *testing.T) {
	newCLIEnv(t)

	_, err := executeCommand(rootCmd, "view", "--plain", filepath.Join(t.TempDir(), "gone.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")
}

func TestViewRejectsForeignMarkdown(t *testing.T) {
	newCLIEnv(t)
	path := filepath.Join(t.TempDir(), "notes.md")
	require.NoError(t, writeText(path, "# Notes\n"))

	_, err := executeCommand(rootCmd, "view", "--plain", path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not a valid orcai action log")
}

package tui

import (
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
	"github.com/orchestraitor/orcai/internal/export"
)

func testDoc() *export.Document {
	start := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	exit := 2
	res := diff.Compute([]byte("a\n"), []byte("b\n"))
	log := event.ActionLog{SessionID: "s1", Events: []event.Event{
		{Sequence: 1, Timestamp: start, Kind: event.KindCommand, Command: &event.CommandEvent{
			ID: "1", CommandLine: "make lint", WorkingDirectory: "/work", StartedAt: start, ExitStatus: &exit,
		}},
		{Sequence: 2, Timestamp: start.Add(time.Second), Kind: event.KindFileChange, FileChange: &event.FileChangeEvent{
			Path: "/work/src/a.txt", ChangeKind: event.Modified, Diff: res.Script,
		}},
		{Sequence: 3, Timestamp: start.Add(2 * time.Second), Kind: event.KindFileChange, FileChange: &event.FileChangeEvent{
			Path: "/work/old.txt", ChangeKind: event.Renamed, RenameTarget: "/work/new.txt",
		}, Corrupt: true},
	}}
	return export.New(export.SessionMeta{
		ID: "s1", StartTime: start, StopTime: start.Add(time.Minute), WatchedRoots: []string{"/work"},
	}, log, []string{"watch limit reached"})
}

func sized(t *testing.T) Model {
	t.Helper()
	m, _ := New(testDoc(), "/tmp/orcai-s1.json").Update(tea.WindowSizeMsg{Width: 120, Height: 40})
	return m.(Model)
}

func press(m Model, k string) Model {
	var msg tea.KeyMsg
	switch k {
	case "tab":
		msg = tea.KeyMsg{Type: tea.KeyTab}
	case "down":
		msg = tea.KeyMsg{Type: tea.KeyDown}
	case "enter":
		msg = tea.KeyMsg{Type: tea.KeyEnter}
	default:
		msg = tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(k)}
	}
	next, _ := m.Update(msg)
	return next.(Model)
}

func TestViewBeforeSize(t *testing.T) {
	assert.Equal(t, "Loading…", New(testDoc(), "x.json").View())
}

func TestTabNavigation(t *testing.T) {
	m := sized(t)
	assert.Equal(t, tabSummary, m.activeTab)
	m = press(m, "tab")
	assert.Equal(t, tabTimeline, m.activeTab)
	m = press(m, "5")
	assert.Equal(t, tabWarnings, m.activeTab)
	m = press(m, "tab")
	assert.Equal(t, tabSummary, m.activeTab)
	assert.Contains(t, m.View(), "orcai-s1.json")
}

func TestRenderedTabs(t *testing.T) {
	m := sized(t)

	summary := m.renderSummary()
	assert.Contains(t, summary, "s1")
	assert.Contains(t, summary, "1m0s")

	timeline := m.renderTimeline()
	assert.Contains(t, timeline, "make lint")
	assert.Contains(t, timeline, "src/a.txt")
	assert.Contains(t, timeline, "old.txt → new.txt")
	assert.Contains(t, timeline, "[corrupt]")
	assert.Less(t, strings.Index(timeline, "make lint"), strings.Index(timeline, "src/a.txt"))

	m = press(press(m, "2"), "s")
	timeline = m.renderTimeline()
	assert.Contains(t, timeline, "newest first")
	assert.Greater(t, strings.Index(timeline, "make lint"), strings.Index(timeline, "src/a.txt"))

	assert.Contains(t, m.renderCommands(), "in /work")
	assert.Contains(t, m.renderWarnings(), "watch limit reached")
}

func TestFilesExpandDiff(t *testing.T) {
	m := press(sized(t), "4")
	require.Equal(t, tabFiles, m.activeTab)
	assert.NotContains(t, m.renderFiles(), "+b")

	m = press(m, "enter")
	assert.True(t, m.expandedFiles[0])
	assert.Contains(t, m.renderFiles(), "+b")

	m = press(m, "down")
	assert.Equal(t, 1, m.fileCursor)
	m = press(m, "down")
	assert.Equal(t, 1, m.fileCursor, "cursor stays on the last row")

	m = press(m, "enter")
	assert.Contains(t, m.renderFiles(), "no content change")
}

func TestChangeWithBaseShowsContext(t *testing.T) {
	base := "one\ntwo\nthree\n"
	res := diff.Compute([]byte(base), []byte("one\nTWO\nthree\n"))
	fc := &event.FileChangeEvent{Path: "/work/n.txt", ChangeKind: event.Modified, Diff: res.Script, Base: &base}

	out := renderChange(fc, 80)
	assert.Contains(t, out, " one")
	assert.Contains(t, out, "-two")
	assert.Contains(t, out, "+TWO")
	assert.Contains(t, out, " three")
}

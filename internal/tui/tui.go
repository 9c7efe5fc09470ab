// Package tui provides a Bubble Tea viewer for exported action logs.
package tui

import (
	"cmp"
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
	"github.com/orchestraitor/orcai/internal/export"
)

type styles struct {
	brand, tabOn, tabOff, bar lipgloss.Style
	heading, label, muted     lipgloss.Style
	clock, marker, selected   lipgloss.Style
	cmdKind, fileKind         lipgloss.Style
	ok, bad                   lipgloss.Style
	added, removed, hunk      lipgloss.Style
}

func newStyles() styles {
	var (
		ink     = lipgloss.Color("255")
		panel   = lipgloss.Color("236")
		accent  = lipgloss.Color("69")
		faint   = lipgloss.Color("243")
		green   = lipgloss.Color("78")
		red     = lipgloss.Color("203")
		amber   = lipgloss.Color("221")
		cyan    = lipgloss.Color("80")
		magenta = lipgloss.Color("176")
	)
	fg := func(c lipgloss.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }
	return styles{
		brand:    lipgloss.NewStyle().Bold(true).Foreground(ink).Background(accent).Padding(0, 1),
		tabOn:    lipgloss.NewStyle().Bold(true).Foreground(ink).Background(accent).Padding(0, 1),
		tabOff:   lipgloss.NewStyle().Foreground(faint).Background(panel).Padding(0, 1),
		bar:      lipgloss.NewStyle().Foreground(faint).Background(panel),
		heading:  fg(cyan).Bold(true).Underline(true),
		label:    fg(accent).Bold(true),
		muted:    fg(faint),
		clock:    fg(amber),
		marker:   fg(magenta),
		selected: lipgloss.NewStyle().Bold(true).Foreground(ink).Background(lipgloss.Color("238")),
		cmdKind:  fg(cyan).Bold(true),
		fileKind: fg(amber).Bold(true),
		ok:       fg(green),
		bad:      fg(red).Bold(true),
		added:    fg(green),
		removed:  fg(red),
		hunk:     fg(magenta),
	}
}

var theme = newStyles()

type tabID int

const (
	tabSummary tabID = iota
	tabTimeline
	tabCommands
	tabFiles
	tabWarnings
	tabCount
)

func (t tabID) String() string {
	return [tabCount]string{"Summary", "Timeline", "Commands", "Files", "Warnings"}[t]
}

type keyMap struct {
	Next, Prev, Jump key.Binding
	Up, Down, Toggle key.Binding
	Sort, Quit       key.Binding
}

func newKeyMap() keyMap {
	return keyMap{
		Next:   key.NewBinding(key.WithKeys("tab", "l", "right"), key.WithHelp("tab", "next")),
		Prev:   key.NewBinding(key.WithKeys("shift+tab", "h", "left"), key.WithHelp("shift+tab", "prev")),
		Jump:   key.NewBinding(key.WithKeys("1", "2", "3", "4", "5"), key.WithHelp("1-5", "jump")),
		Up:     key.NewBinding(key.WithKeys("up", "k"), key.WithHelp("↑/k", "select")),
		Down:   key.NewBinding(key.WithKeys("down", "j"), key.WithHelp("↓/j", "select")),
		Toggle: key.NewBinding(key.WithKeys("enter", " "), key.WithHelp("enter", "show diff")),
		Sort:   key.NewBinding(key.WithKeys("s"), key.WithHelp("s", "reverse")),
		Quit:   key.NewBinding(key.WithKeys("q", "ctrl+c"), key.WithHelp("q", "quit")),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Next, k.Jump, k.Up, k.Down, k.Toggle, k.Sort, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding { return [][]key.Binding{k.ShortHelp()} }

// Model is the root Bubble Tea model for the viewer.
type Model struct {
	doc      *export.Document
	filename string
	keys     keyMap
	help     help.Model

	activeTab   tabID
	viewports   [tabCount]viewport.Model
	width       int
	height      int
	ready       bool
	newestFirst bool

	// file change events in log order, one row each on the Files tab
	files         []event.Event
	fileCursor    int
	expandedFiles map[int]bool
}

// New creates a viewer model for doc, loaded from filename.
func New(doc *export.Document, filename string) Model {
	m := Model{
		doc:           doc,
		filename:      filepath.Base(filename),
		keys:          newKeyMap(),
		help:          help.New(),
		expandedFiles: map[int]bool{},
	}
	for _, ev := range doc.Events {
		if ev.FileChange != nil {
			m.files = append(m.files, ev)
		}
	}
	m.syncKeys()
	return m
}

func (m Model) Init() tea.Cmd { return nil }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.help.Width = msg.Width
		m.layout()
		m.ready = true
		return m, nil

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, m.keys.Quit):
			return m, tea.Quit
		case key.Matches(msg, m.keys.Next):
			m.show((m.activeTab + 1) % tabCount)
			return m, nil
		case key.Matches(msg, m.keys.Prev):
			m.show((m.activeTab + tabCount - 1) % tabCount)
			return m, nil
		case key.Matches(msg, m.keys.Jump):
			m.show(tabID(msg.String()[0] - '1'))
			return m, nil
		case key.Matches(msg, m.keys.Sort):
			m.newestFirst = !m.newestFirst
			m.refresh(tabTimeline)
			m.viewports[tabTimeline].GotoTop()
			return m, nil
		case key.Matches(msg, m.keys.Up):
			m.moveCursor(-1)
			return m, nil
		case key.Matches(msg, m.keys.Down):
			m.moveCursor(1)
			return m, nil
		case key.Matches(msg, m.keys.Toggle):
			if len(m.files) > 0 {
				m.expandedFiles[m.fileCursor] = !m.expandedFiles[m.fileCursor]
				m.refresh(tabFiles)
			}
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.viewports[m.activeTab], cmd = m.viewports[m.activeTab].Update(msg)
	return m, cmd
}

func (m Model) View() string {
	if !m.ready {
		return "Loading…"
	}
	return lipgloss.JoinVertical(lipgloss.Left,
		m.headerView(),
		m.viewports[m.activeTab].View(),
		m.footerView(),
	)
}

func (m Model) headerView() string {
	parts := []string{theme.brand.Render("orcai"), theme.bar.Render(" " + m.filename + "  ")}
	for t := tabID(0); t < tabCount; t++ {
		style := theme.tabOff
		if t == m.activeTab {
			style = theme.tabOn
		}
		parts = append(parts, style.Render(fmt.Sprintf("%d·%s", t+1, t)))
	}
	return theme.bar.Width(m.width).Render(lipgloss.JoinHorizontal(lipgloss.Top, parts...))
}

func (m Model) footerView() string {
	scroll := fmt.Sprintf("%3.0f%% ", m.viewports[m.activeTab].ScrollPercent()*100)
	keys := m.help.View(m.keys)
	gap := max(1, m.width-lipgloss.Width(keys)-lipgloss.Width(scroll))
	return theme.bar.Width(m.width).Render(keys + strings.Repeat(" ", gap) + scroll)
}

// layout sizes one viewport per tab below the header and above the footer.
func (m *Model) layout() {
	h := max(1, m.height-2)
	for t := tabID(0); t < tabCount; t++ {
		m.viewports[t] = viewport.New(m.width, h)
		m.refresh(t)
	}
}

func (m *Model) show(t tabID) {
	m.activeTab = t
	m.syncKeys()
}

// syncKeys enables the bindings that apply to the active tab, which also
// hides the others from the help line.
func (m *Model) syncKeys() {
	onFiles := m.activeTab == tabFiles
	m.keys.Up.SetEnabled(onFiles)
	m.keys.Down.SetEnabled(onFiles)
	m.keys.Toggle.SetEnabled(onFiles)
	m.keys.Sort.SetEnabled(m.activeTab == tabTimeline)
}

func (m *Model) moveCursor(delta int) {
	next := m.fileCursor + delta
	if next < 0 || next >= len(m.files) {
		return
	}
	m.fileCursor = next
	m.refresh(tabFiles)
}

func (m *Model) refresh(t tabID) {
	var content string
	switch t {
	case tabSummary:
		content = m.renderSummary()
	case tabTimeline:
		content = m.renderTimeline()
	case tabCommands:
		content = m.renderCommands()
	case tabFiles:
		content = m.renderFiles()
	case tabWarnings:
		content = m.renderWarnings()
	}
	m.viewports[t].SetContent(content)
}

// page accumulates the text of one tab.
type page struct{ strings.Builder }

func (p *page) heading(title string) {
	p.WriteString("\n  " + theme.heading.Render(title) + "\n\n")
}

func (p *page) line(s string) { p.WriteString(s + "\n") }

func (p *page) field(label, value string) {
	p.line(theme.label.Render(fmt.Sprintf("  %-14s", label)) + "  " + value)
}

func (p *page) empty(text string) { p.line(theme.muted.Render("  " + text)) }

func (m *Model) renderSummary() string {
	var p page
	s := m.doc.Session
	const stamp = "2006-01-02 15:04:05 MST"

	p.heading("Session")
	p.field("ID", s.ID)
	p.field("Started", s.StartTime.Format(stamp))
	p.field("Stopped", s.StopTime.Format(stamp))
	p.field("Duration", s.Duration)
	for i, root := range s.WatchedRoots {
		label := ""
		if i == 0 {
			label = "Watched"
		}
		p.field(label, root)
	}
	if s.Aborted {
		p.field("Aborted", theme.bad.Render("capture ended on a write failure"))
	}

	p.heading("Totals")
	p.field("Events", fmt.Sprint(s.EventCount))
	p.field("Commands", fmt.Sprint(len(m.doc.Events)-len(m.files)))
	p.field("File changes", fmt.Sprint(len(m.files)))
	p.field("Corrupt", fmt.Sprint(s.CorruptCount))
	p.field("Warnings", fmt.Sprint(len(m.doc.Warnings)))
	return p.String()
}

func (m *Model) renderTimeline() string {
	var p page
	order := "oldest first"
	if m.newestFirst {
		order = "newest first"
	}
	p.heading(fmt.Sprintf("Timeline · %s", order))

	events := slices.Clone(m.doc.Events)
	slices.SortFunc(events, func(a, b event.Event) int { return cmp.Compare(a.Sequence, b.Sequence) })
	if m.newestFirst {
		slices.Reverse(events)
	}
	if len(events) == 0 {
		p.empty("no events were captured")
		return p.String()
	}

	for _, ev := range events {
		var kind, text string
		if c := ev.Command; c != nil {
			kind = theme.cmdKind.Render(fmt.Sprintf("%-9s", "command"))
			text = c.CommandLine + "  " + exitBadge(c)
		} else if fc := ev.FileChange; fc != nil {
			kind = theme.fileKind.Render(fmt.Sprintf("%-9s", fc.ChangeKind))
			text = m.describePath(fc)
		}
		if ev.Corrupt {
			text += "  " + theme.bad.Render("[corrupt]")
		}
		p.line(fmt.Sprintf("%s  %s  %s  %s",
			theme.muted.Render(fmt.Sprintf("%6d", ev.Sequence)),
			theme.clock.Render(ev.Timestamp.Format("15:04:05")),
			kind, text))
	}
	return p.String()
}

func (m *Model) renderCommands() string {
	var p page
	cmds := m.doc.Log().Commands()
	p.heading(fmt.Sprintf("Commands · %d", len(cmds)))
	if len(cmds) == 0 {
		p.empty("no commands were recorded")
		return p.String()
	}
	for i, c := range cmds {
		p.line(fmt.Sprintf("%s %s  %s  %s",
			theme.muted.Render(fmt.Sprintf("%5d.", i+1)),
			theme.clock.Render(c.StartedAt.Format("15:04:05")),
			c.CommandLine, exitBadge(c)))
		if c.WorkingDirectory != "" {
			p.line(theme.muted.Render("         in " + c.WorkingDirectory))
		}
		if sc := c.Script; sc != nil {
			p.line(theme.muted.Render("         script " + sc.Path))
			if sc.Content != "" {
				p.line(theme.muted.Render(indent(sc.Content, "           ")))
			}
		}
	}
	return p.String()
}

func (m *Model) renderFiles() string {
	var p page
	p.heading(fmt.Sprintf("File changes · %d", len(m.files)))
	if len(m.files) == 0 {
		p.empty("no files changed")
		return p.String()
	}
	for i, ev := range m.files {
		fc := ev.FileChange
		arrow := "▸"
		if m.expandedFiles[i] {
			arrow = "▾"
		}
		row := fmt.Sprintf("  %s %s  %s  %s", arrow,
			theme.clock.Render(ev.Timestamp.Format("15:04:05")),
			theme.fileKind.Render(fmt.Sprintf("%-9s", fc.ChangeKind)),
			m.describePath(fc))
		if i == m.fileCursor {
			row = theme.selected.Width(max(1, m.width-2)).Render(row)
		}
		p.line(row)
		if m.expandedFiles[i] {
			p.WriteString(renderChange(fc, m.width))
		}
	}
	return p.String()
}

func (m *Model) renderWarnings() string {
	var p page
	p.heading(fmt.Sprintf("Warnings · %d", len(m.doc.Warnings)))
	if len(m.doc.Warnings) == 0 {
		p.empty("none")
		return p.String()
	}
	for _, w := range m.doc.Warnings {
		p.line(theme.marker.Render("  ! ") + w)
	}
	return p.String()
}

// renderChange shows the body of an expanded file change.
func renderChange(fc *event.FileChangeEvent, width int) string {
	note := func(s string) string { return theme.muted.Render("      "+s) + "\n" }
	switch {
	case fc.ChangeKind == event.Deleted:
		return note("file deleted")
	case fc.Binary:
		return note("binary content changed")
	case fc.ContentDropped:
		return note("content changed, no diff recorded")
	case fc.Diff.Empty():
		return note("no content change")
	}
	text := diff.Render(fc.Path, fc.Diff)
	if fc.Base != nil {
		if after, err := diff.Apply([]byte(*fc.Base), fc.Diff); err == nil {
			text = diff.Unified(fc.Path, []byte(*fc.Base), after)
		}
	}

	rule := theme.muted.Render("    " + strings.Repeat("┄", max(1, width-8)))
	var sb strings.Builder
	sb.WriteString(rule + "\n")
	for _, line := range strings.Split(strings.TrimSuffix(text, "\n"), "\n") {
		sb.WriteString(diffLineStyle(line).Render("    "+line) + "\n")
	}
	sb.WriteString(rule + "\n")
	return sb.String()
}

func diffLineStyle(line string) lipgloss.Style {
	switch {
	case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"), strings.HasPrefix(line, "@@"):
		return theme.hunk
	case strings.HasPrefix(line, "+"):
		return theme.added
	case strings.HasPrefix(line, "-"):
		return theme.removed
	}
	return theme.muted
}

func exitBadge(c *event.CommandEvent) string {
	switch {
	case c.ExitStatus == nil && c.ExitUnknown:
		return theme.muted.Render("exit ?")
	case c.ExitStatus == nil:
		return theme.muted.Render("running")
	case *c.ExitStatus == 0:
		return theme.ok.Render("exit 0")
	}
	return theme.bad.Render(fmt.Sprintf("exit %d", *c.ExitStatus))
}

func (m *Model) describePath(fc *event.FileChangeEvent) string {
	if fc.ChangeKind == event.Renamed && fc.RenameTarget != "" {
		return m.relPath(fc.Path) + " → " + m.relPath(fc.RenameTarget)
	}
	return m.relPath(fc.Path)
}

// relPath shows path relative to the watched root that contains it.
func (m *Model) relPath(path string) string {
	for _, root := range m.doc.Session.WatchedRoots {
		if rel, err := filepath.Rel(root, path); err == nil && !strings.HasPrefix(rel, "..") && rel != "." {
			return rel
		}
	}
	return path
}

func indent(s, prefix string) string {
	lines := strings.Split(strings.TrimSuffix(s, "\n"), "\n")
	for i := range lines {
		if lines[i] != "" {
			lines[i] = prefix + lines[i]
		}
	}
	return strings.Join(lines, "\n")
}

// Run starts the viewer for doc.
func Run(doc *export.Document, filename string) error {
	_, err := tea.NewProgram(New(doc, filename), tea.WithAltScreen()).Run()
	return err
}

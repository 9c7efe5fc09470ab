package export

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
)

const (
	versionSentinel = "<!-- orcai-log-version: 1 -->"
	dataPrefix      = "<!-- orcai-data: "
	dataSuffix      = " -->"
)

// Renderer serializes a Document to bytes.
type Renderer interface {
	Render(doc *Document) ([]byte, error)
}

// JSONRenderer renders a Document as indented JSON.
type JSONRenderer struct{}

func (r *JSONRenderer) Render(doc *Document) ([]byte, error) {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// MarkdownRenderer renders a Document as human-readable Markdown with an
// embedded base64 JSON payload for lossless round-trip parsing.
type MarkdownRenderer struct{}

func (r *MarkdownRenderer) Render(doc *Document) ([]byte, error) {
	jsonBytes, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal action log: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(jsonBytes)

	var sb strings.Builder
	sb.WriteString(versionSentinel + "\n")
	fmt.Fprintf(&sb, "%s%s%s\n\n", dataPrefix, encoded, dataSuffix)

	s := doc.Session
	fmt.Fprintf(&sb, "# orcai session %s\n\n", s.ID)

	sb.WriteString("## Summary\n\n")
	if len(s.WatchedRoots) > 0 {
		fmt.Fprintf(&sb, "- Roots: %s\n", strings.Join(s.WatchedRoots, ", "))
	}
	if !s.StartTime.IsZero() {
		fmt.Fprintf(&sb, "- Started: %s\n", s.StartTime.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if !s.StopTime.IsZero() {
		fmt.Fprintf(&sb, "- Stopped: %s\n", s.StopTime.UTC().Format("2006-01-02 15:04:05 MST"))
	}
	if s.Duration != "" {
		fmt.Fprintf(&sb, "- Duration: %s\n", s.Duration)
	}
	if s.CorruptCount > 0 {
		fmt.Fprintf(&sb, "- Events: %d (%d corrupt)\n", s.EventCount, s.CorruptCount)
	} else {
		fmt.Fprintf(&sb, "- Events: %d\n", s.EventCount)
	}
	if s.Aborted {
		sb.WriteString("- Capture aborted before stop\n")
	}
	sb.WriteString("\n")

	sb.WriteString("## Timeline\n\n")
	if len(doc.Events) == 0 {
		sb.WriteString("_No events recorded._\n")
	} else {
		sb.WriteString("| Seq | Time | Kind | Detail |\n")
		sb.WriteString("|-----|------|------|--------|\n")
		for _, ev := range doc.Events {
			kind, detail := describe(ev)
			if ev.Corrupt {
				detail += " **corrupt**"
			}
			fmt.Fprintf(&sb, "| %d | %s | %s | %s |\n",
				ev.Sequence,
				ev.Timestamp.UTC().Format("15:04:05"),
				kind,
				strings.ReplaceAll(detail, "|", `\|`),
			)
		}
	}
	sb.WriteString("\n")

	log := doc.Log()

	sb.WriteString("## Commands\n\n")
	cmds := log.Commands()
	if len(cmds) == 0 {
		sb.WriteString("_No commands recorded._\n")
	} else {
		for i, c := range cmds {
			fmt.Fprintf(&sb, "%d. `%s` (%s)", i+1, c.CommandLine, exitText(c))
			if c.WorkingDirectory != "" {
				fmt.Fprintf(&sb, " in %s", c.WorkingDirectory)
			}
			sb.WriteString("\n")
		}
	}
	sb.WriteString("\n")

	var scripts []*event.ScriptCapture
	for _, c := range cmds {
		if c.Script != nil {
			scripts = append(scripts, c.Script)
		}
	}
	if len(scripts) > 0 {
		sb.WriteString("## Scripts\n\n")
		for _, sc := range scripts {
			fmt.Fprintf(&sb, "### %s\n\n", sc.Path)
			if sc.Content == "" {
				fmt.Fprintf(&sb, "_Content omitted (hash %s)._\n\n", sc.Hash)
				continue
			}
			writeFence(&sb, "sh", sc.Content)
			sb.WriteString("\n")
		}
	}

	sb.WriteString("## File Changes\n\n")
	changes := log.FileChanges()
	if len(changes) == 0 {
		sb.WriteString("_No file changes recorded._\n\n")
	}
	for _, fc := range changes {
		fmt.Fprintf(&sb, "### %s %s\n\n", fc.ChangeKind, fc.Path)
		if fc.PermissionsBefore != nil && fc.PermissionsAfter != nil {
			fmt.Fprintf(&sb, "- Permissions: %s -> %s\n\n", fc.PermissionsBefore, fc.PermissionsAfter)
		}
		switch {
		case fc.ChangeKind == event.Renamed:
			fmt.Fprintf(&sb, "_Renamed to %s._\n\n", fc.RenameTarget)
		case fc.ChangeKind == event.Deleted:
			sb.WriteString("_File deleted._\n\n")
		case fc.Binary:
			sb.WriteString("_Binary content changed._\n\n")
		case fc.ContentDropped:
			sb.WriteString("_Content changed; no diff recorded (prior content not cached)._\n\n")
		case fc.Diff.Empty():
			if fc.PermissionsAfter == nil {
				sb.WriteString("_No content change._\n\n")
			}
		default:
			writeFence(&sb, "diff", diff.Render(fc.Path, fc.Diff))
			sb.WriteString("\n")
		}
	}

	sb.WriteString("## Warnings\n\n")
	if len(doc.Warnings) == 0 {
		sb.WriteString("_No warnings._\n")
	} else {
		for _, w := range doc.Warnings {
			fmt.Fprintf(&sb, "- %s\n", w)
		}
	}

	return []byte(sb.String()), nil
}

func describe(ev event.Event) (kind, detail string) {
	switch {
	case ev.Command != nil:
		return string(event.KindCommand), fmt.Sprintf("`%s` (%s)", ev.Command.CommandLine, exitText(ev.Command))
	case ev.FileChange != nil:
		fc := ev.FileChange
		if fc.ChangeKind == event.Renamed {
			return string(fc.ChangeKind), fc.Path + " -> " + fc.RenameTarget
		}
		return string(fc.ChangeKind), fc.Path
	}
	return string(ev.Kind), ""
}

func exitText(c *event.CommandEvent) string {
	switch {
	case c.ExitStatus != nil:
		return fmt.Sprintf("exit %d", *c.ExitStatus)
	case c.ExitUnknown:
		return "exit unknown"
	default:
		return "running"
	}
}

func writeFence(sb *strings.Builder, lang, body string) {
	sb.WriteString("```" + lang + "\n")
	sb.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		sb.WriteString("\n")
	}
	sb.WriteString("```\n")
}

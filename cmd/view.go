package cmd

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/x/term"
	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/diff"
	"github.com/orchestraitor/orcai/internal/event"
	"github.com/orchestraitor/orcai/internal/export"
	"github.com/orchestraitor/orcai/internal/tui"
)

var plainOutput bool

var viewCmd = &cobra.Command{
	Use:   "view <file>",
	Short: "View an exported action log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]

		doc, err := export.Read(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return fmt.Errorf("file not found: %s", path)
			}
			return err
		}

		if plainOutput || !term.IsTerminal(os.Stdout.Fd()) {
			printDocument(cmd.OutOrStdout(), doc)
			return nil
		}
		return tui.Run(doc, path)
	},
}

// printDocument writes a plain-text rendition of doc.
func printDocument(w io.Writer, doc *export.Document) {
	s := doc.Session
	fmt.Fprintln(w, "## Summary")
	fmt.Fprintf(w, "  Session:   %s\n", s.ID)
	fmt.Fprintf(w, "  Roots:     %s\n", strings.Join(s.WatchedRoots, ", "))
	fmt.Fprintf(w, "  Started:   %s\n", s.StartTime.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Stopped:   %s\n", s.StopTime.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintf(w, "  Duration:  %s\n", s.Duration)
	fmt.Fprintf(w, "  Events:    %d (%d corrupt)\n", s.EventCount, s.CorruptCount)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Timeline")
	if len(doc.Events) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, ev := range doc.Events {
		fmt.Fprintf(w, "  %4d  %s  %s\n", ev.Sequence, ev.Timestamp.Format("15:04:05"), describeEvent(ev))
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Commands")
	log := doc.Log()
	cmds := log.Commands()
	if len(cmds) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for i, c := range cmds {
		fmt.Fprintf(w, "  %d. %s  [%s]  (in %s)\n", i+1, c.CommandLine, exitStatus(c), c.WorkingDirectory)
		if c.Script != nil {
			fmt.Fprintf(w, "     script %s\n", c.Script.Path)
			if c.Script.Content != "" {
				fmt.Fprintln(w, indent(strings.TrimSuffix(c.Script.Content, "\n"), "       "))
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## File Changes")
	changes := log.FileChanges()
	if len(changes) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, fc := range changes {
		switch {
		case fc.ChangeKind == event.Deleted:
			fmt.Fprintf(w, "  deleted %s\n", fc.Path)
		case fc.ChangeKind == event.Renamed:
			fmt.Fprintf(w, "  renamed %s -> %s\n", fc.Path, fc.RenameTarget)
		case fc.Binary:
			fmt.Fprintf(w, "  %s %s (binary)\n", fc.ChangeKind, fc.Path)
		case fc.ContentDropped:
			fmt.Fprintf(w, "  %s %s (no diff)\n", fc.ChangeKind, fc.Path)
		default:
			fmt.Fprintf(w, "  %s %s\n", fc.ChangeKind, fc.Path)
			if !fc.Diff.Empty() {
				fmt.Fprintln(w, indent(strings.TrimSuffix(diff.Render(fc.Path, fc.Diff), "\n"), "    "))
			}
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "## Warnings")
	if len(doc.Warnings) == 0 {
		fmt.Fprintln(w, "  (none)")
	}
	for _, warning := range doc.Warnings {
		fmt.Fprintf(w, "  - %s\n", warning)
	}
}

func describeEvent(ev event.Event) string {
	var text string
	switch {
	case ev.Command != nil:
		text = fmt.Sprintf("command  %s [%s]", ev.Command.CommandLine, exitStatus(ev.Command))
	case ev.FileChange != nil:
		text = fmt.Sprintf("%-8s %s", ev.FileChange.ChangeKind, ev.FileChange.Path)
	}
	if ev.Corrupt {
		text += "  (corrupt: " + ev.CorruptReason + ")"
	}
	return text
}

func exitStatus(c *event.CommandEvent) string {
	switch {
	case c.ExitStatus != nil:
		return fmt.Sprintf("exit %d", *c.ExitStatus)
	case c.ExitUnknown:
		return "exit unknown"
	default:
		return "running"
	}
}

func indent(s, prefix string) string {
	lines := strings.Split(s, "\n")
	for i, line := range lines {
		if line != "" {
			lines[i] = prefix + line
		}
	}
	return strings.Join(lines, "\n")
}

func init() {
	viewCmd.Flags().BoolVar(&plainOutput, "plain", false, "plain text output instead of TUI")
	rootCmd.AddCommand(viewCmd)
}

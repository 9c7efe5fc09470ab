package cmd

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/daemon"
	"github.com/orchestraitor/orcai/internal/recorder"
	"github.com/orchestraitor/orcai/internal/shell"
)

// recordTimeout keeps a shell prompt from hanging on a busy daemon.
const recordTimeout = 2 * time.Second

var (
	recordID   string
	recordDir  string
	recordExit int
)

var recordCmd = &cobra.Command{
	Use:    "record",
	Short:  "Report shell commands to the capture session (used by shell hooks)",
	Hidden: true,
}

var recordBeginCmd = &cobra.Command{
	Use:   "begin --id ID [--cwd DIR] -- COMMAND...",
	Short: "Report that a command started",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := recordDir
		if dir == "" {
			dir, _ = os.Getwd()
		}
		b := recorder.Begin{
			ID:               recordID,
			CommandLine:      strings.Join(args, " "),
			WorkingDirectory: dir,
			StartedAt:        time.Now().UTC(),
		}
		return report(cmd.Context(),
			func(ctx context.Context, c *daemon.Client) error {
				_, err := c.Begin(ctx, b)
				return err
			},
			shell.SpoolEntry{Kind: shell.KindBegin, ID: b.ID, Time: b.StartedAt, Dir: b.WorkingDirectory, Command: b.CommandLine},
		)
	},
}

var recordEndCmd = &cobra.Command{
	Use:   "end --id ID --exit N",
	Short: "Report that a command finished",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		e := recorder.End{ID: recordID, ExitStatus: recordExit, CompletedAt: time.Now().UTC()}
		return report(cmd.Context(),
			func(ctx context.Context, c *daemon.Client) error { return c.End(ctx, e) },
			shell.SpoolEntry{Kind: shell.KindEnd, ID: e.ID, Time: e.CompletedAt, Exit: e.ExitStatus},
		)
	},
}

// report sends to the daemon, falling back to the spool. Having no session
// is not an error: hooks call this on every prompt.
func report(ctx context.Context, send func(context.Context, *daemon.Client) error, entry shell.SpoolEntry) error {
	ctx, cancel := context.WithTimeout(ctx, recordTimeout)
	defer cancel()

	client, err := connectDaemon()
	if err == nil {
		err = send(ctx, client)
	}
	switch {
	case err == nil, errors.Is(err, capture.ErrNotActive):
		return nil
	case !errors.Is(err, daemon.ErrNotRunning):
		return err
	}

	dir, err := dataDir()
	if err != nil {
		return err
	}
	if err := shell.AppendSpool(dir, entry); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func init() {
	for _, c := range []*cobra.Command{recordBeginCmd, recordEndCmd} {
		c.Flags().StringVar(&recordID, "id", "", "command id shared by begin and end")
		c.MarkFlagRequired("id")
		recordCmd.AddCommand(c)
	}
	recordBeginCmd.Flags().StringVar(&recordDir, "cwd", "", "working directory of the command (default: current)")
	recordEndCmd.Flags().IntVar(&recordExit, "exit", 0, "exit status of the command")
	rootCmd.AddCommand(recordCmd)
}

package cmd

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/daemon"
	"github.com/orchestraitor/orcai/internal/session"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the capture session status",
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := currentStatus(cmd.Context())
		if err != nil {
			return err
		}
		if st == nil || st.State == session.StateIdle || st.SessionID == "" {
			cmd.Println("no active session")
			return nil
		}

		cmd.Printf("Session: %s\n", st.SessionID)
		cmd.Printf("State: %s\n", st.State)
		cmd.Printf("Started: %s\n", st.StartedAt.Format(time.RFC3339))
		if st.StoppedAt != nil {
			cmd.Printf("Stopped: %s\n", st.StoppedAt.Format(time.RFC3339))
		} else {
			cmd.Printf("Duration: %s\n", time.Since(st.StartedAt).Round(time.Second))
		}
		cmd.Printf("Watching: %s\n", strings.Join(st.WatchedRoots, ", "))
		cmd.Printf("Events: %d\n", st.EventCount)
		if st.PendingCommands > 0 {
			cmd.Printf("Running commands: %d\n", st.PendingCommands)
		}
		for _, w := range st.Warnings {
			cmd.Printf("warning: %s\n", w)
		}
		return nil
	},
}

// currentStatus asks the daemon, and falls back to session.json when none is
// running so an interrupted session is still reported.
func currentStatus(ctx context.Context) (*capture.Status, error) {
	client, err := connectDaemon()
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	st, err := client.Status(ctx)
	if err == nil {
		return st, nil
	}
	if !errors.Is(err, daemon.ErrNotRunning) {
		return nil, err
	}

	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	store, err := session.NewSessionStore(dir)
	if err != nil {
		return nil, err
	}
	meta, err := store.Load()
	if errors.Is(err, session.ErrNoSession) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	st = &capture.Status{
		SessionID:    meta.ID,
		State:        meta.State,
		StartedAt:    meta.StartTime,
		StoppedAt:    meta.StopTime,
		WatchedRoots: meta.WatchedRoots,
		LogDir:       meta.LogDir,
		Warnings:     meta.Warnings,
		Aborted:      meta.Aborted,
	}
	if meta.Active() {
		st.Warnings = append(st.Warnings, "the daemon is not running; run `orcai daemon` to resume this session")
	}
	return st, nil
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

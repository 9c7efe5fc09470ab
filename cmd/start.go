package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/capture"
)

var startDebounce time.Duration

var startCmd = &cobra.Command{
	Use:   "start [root...]",
	Short: "Begin capturing commands and file changes",
	Long: `Start a capture session in the background daemon. Each root directory is
watched recursively. Without arguments the configured watched_roots are
used, or the current directory when none are configured.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		capCfg := GetConfig().Capture()
		if startDebounce > 0 {
			capCfg.Debounce = startDebounce
		}

		roots := args
		if len(roots) == 0 {
			roots = capCfg.WatchedRoots
		}
		if len(roots) == 0 {
			cwd, err := os.Getwd()
			if err != nil {
				return err
			}
			roots = []string{cwd}
		}
		roots, err := absPaths(roots)
		if err != nil {
			return err
		}
		capCfg.WatchedRoots = roots

		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()
		client, err := ensureDaemon(ctx)
		if err != nil {
			return err
		}
		st, err := client.Start(ctx, roots, capCfg)
		if errors.Is(err, capture.ErrAlreadyActive) {
			return fmt.Errorf("session already in progress: %w", err)
		}
		if err != nil {
			return err
		}

		cmd.Printf("Capture started (session %s).\n", st.SessionID)
		cmd.Printf("Watching: %s\n", strings.Join(st.WatchedRoots, ", "))
		for _, w := range st.Warnings {
			cmd.PrintErrf("warning: %s\n", w)
		}
		return nil
	},
}

func init() {
	startCmd.Flags().DurationVar(&startDebounce, "debounce", 0, "quiet period before a file change is recorded (default from config)")
	rootCmd.AddCommand(startCmd)
}

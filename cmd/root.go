package cmd

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/config"
	"github.com/orchestraitor/orcai/internal/daemon"
	"github.com/orchestraitor/orcai/internal/logging"
)

// cfg holds the merged configuration, populated in PersistentPreRunE.
var cfg config.Config

var debug bool

// requestTimeout bounds a single round trip to the daemon. Stop may wait for
// the watcher to drain and the log to be scanned.
const requestTimeout = 2 * time.Minute

// ensureDaemon returns a client for a running daemon, starting one if needed.
// Replaced in tests.
var ensureDaemon = func(ctx context.Context) (*daemon.Client, error) {
	self, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("locating orcai executable: %w", err)
	}
	return daemon.EnsureRunning(ctx, self)
}

// connectDaemon returns a client for the daemon without starting one.
var connectDaemon = func() (*daemon.Client, error) {
	return daemon.NewClient()
}

var rootCmd = &cobra.Command{
	Use:           "orcai",
	Short:         "Capture shell commands and file changes into a replayable action log",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := logging.Initialize(debug, ""); err != nil {
			return err
		}

		global, err := config.LoadGlobal()
		if err != nil {
			return fmt.Errorf("loading global config: %w", err)
		}
		project, err := config.LoadProject()
		if err != nil {
			return fmt.Errorf("loading project config: %w", err)
		}
		cfg = config.Merge(global, project)
		return nil
	},
}

// Execute runs the root command. Exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// GetConfig returns the merged configuration for use by subcommands.
func GetConfig() config.Config {
	return cfg
}

// dataDir resolves where session state lives.
func dataDir() (string, error) {
	if cfg.DataDir != "" {
		return cfg.DataDir, nil
	}
	return config.DataDir()
}

// absPaths makes paths absolute against the caller's working directory; the
// daemon runs elsewhere.
func absPaths(paths []string) ([]string, error) {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		out = append(out, abs)
	}
	return out, nil
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "write debug logs (also ORCAI_DEBUG=1)")
}

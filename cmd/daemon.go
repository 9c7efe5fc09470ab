package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/catalog"
	"github.com/orchestraitor/orcai/internal/daemon"
	"github.com/orchestraitor/orcai/internal/logging"
)

var daemonIdle time.Duration

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the capture daemon in the foreground",
	Long: `Run the capture daemon. Other commands start it on demand; run it directly
to watch its logs with --debug or to resume a session interrupted by a crash.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		dir, err := dataDir()
		if err != nil {
			return err
		}
		cat, err := catalog.Open(filepath.Join(dir, catalog.FileName))
		if err != nil {
			return fmt.Errorf("opening session catalog: %w", err)
		}
		defer cat.Close()

		svc, err := capture.NewService(capture.Options{
			DataDir: dir,
			Config:  GetConfig(),
			Catalog: cat,
			Logger:  logging.Logger,
		})
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()
		return daemon.New(svc, logging.Logger, daemonIdle).Run(ctx)
	},
}

func init() {
	daemonCmd.Flags().DurationVar(&daemonIdle, "idle-timeout", daemon.DefaultIdleTimeout, "exit after this long without requests while no session is active")
	rootCmd.AddCommand(daemonCmd)
}

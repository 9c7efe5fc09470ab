package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/daemon"
)

var abandonCmd = &cobra.Command{
	Use:   "abandon",
	Short: "End the capture session without exporting it",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := connectDaemon()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		err = client.Abandon(ctx)
		if errors.Is(err, daemon.ErrNotRunning) || errors.Is(err, capture.ErrNotActive) {
			return fmt.Errorf("no active session")
		}
		if err != nil {
			return err
		}
		cmd.Println("Session abandoned. The action log was kept; see `orcai sessions`.")
		return nil
	},
}

func init() {
	rootCmd.AddCommand(abandonCmd)
}

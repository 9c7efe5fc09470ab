package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/capture"
	"github.com/orchestraitor/orcai/internal/daemon"
	"github.com/orchestraitor/orcai/internal/export"
)

var (
	stopFormat string
	stopOutput string
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "End the capture session and export its action log",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := capture.StopOptions{}
		if stopFormat != "" {
			format, err := export.ParseFormat(stopFormat)
			if err != nil {
				return err
			}
			out.Format = format
		}
		if stopOutput != "" {
			dirs, err := absPaths([]string{stopOutput})
			if err != nil {
				return err
			}
			out.OutputDir = dirs[0]
		}

		client, err := connectDaemon()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
		defer cancel()

		res, err := client.Stop(ctx, out)
		if errors.Is(err, daemon.ErrNotRunning) || errors.Is(err, capture.ErrNotActive) {
			return fmt.Errorf("no active session")
		}
		if res == nil {
			return err
		}

		for _, w := range res.Warnings {
			cmd.PrintErrf("warning: %s\n", w)
		}
		cmd.Printf("Session %s stopped: %d commands, %d file changes.\n",
			res.SessionID, len(res.Log.Commands()), len(res.Log.FileChanges()))
		if res.ExportPath != "" {
			cmd.Printf("Output: %s\n", res.ExportPath)
		}
		return err
	},
}

func init() {
	stopCmd.Flags().StringVar(&stopFormat, "format", "", "export format: json or markdown (default from config)")
	stopCmd.Flags().StringVarP(&stopOutput, "output", "o", "", "directory for the export (default from config)")
	rootCmd.AddCommand(stopCmd)
}

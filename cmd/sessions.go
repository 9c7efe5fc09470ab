package cmd

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/catalog"
)

var sessionsLimit int

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "List finished capture sessions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		entries, err := cat.List(cmd.Context(), sessionsLimit)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			cmd.Println("no sessions recorded")
			return nil
		}

		cmd.Printf("%-36s  %-16s  %-9s  %6s  %s\n", "ID", "STARTED", "DURATION", "EVENTS", "ROOTS")
		for _, e := range entries {
			flags := ""
			switch {
			case e.Aborted:
				flags = " (aborted)"
			case e.Abandoned:
				flags = " (abandoned)"
			}
			if e.CorruptCount > 0 {
				flags += fmt.Sprintf(" (%d corrupt)", e.CorruptCount)
			}
			cmd.Printf("%-36s  %-16s  %-9s  %6d  %s%s\n",
				e.ID,
				e.StartedAt.Local().Format("2006-01-02 15:04"),
				e.StoppedAt.Sub(e.StartedAt).Round(time.Second).String(),
				e.EventCount,
				strings.Join(e.Roots, ","),
				flags,
			)
		}
		return nil
	},
}

func openCatalog() (*catalog.Catalog, error) {
	dir, err := dataDir()
	if err != nil {
		return nil, err
	}
	cat, err := catalog.Open(filepath.Join(dir, catalog.FileName))
	if err != nil {
		return nil, fmt.Errorf("opening session catalog: %w", err)
	}
	return cat, nil
}

func init() {
	sessionsCmd.Flags().IntVarP(&sessionsLimit, "limit", "n", 20, "maximum number of sessions to list")
	rootCmd.AddCommand(sessionsCmd)
}

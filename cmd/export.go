package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/actionlog"
	"github.com/orchestraitor/orcai/internal/catalog"
	"github.com/orchestraitor/orcai/internal/export"
	"github.com/orchestraitor/orcai/internal/logging"
)

var (
	exportFormat string
	exportOutput string
)

var exportCmd = &cobra.Command{
	Use:   "export <session-id|latest>",
	Short: "Re-export the action log of a finished session",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := exportFormat
		if f == "" {
			f = GetConfig().DefaultFormat
		}
		format, err := export.ParseFormat(f)
		if err != nil {
			return err
		}

		cat, err := openCatalog()
		if err != nil {
			return err
		}
		defer cat.Close()

		entry, err := findEntry(cmd, cat, args[0])
		if err != nil {
			return err
		}

		store, err := actionlog.Open(entry.LogDir, entry.ID, actionlog.Options{Logger: logging.Logger})
		if err != nil {
			return fmt.Errorf("opening action log: %w", err)
		}
		defer store.Close()
		log, err := store.ReadAll()
		if err != nil {
			return fmt.Errorf("reading action log: %w", err)
		}

		var warnings []string
		if entry.Aborted {
			warnings = append(warnings, "capture was aborted before stop; the log may be incomplete")
		}
		if n := log.CorruptCount(); n > 0 {
			warnings = append(warnings, fmt.Sprintf("%d corrupt event(s) in action log", n))
		}
		doc := export.New(export.SessionMeta{
			ID:           entry.ID,
			StartTime:    entry.StartedAt,
			StopTime:     entry.StoppedAt,
			WatchedRoots: entry.Roots,
			Aborted:      entry.Aborted,
		}, log, warnings)

		dirs, err := absPaths([]string{exportOutput})
		if err != nil {
			return err
		}
		path, err := export.Write(dirs[0], doc, format)
		if err != nil {
			return err
		}
		cmd.Printf("Output: %s\n", path)
		return nil
	},
}

func findEntry(cmd *cobra.Command, cat *catalog.Catalog, id string) (*catalog.Entry, error) {
	if id != "latest" {
		entry, err := cat.Get(cmd.Context(), id)
		if errors.Is(err, catalog.ErrNotFound) {
			return nil, fmt.Errorf("no session %q; see `orcai sessions`", id)
		}
		return entry, err
	}
	entries, err := cat.List(cmd.Context(), 1)
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return nil, errors.New("no sessions recorded")
	}
	return &entries[0], nil
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "", "export format: json or markdown (default from config)")
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", ".", "directory for the export")
	rootCmd.AddCommand(exportCmd)
}

package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchestraitor/orcai/internal/config"
	"github.com/orchestraitor/orcai/internal/export"
	"github.com/orchestraitor/orcai/internal/shell"
)

var (
	setupShell  string
	setupRoots  []string
	setupFormat string
	setupOutput string
)

var setupCmd = &cobra.Command{
	Use:   "setup",
	Short: "Install the shell plugin and save capture defaults",
	Long: `Install the plugin that reports commands from your shell, and optionally
save default watched roots, export format and export directory to the global
config file.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()

		flags := cmd.Flags()
		if flags.Changed("root") || flags.Changed("format") || flags.Changed("output") {
			global, err := config.LoadGlobal()
			if err != nil {
				return fmt.Errorf("loading global config: %w", err)
			}
			if flags.Changed("root") {
				roots, err := absPaths(setupRoots)
				if err != nil {
					return err
				}
				global.WatchedRoots = roots
			}
			if setupFormat != "" {
				format, err := export.ParseFormat(setupFormat)
				if err != nil {
					return err
				}
				global.DefaultFormat = format
			}
			if setupOutput != "" {
				global.OutputDir = setupOutput
			}
			path, err := config.SaveGlobal(global)
			if err != nil {
				return fmt.Errorf("saving config: %w", err)
			}
			fmt.Fprintf(out, "Config saved to %s\n\n", path)
		}

		sh := setupShell
		if sh == "" {
			sh = shell.Current()
		}
		if err := shell.Install(sh, out); err != nil {
			return err
		}
		return nil
	},
}

func init() {
	setupCmd.Flags().StringVar(&setupShell, "shell", "", "shell to install the plugin for: zsh or bash (default: $SHELL)")
	setupCmd.Flags().StringSliceVar(&setupRoots, "root", nil, "default directory to watch (repeatable)")
	setupCmd.Flags().StringVar(&setupFormat, "format", "", "default export format: json or markdown")
	setupCmd.Flags().StringVar(&setupOutput, "output", "", "default export directory")
	rootCmd.AddCommand(setupCmd)
}

// Package shell installs the shell plugins that feed commands to orcai and
// defines the spool format they write.
package shell

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

type plugin struct {
	source string
	rcFile string
}

var plugins = map[string]plugin{
	"zsh":  {source: ZshPlugin, rcFile: "~/.zshrc"},
	"bash": {source: BashPlugin, rcFile: "~/.bashrc"},
}

// Supported lists the shells a plugin exists for.
var Supported = []string{"zsh", "bash"}

func lookup(shell string) (plugin, error) {
	p, ok := plugins[shell]
	if !ok {
		return plugin{}, fmt.Errorf("no orcai plugin for shell %q (have %s)", shell, strings.Join(Supported, ", "))
	}
	return p, nil
}

// PluginPath returns where the plugin for shell lives under the orcai config
// directory.
func PluginPath(shell string) (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "orcai", fmt.Sprintf("orcai.plugin.%s", shell)), nil
}

// Plugin returns the plugin source for shell.
func Plugin(shell string) (string, error) {
	p, err := lookup(shell)
	return p.source, err
}

// Install writes the plugin for shell and tells out how to load it.
func Install(shell string, out io.Writer) error {
	p, err := lookup(shell)
	if err != nil {
		return err
	}
	path, err := PluginPath(shell)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("install %s plugin: %w", shell, err)
	}
	if err := os.WriteFile(path, []byte(p.source), 0o644); err != nil {
		return fmt.Errorf("install %s plugin: %w", shell, err)
	}

	fmt.Fprintf(out, "Plugin written to %s\n\n", path)
	fmt.Fprintf(out, "To record commands, add to %s:\n\n", p.rcFile)
	fmt.Fprintf(out, "    source %s\n\n", path)
	fmt.Fprintln(out, "Open a new shell (or source the file) before running `orcai start`.")
	return nil
}

// IsInstalled reports whether the plugin file for shell exists.
func IsInstalled(shell string) bool {
	path, err := PluginPath(shell)
	if err != nil {
		return false
	}
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// Current returns the base name of $SHELL.
func Current() string {
	return filepath.Base(os.Getenv("SHELL"))
}

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// Feature: orcai, Property 1: Config merge precedence
func TestConfigMergePrecedence(t *testing.T) {
	t.Setenv("ORCAI_DATA_DIR", "")
	nonEmptyString := rapid.StringMatching(`[a-zA-Z0-9/_.-]{1,20}`)

	configGen := rapid.Custom(func(t *rapid.T) *Config {
		cfg := &Config{}
		if rapid.Bool().Draw(t, "hasDefaultFormat") {
			cfg.DefaultFormat = nonEmptyString.Draw(t, "defaultFormat")
		}
		if rapid.Bool().Draw(t, "hasOutputDir") {
			cfg.OutputDir = nonEmptyString.Draw(t, "outputDir")
		}
		if rapid.Bool().Draw(t, "hasShellHistoryPath") {
			cfg.ShellHistoryPath = nonEmptyString.Draw(t, "shellHistoryPath")
		}
		if rapid.Bool().Draw(t, "hasDebounce") {
			cfg.Debounce = time.Duration(rapid.IntRange(1, 5000).Draw(t, "debounceMs")) * time.Millisecond
		}
		if rapid.Bool().Draw(t, "hasQueueDepth") {
			cfg.QueueDepth = rapid.IntRange(1, 4096).Draw(t, "queueDepth")
		}
		return cfg
	})

	rapid.Check(t, func(t *rapid.T) {
		global := configGen.Draw(t, "global")
		project := configGen.Draw(t, "project")

		merged := Merge(global, project)
		defaults := Defaults()

		checkField(t, "DefaultFormat", global.DefaultFormat, project.DefaultFormat, defaults.DefaultFormat, merged.DefaultFormat)
		checkField(t, "OutputDir", global.OutputDir, project.OutputDir, defaults.OutputDir, merged.OutputDir)
		checkField(t, "ShellHistoryPath", global.ShellHistoryPath, project.ShellHistoryPath, defaults.ShellHistoryPath, merged.ShellHistoryPath)
		checkField(t, "Debounce", global.Debounce, project.Debounce, defaults.Debounce, merged.Debounce)
		checkField(t, "QueueDepth", global.QueueDepth, project.QueueDepth, defaults.QueueDepth, merged.QueueDepth)
	})
}

// checkField asserts the merge precedence rule for a single field:
//   - project set  → merged == project
//   - project unset, global set → merged == global
//   - both unset → merged == defaultVal
func checkField[T comparable](t *rapid.T, name string, globalVal, projectVal, defaultVal, mergedVal T) {
	t.Helper()
	var zero T
	switch {
	case projectVal != zero:
		if mergedVal != projectVal {
			t.Fatalf("%s: expected project value %v, got %v", name, projectVal, mergedVal)
		}
	case globalVal != zero:
		if mergedVal != globalVal {
			t.Fatalf("%s: expected global value %v, got %v", name, globalVal, mergedVal)
		}
	default:
		if mergedVal != defaultVal {
			t.Fatalf("%s: expected default %v, got %v", name, defaultVal, mergedVal)
		}
	}
}

func TestDefaultsValues(t *testing.T) {
	d := Defaults()
	assert.Equal(t, "json", d.DefaultFormat)
	assert.Equal(t, ".", d.OutputDir)
	assert.Contains(t, d.IgnorePatterns, ".git")
	assert.Equal(t, 150*time.Millisecond, d.Debounce)
	assert.Equal(t, 256, d.QueueDepth)
	assert.Equal(t, 3, d.WriteRetries)
	assert.True(t, d.Capture().HistoryFallback)
}

func TestLoadGlobalMissingFileReturnsDefaults(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("XDG_CONFIG_HOME", "")

	cfg, err := LoadGlobal()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, Defaults().DefaultFormat, cfg.DefaultFormat)
	assert.Equal(t, Defaults().OutputDir, cfg.OutputDir)
}

func TestLoadGlobalYAML(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	require.NoError(t, os.MkdirAll(filepath.Join(tmp, "orcai"), 0o755))
	yml := "watched_roots:\n  - /work\ndebounce: 250ms\nhistory_fallback: false\n"
	require.NoError(t, os.WriteFile(filepath.Join(tmp, "orcai", "config.yaml"), []byte(yml), 0o644))

	cfg, err := LoadGlobal()
	require.NoError(t, err)
	merged := Merge(cfg, nil)
	assert.Equal(t, []string{"/work"}, merged.WatchedRoots)
	assert.Equal(t, 250*time.Millisecond, merged.Debounce)
	assert.False(t, merged.Capture().HistoryFallback)
}

func TestLoadProjectJSON(t *testing.T) {
	tmp := t.TempDir()
	chdir(t, tmp)
	require.NoError(t, os.WriteFile(".orcaiconfig", []byte(`{"default_format":"markdown","queue_depth":8}`), 0o644))

	cfg, err := LoadProject()
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "markdown", cfg.DefaultFormat)
	assert.Equal(t, 8, cfg.QueueDepth)
}

func TestLoadProjectMissingFileReturnsNil(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := LoadProject()
	require.NoError(t, err)
	assert.Nil(t, cfg)
}

func TestLoadGlobalParseError(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	cfgDir := filepath.Join(tmp, "orcai")
	require.NoError(t, os.MkdirAll(cfgDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cfgDir, "config.json"), []byte("{invalid json"), 0o644))

	_, err := LoadGlobal()
	require.Error(t, err)
	var parseErr *ParseError
	require.True(t, errors.As(err, &parseErr), "expected *ParseError, got %T", err)
	assert.Contains(t, err.Error(), "config.json")
}

func TestDataDirOverride(t *testing.T) {
	t.Setenv("ORCAI_DATA_DIR", "/tmp/orcai-data")
	d, err := DataDir()
	require.NoError(t, err)
	assert.Equal(t, "/tmp/orcai-data", d)
	assert.Equal(t, "/tmp/orcai-data", Merge(nil, nil).DataDir)

	t.Setenv("ORCAI_DATA_DIR", "")
	t.Setenv("XDG_DATA_HOME", "/xdg")
	d, err = DataDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join("/xdg", "orcai"), d)
}

func TestSaveGlobalRoundTrip(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)

	cfg := Defaults()
	cfg.WatchedRoots = []string{"/srv/app"}
	cfg.Debounce = 300 * time.Millisecond
	cfg.DefaultFormat = "markdown"
	path, err := SaveGlobal(&cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(tmp, "orcai", "config.yaml"), path)

	loaded, err := LoadGlobal()
	require.NoError(t, err)
	merged := Merge(loaded, nil)
	assert.Equal(t, []string{"/srv/app"}, merged.WatchedRoots)
	assert.Equal(t, 300*time.Millisecond, merged.Debounce)
	assert.Equal(t, "markdown", merged.DefaultFormat)
	assert.True(t, merged.Capture().HistoryFallback)
}

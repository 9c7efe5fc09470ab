package config

import (
	"errors"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configurable orcai settings. Files may be YAML or JSON;
// both are read with the YAML decoder.
type Config struct {
	WatchedRoots     []string      `yaml:"watched_roots" json:"watched_roots"`
	IgnorePatterns   []string      `yaml:"ignore_patterns" json:"ignore_patterns"`
	Debounce         time.Duration `yaml:"debounce" json:"debounce"`
	StopGrace        time.Duration `yaml:"stop_grace" json:"stop_grace"`
	QueueDepth       int           `yaml:"queue_depth" json:"queue_depth"`
	WriteRetries     int           `yaml:"write_retries" json:"write_retries"`
	MaxTextBytes     int64         `yaml:"max_text_bytes" json:"max_text_bytes"`
	MaxCacheBytes    int64         `yaml:"max_cache_bytes" json:"max_cache_bytes"`
	MaxScriptBytes   int64         `yaml:"max_script_bytes" json:"max_script_bytes"`
	ShellHistoryPath string        `yaml:"shell_history_path" json:"shell_history_path"` // override auto-detect
	HistoryFallback  *bool         `yaml:"history_fallback" json:"history_fallback"`
	DefaultFormat    string        `yaml:"default_format" json:"default_format"` // "json" | "markdown"
	OutputDir        string        `yaml:"output_dir" json:"output_dir"`
	DataDir          string        `yaml:"data_dir" json:"data_dir"`
}

// Capture holds the knobs a capture session needs.
type Capture struct {
	WatchedRoots     []string
	IgnorePatterns   []string
	Debounce         time.Duration
	StopGrace        time.Duration
	QueueDepth       int
	WriteRetries     int
	MaxTextBytes     int64
	MaxCacheBytes    int64
	MaxScriptBytes   int64
	ShellHistoryPath string
	HistoryFallback  bool
}

// Defaults returns sensible default configuration values.
func Defaults() Config {
	fallback := true
	return Config{
		IgnorePatterns:  []string{".git", "node_modules", "*.swp", "*~", "*.tmp"},
		Debounce:        150 * time.Millisecond,
		StopGrace:       2 * time.Second,
		QueueDepth:      256,
		WriteRetries:    3,
		MaxTextBytes:    4 << 20,
		MaxCacheBytes:   64 << 20,
		MaxScriptBytes:  256 << 10,
		HistoryFallback: &fallback,
		DefaultFormat:   "json",
		OutputDir:       ".",
	}
}

// Capture projects the capture-relevant settings.
func (c Config) Capture() Capture {
	return Capture{
		WatchedRoots:     c.WatchedRoots,
		IgnorePatterns:   c.IgnorePatterns,
		Debounce:         c.Debounce,
		StopGrace:        c.StopGrace,
		QueueDepth:       c.QueueDepth,
		WriteRetries:     c.WriteRetries,
		MaxTextBytes:     c.MaxTextBytes,
		MaxCacheBytes:    c.MaxCacheBytes,
		MaxScriptBytes:   c.MaxScriptBytes,
		ShellHistoryPath: c.ShellHistoryPath,
		HistoryFallback:  c.HistoryFallback != nil && *c.HistoryFallback,
	}
}

// Dir returns the orcai config directory.
func Dir() (string, error) {
	base := os.Getenv("XDG_CONFIG_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".config")
	}
	return filepath.Join(base, "orcai"), nil
}

// DataDir returns the directory holding session state and logs:
// $ORCAI_DATA_DIR, else $XDG_DATA_HOME/orcai, else ~/.local/share/orcai.
func DataDir() (string, error) {
	if d := os.Getenv("ORCAI_DATA_DIR"); d != "" {
		return d, nil
	}
	base := os.Getenv("XDG_DATA_HOME")
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		base = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(base, "orcai"), nil
}

// LoadGlobal reads config.yaml (or config.json) from the config directory.
// Returns defaults if neither file exists.
func LoadGlobal() (*Config, error) {
	dir, err := Dir()
	if err != nil {
		return nil, err
	}
	for _, name := range []string{"config.yaml", "config.yml", "config.json"} {
		cfg, err := loadFile(filepath.Join(dir, name), false)
		if err != nil {
			return nil, err
		}
		if cfg != nil {
			return cfg, nil
		}
	}
	d := Defaults()
	return &d, nil
}

// SaveGlobal writes cfg to config.yaml in the config directory and returns
// the path written.
func SaveGlobal(cfg *Config) (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, "config.yaml")
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return "", err
	}
	return path, os.Rename(tmp, path)
}

// LoadProject reads .orcaiconfig in the current working directory.
// Returns nil (no error) if the file is absent.
func LoadProject() (*Config, error) {
	return loadFile(".orcaiconfig", false)
}

// loadFile reads and parses a config file at path.
// If returnDefaults is true, returns defaults when the file is absent.
// If returnDefaults is false, returns nil when the file is absent.
func loadFile(path string, returnDefaults bool) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if returnDefaults {
				d := Defaults()
				return &d, nil
			}
			return nil, nil
		}
		return nil, err
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, &ParseError{Path: path, Err: err}
	}
	return &cfg, nil
}

// Merge combines global and project configs, with project taking precedence.
// Missing keys fall back to global, then defaults.
func Merge(global, project *Config) Config {
	result := Defaults()
	apply(&result, global)
	apply(&result, project)
	if d := os.Getenv("ORCAI_DATA_DIR"); d != "" {
		result.DataDir = d
	}
	return result
}

// apply copies every set field of src over dst.
func apply(dst, src *Config) {
	if src == nil {
		return
	}
	if len(src.WatchedRoots) > 0 {
		dst.WatchedRoots = src.WatchedRoots
	}
	if len(src.IgnorePatterns) > 0 {
		dst.IgnorePatterns = src.IgnorePatterns
	}
	if src.Debounce > 0 {
		dst.Debounce = src.Debounce
	}
	if src.StopGrace > 0 {
		dst.StopGrace = src.StopGrace
	}
	if src.QueueDepth > 0 {
		dst.QueueDepth = src.QueueDepth
	}
	if src.WriteRetries > 0 {
		dst.WriteRetries = src.WriteRetries
	}
	if src.MaxTextBytes > 0 {
		dst.MaxTextBytes = src.MaxTextBytes
	}
	if src.MaxCacheBytes > 0 {
		dst.MaxCacheBytes = src.MaxCacheBytes
	}
	if src.MaxScriptBytes > 0 {
		dst.MaxScriptBytes = src.MaxScriptBytes
	}
	if src.ShellHistoryPath != "" {
		dst.ShellHistoryPath = src.ShellHistoryPath
	}
	if src.HistoryFallback != nil {
		dst.HistoryFallback = src.HistoryFallback
	}
	if src.DefaultFormat != "" {
		dst.DefaultFormat = src.DefaultFormat
	}
	if src.OutputDir != "" {
		dst.OutputDir = src.OutputDir
	}
	if src.DataDir != "" {
		dst.DataDir = src.DataDir
	}
}

// ParseError is returned when a config file exists but cannot be parsed.
type ParseError struct {
	Path string
	Err  error
}

func (e *ParseError) Error() string {
	return "failed to parse config file " + e.Path + ": " + e.Err.Error()
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

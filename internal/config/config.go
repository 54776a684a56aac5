// Package config handles loading and managing casevault configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// Defaults. The limits mirror the archive walker's own defaults so a config
// file that omits [limits] behaves like no config file at all.
const (
	DefaultMaxDepth      = 8
	DefaultMaxTotalBytes = int64(64) << 30
	DefaultMaxEntryBytes = int64(4) << 30
	DefaultBatchSize     = 512
	DefaultCacheMaxBytes = int64(256) << 20
)

// DefaultRecordPatterns match record files by base name.
var DefaultRecordPatterns = []string{"*.csv"}

// Config represents the casevault configuration.
type Config struct {
	Data   DataConfig   `toml:"data"`
	Limits LimitsConfig `toml:"limits"`
	Ingest IngestConfig `toml:"ingest"`
	Media  MediaConfig  `toml:"media"`

	// Computed paths (not from config file)
	HomeDir    string `toml:"-"`
	configPath string
}

// DataConfig holds data storage configuration. Review case files and the
// case registry live under DataDir.
type DataConfig struct {
	DataDir string `toml:"data_dir"`
}

// LimitsConfig bounds archive walking.
type LimitsConfig struct {
	MaxDepth      int   `toml:"max_depth"`       // nested container depth
	MaxTotalBytes int64 `toml:"max_total_bytes"` // decompressed bytes per subtree walk
	MaxEntryBytes int64 `toml:"max_entry_bytes"` // single entry cap
}

// IngestConfig holds load pipeline configuration.
type IngestConfig struct {
	Workers        int      `toml:"workers"` // 0 = one per CPU
	BatchSize      int      `toml:"batch_size"`
	RecordPatterns []string `toml:"record_patterns"`
	UserMap        string   `toml:"user_map"` // optional identifier → username table
}

// MediaConfig holds media resolver configuration.
type MediaConfig struct {
	CacheMaxBytes int64 `toml:"cache_max_bytes"`
}

// DefaultHome returns the default casevault home directory.
// Respects CASEVAULT_HOME environment variable.
func DefaultHome() string {
	if h := os.Getenv("CASEVAULT_HOME"); h != "" {
		return expandPath(h)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return ".casevault"
	}
	return filepath.Join(home, ".casevault")
}

// NewDefaultConfig returns a configuration with default values rooted at
// DefaultHome.
func NewDefaultConfig() *Config {
	return newConfig(DefaultHome())
}

func newConfig(homeDir string) *Config {
	return &Config{
		HomeDir: homeDir,
		Data:    DataConfig{DataDir: homeDir},
		Limits: LimitsConfig{
			MaxDepth:      DefaultMaxDepth,
			MaxTotalBytes: DefaultMaxTotalBytes,
			MaxEntryBytes: DefaultMaxEntryBytes,
		},
		Ingest: IngestConfig{
			BatchSize:      DefaultBatchSize,
			RecordPatterns: append([]string(nil), DefaultRecordPatterns...),
		},
		Media: MediaConfig{CacheMaxBytes: DefaultCacheMaxBytes},
	}
}

// Load reads the configuration.
//
// With an explicit path the file must exist, and relative paths inside it
// resolve against the file's directory, which also becomes HomeDir. With
// homeDir set (the --home flag), config.toml is read from there if present.
// Otherwise DefaultHome()/config.toml is read if present.
func Load(path, homeDir string) (*Config, error) {
	explicit := path != ""
	switch {
	case explicit:
		path = expandPath(path)
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve config path: %w", err)
		}
		if _, err := os.Stat(abs); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return nil, fmt.Errorf("config file not found: %s", path)
			}
			return nil, fmt.Errorf("stat config: %w", err)
		}
		if homeDir == "" {
			homeDir = filepath.Dir(abs)
		}
	case homeDir == "":
		homeDir = DefaultHome()
	}
	homeDir = expandPath(homeDir)
	if !explicit {
		path = filepath.Join(homeDir, "config.toml")
	}

	cfg := newConfig(homeDir)
	cfg.configPath = path

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w%s", err, backslashHint(err))
	}

	cfg.Data.DataDir = cfg.resolvePath(cfg.Data.DataDir)
	if cfg.Data.DataDir == "" {
		cfg.Data.DataDir = homeDir
	}
	cfg.Ingest.UserMap = cfg.resolvePath(cfg.Ingest.UserMap)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// backslashHint explains the usual cause of TOML escape errors: Windows
// paths written in basic strings.
func backslashHint(err error) string {
	msg := err.Error()
	if !strings.Contains(msg, "invalid escape") && !strings.Contains(msg, "hexadecimal digits") {
		return ""
	}
	return "\nhint: use forward slashes (C:/Evidence/cases) or single quotes ('C:\\Evidence\\cases') for Windows paths"
}

// resolvePath expands ~ and anchors relative paths at HomeDir.
func (c *Config) resolvePath(p string) string {
	p = expandPath(p)
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.HomeDir, p)
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	switch {
	case c.Limits.MaxDepth < 0:
		return fmt.Errorf("config: limits.max_depth must not be negative")
	case c.Limits.MaxTotalBytes < 0 || c.Limits.MaxEntryBytes < 0:
		return fmt.Errorf("config: byte limits must not be negative")
	case c.Ingest.Workers < 0:
		return fmt.Errorf("config: ingest.workers must not be negative")
	case c.Ingest.BatchSize < 0:
		return fmt.Errorf("config: ingest.batch_size must not be negative")
	case c.Media.CacheMaxBytes < 0:
		return fmt.Errorf("config: media.cache_max_bytes must not be negative")
	}
	for _, p := range c.Ingest.RecordPatterns {
		if _, err := path.Match(p, ""); err != nil {
			return fmt.Errorf("config: ingest.record_patterns: %q: %w", p, err)
		}
	}
	return nil
}

// ConfigFilePath returns the path of the config file that was (or would
// have been) read.
func (c *Config) ConfigFilePath() string {
	if c.configPath != "" {
		return c.configPath
	}
	return filepath.Join(c.HomeDir, "config.toml")
}

// DatabasePath returns the path to the case registry database.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.Data.DataDir, "registry.db")
}

// CasesDir returns the directory holding review case files.
func (c *Config) CasesDir() string {
	return filepath.Join(c.Data.DataDir, "cases")
}

// expandPath expands ~ to the user's home directory.
func expandPath(p string) string {
	if p == "" || p[0] != '~' {
		return p
	}
	if len(p) > 1 && p[1] != '/' && p[1] != filepath.Separator {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func writeConfig(t *testing.T, dir, content string) string {
	t.Helper()
	p := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return p
}

func TestLoadEmptyPath(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CASEVAULT_HOME", tmpDir)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Data.DataDir != tmpDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, tmpDir)
	}
	want := LimitsConfig{MaxDepth: DefaultMaxDepth, MaxTotalBytes: DefaultMaxTotalBytes, MaxEntryBytes: DefaultMaxEntryBytes}
	if diff := cmp.Diff(want, cfg.Limits); diff != "" {
		t.Errorf("Limits (-want +got):\n%s", diff)
	}
	if cfg.Ingest.BatchSize != DefaultBatchSize || cfg.Ingest.Workers != 0 {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if diff := cmp.Diff(DefaultRecordPatterns, cfg.Ingest.RecordPatterns); diff != "" {
		t.Errorf("RecordPatterns (-want +got):\n%s", diff)
	}
	if cfg.Media.CacheMaxBytes != DefaultCacheMaxBytes {
		t.Errorf("CacheMaxBytes = %d", cfg.Media.CacheMaxBytes)
	}
	if got, want := cfg.DatabasePath(), filepath.Join(tmpDir, "registry.db"); got != want {
		t.Errorf("DatabasePath() = %q, want %q", got, want)
	}
	if got, want := cfg.CasesDir(), filepath.Join(tmpDir, "cases"); got != want {
		t.Errorf("CasesDir() = %q, want %q", got, want)
	}
}

func TestLoadWithConfigFile(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CASEVAULT_HOME", tmpDir)
	writeConfig(t, tmpDir, `
[data]
data_dir = "~/custom/data"

[limits]
max_depth = 3
max_entry_bytes = 1048576

[ingest]
workers = 2
record_patterns = ["*.csv", "*.tsv"]
user_map = "users.toml"

[media]
cache_max_bytes = 1024
`)

	cfg, err := Load("", "")
	if err != nil {
		t.Fatalf("Load(\"\") failed: %v", err)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}
	if want := filepath.Join(home, "custom/data"); cfg.Data.DataDir != want {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, want)
	}
	if want := filepath.Join(tmpDir, "users.toml"); cfg.Ingest.UserMap != want {
		t.Errorf("Ingest.UserMap = %q, want %q", cfg.Ingest.UserMap, want)
	}
	// Keys absent from the file keep their defaults.
	want := LimitsConfig{MaxDepth: 3, MaxTotalBytes: DefaultMaxTotalBytes, MaxEntryBytes: 1 << 20}
	if diff := cmp.Diff(want, cfg.Limits); diff != "" {
		t.Errorf("Limits (-want +got):\n%s", diff)
	}
	if cfg.Ingest.Workers != 2 || cfg.Ingest.BatchSize != DefaultBatchSize {
		t.Errorf("Ingest = %+v", cfg.Ingest)
	}
	if diff := cmp.Diff([]string{"*.csv", "*.tsv"}, cfg.Ingest.RecordPatterns); diff != "" {
		t.Errorf("RecordPatterns (-want +got):\n%s", diff)
	}
	if cfg.Media.CacheMaxBytes != 1024 {
		t.Errorf("CacheMaxBytes = %d", cfg.Media.CacheMaxBytes)
	}
}

func TestLoadExplicitPathNotFound(t *testing.T) {
	_, err := Load("/nonexistent/path/config.toml", "")
	if err == nil {
		t.Fatal("Load with explicit nonexistent path should return error")
	}
	if got := err.Error(); !strings.Contains(got, "config file not found") {
		t.Errorf("error = %q, want it to contain %q", got, "config file not found")
	}
}

func TestLoadExplicitPathDerivedHomeDir(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, "[ingest]\nbatch_size = 64\n")

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q) failed: %v", configPath, err)
	}

	if cfg.HomeDir != tmpDir {
		t.Errorf("HomeDir = %q, want %q", cfg.HomeDir, tmpDir)
	}
	if cfg.Data.DataDir != tmpDir {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, tmpDir)
	}
	if cfg.Ingest.BatchSize != 64 {
		t.Errorf("BatchSize = %d, want 64", cfg.Ingest.BatchSize)
	}
	if cfg.ConfigFilePath() != configPath {
		t.Errorf("ConfigFilePath() = %q, want %q", cfg.ConfigFilePath(), configPath)
	}
}

func TestLoadExplicitPathRelativePaths(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := writeConfig(t, tmpDir, `
[data]
data_dir = "data"

[ingest]
user_map = "maps/users.toml"
`)

	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load(%q) failed: %v", configPath, err)
	}
	if want := filepath.Join(tmpDir, "data"); cfg.Data.DataDir != want {
		t.Errorf("Data.DataDir = %q, want %q", cfg.Data.DataDir, want)
	}
	if want := filepath.Join(tmpDir, "maps/users.toml"); cfg.Ingest.UserMap != want {
		t.Errorf("Ingest.UserMap = %q, want %q", cfg.Ingest.UserMap, want)
	}
}

func TestLoadWithHomeDir(t *testing.T) {
	homeDir := t.TempDir()

	cfg, err := Load("", homeDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.HomeDir != homeDir || cfg.Data.DataDir != homeDir {
		t.Errorf("HomeDir = %q, DataDir = %q, want %q", cfg.HomeDir, cfg.Data.DataDir, homeDir)
	}

	writeConfig(t, homeDir, "[media]\ncache_max_bytes = 42\n")
	cfg, err = Load("", homeDir)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Media.CacheMaxBytes != 42 {
		t.Errorf("CacheMaxBytes = %d, want 42", cfg.Media.CacheMaxBytes)
	}
}

func TestLoadWithHomeDirExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	cfg, err := Load("", "~/custom-data")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	expected := filepath.Join(home, "custom-data")
	if cfg.HomeDir != expected || cfg.Data.DataDir != expected {
		t.Errorf("HomeDir = %q, DataDir = %q, want %q", cfg.HomeDir, cfg.Data.DataDir, expected)
	}
}

func TestDefaultHomeExpandsTilde(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}

	t.Setenv("CASEVAULT_HOME", "~/.casevault-test")
	if got, want := DefaultHome(), filepath.Join(home, ".casevault-test"); got != want {
		t.Errorf("DefaultHome() = %q, want %q", got, want)
	}
}

func TestLoadBackslashErrorHint(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"invalid escape", "[data]\ndata_dir = \"C:\\Games\\cases\"\n"},
		{"unicode escape", "[data]\ndata_dir = \"C:\\Users\\examiner\\cases\"\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tmpDir := t.TempDir()
			t.Setenv("CASEVAULT_HOME", tmpDir)
			writeConfig(t, tmpDir, tt.content)

			_, err := Load("", "")
			if err == nil {
				t.Fatal("Load should fail on TOML backslash error")
			}
			for _, want := range []string{"hint:", "forward slashes", "single quotes"} {
				if !strings.Contains(err.Error(), want) {
					t.Errorf("error should contain %q, got: %s", want, err)
				}
			}
		})
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"negative depth", "[limits]\nmax_depth = -1\n"},
		{"negative workers", "[ingest]\nworkers = -2\n"},
		{"negative cache", "[media]\ncache_max_bytes = -1\n"},
		{"bad pattern", "[ingest]\nrecord_patterns = [\"[\"]\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configPath := writeConfig(t, t.TempDir(), tt.content)
			if _, err := Load(configPath, ""); err == nil {
				t.Errorf("Load should reject %s", tt.name)
			}
		})
	}
}

func TestLoadIgnoresUnknownKeys(t *testing.T) {
	configPath := writeConfig(t, t.TempDir(), "[server]\napi_port = 9090\n[ingest]\nworkers = 3\n")
	cfg, err := Load(configPath, "")
	if err != nil {
		t.Fatalf("Load should ignore unknown keys, got: %v", err)
	}
	if cfg.Ingest.Workers != 3 {
		t.Errorf("Workers = %d, want 3", cfg.Ingest.Workers)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Fatalf("failed to get user home dir: %v", err)
	}
	tests := []struct {
		in, want string
	}{
		{"", ""},
		{"~", home},
		{"~/cases", filepath.Join(home, "cases")},
		{"/abs/path", "/abs/path"},
		{"relative/path", "relative/path"},
		{"~other/path", "~other/path"},
	}
	for _, tt := range tests {
		if got := expandPath(tt.in); got != tt.want {
			t.Errorf("expandPath(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNewDefaultConfig(t *testing.T) {
	tmpDir := t.TempDir()
	t.Setenv("CASEVAULT_HOME", tmpDir)

	cfg := NewDefaultConfig()
	if cfg.HomeDir != tmpDir || cfg.Data.DataDir != tmpDir {
		t.Errorf("HomeDir = %q, DataDir = %q, want %q", cfg.HomeDir, cfg.Data.DataDir, tmpDir)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("defaults should validate: %v", err)
	}
	if cfg.ConfigFilePath() != filepath.Join(tmpDir, "config.toml") {
		t.Errorf("ConfigFilePath() = %q", cfg.ConfigFilePath())
	}
}

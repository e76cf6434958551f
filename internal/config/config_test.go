package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test Plan for Config:
// - Default() is valid and points the database and socket into the data directory
// - dataDirFor() follows each platform's convention
// - Load() returns defaults when no config file exists (not an error)
// - Load() reads config.yaml from the data directory or an explicit path
// - QUICKFIND_* environment variables override file values
// - Load() fails on malformed YAML and on invalid values, reporting every problem
// - ~ is expanded in roots, prefixes and the database path
// - Set() overrides the file like a command-line flag
// - Watch() delivers the reloaded configuration after the file changes

func isolate(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	t.Setenv("XDG_DATA_HOME", filepath.Join(home, "data"))
	return home
}

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func TestDefault_IsValid(t *testing.T) {
	home := isolate(t)

	cfg := Default()
	require.NoError(t, Validate(cfg))

	dataDir := filepath.Join(home, "data", "quickfind")
	assert.Equal(t, filepath.Join(dataDir, "search_index.db"), cfg.Storage.DBPath)
	assert.Equal(t, filepath.Join(dataDir, "quickfind.sock"), cfg.Server.SocketPath)
	assert.Equal(t, time.Hour, cfg.Index.Interval)
	assert.True(t, cfg.SkipNetworkMounts)
	assert.NotEmpty(t, cfg.Roots)
}

func TestDataDirFor(t *testing.T) {
	t.Parallel()

	env := func(vars map[string]string) func(string) string {
		return func(k string) string { return vars[k] }
	}

	tests := []struct {
		name string
		goos string
		vars map[string]string
		want string
	}{
		{
			name: "windows appdata",
			goos: "windows",
			vars: map[string]string{"APPDATA": `C:\Users\ana\AppData\Roaming`},
			want: filepath.Join(`C:\Users\ana\AppData\Roaming`, "quickfind"),
		},
		{
			name: "darwin",
			goos: "darwin",
			vars: map[string]string{"HOME": "/Users/ana"},
			want: filepath.Join("/Users/ana", "Library", "Application Support", "quickfind"),
		},
		{
			name: "linux xdg",
			goos: "linux",
			vars: map[string]string{"HOME": "/home/ana", "XDG_DATA_HOME": "/srv/xdg"},
			want: filepath.Join("/srv/xdg", "quickfind"),
		},
		{
			name: "linux fallback",
			goos: "linux",
			vars: map[string]string{"HOME": "/home/ana"},
			want: filepath.Join("/home/ana", ".local", "share", "quickfind"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, dataDirFor(tt.goos, env(tt.vars)))
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	// Note: Cannot use t.Parallel() with t.Setenv()
	isolate(t)

	l := NewLoader("")
	cfg, err := l.Load()

	require.NoError(t, err)
	assert.Empty(t, l.ConfigFileUsed())
	want := Default()
	assert.Equal(t, want.Roots, cfg.Roots)
	assert.Equal(t, want.Exclude.Patterns, cfg.Exclude.Patterns)
	assert.Equal(t, want.Storage.DBPath, cfg.Storage.DBPath)
	assert.Equal(t, want.Index, cfg.Index)
	assert.Equal(t, want.Query, cfg.Query)
}

func TestLoad_FromDataDir(t *testing.T) {
	home := isolate(t)
	root := t.TempDir()

	writeConfig(t, filepath.Join(home, "data", "quickfind", "config.yaml"), `
roots:
  - `+root+`
include_hidden: true
exclude:
  patterns: ["*.bak", "vendor"]
index:
  interval: 30m
  batch_size: 250
query:
  default_limit: 10
  max_limit: 100
`)

	l := NewLoader("")
	cfg, err := l.Load()

	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "data", "quickfind", "config.yaml"), l.ConfigFileUsed())
	assert.Equal(t, []string{root}, cfg.Roots)
	assert.True(t, cfg.IncludeHidden)
	assert.Equal(t, []string{"*.bak", "vendor"}, cfg.Exclude.Patterns)
	assert.Equal(t, 30*time.Minute, cfg.Index.Interval)
	assert.Equal(t, 250, cfg.Index.BatchSize)
	assert.Equal(t, 10, cfg.Query.DefaultLimit)
	assert.Equal(t, 100, cfg.Query.MaxLimit)

	// Keys absent from the file keep their defaults.
	assert.Equal(t, 50, cfg.Index.KeepPasses)
	assert.Equal(t, Default().Query.Overfetch, cfg.Query.Overfetch)

	so := cfg.ScanOptions()
	assert.Equal(t, []string{root}, so.Roots)
	assert.True(t, so.IncludeHidden)
	assert.Equal(t, 10, cfg.SearchOptions().DefaultLimit)
}

func TestLoad_ExplicitPath(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "custom.yaml")
	writeConfig(t, path, "storage:\n  db_path: /var/lib/quickfind/index.db\n")

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, "/var/lib/quickfind/index.db", cfg.Storage.DBPath)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	home := isolate(t)
	writeConfig(t, filepath.Join(home, "data", "quickfind", "config.yaml"), `
index:
  batch_size: 250
server:
  listen: 127.0.0.1:7000
`)
	t.Setenv("QUICKFIND_INDEX_BATCH_SIZE", "42")
	t.Setenv("QUICKFIND_INDEX_INTERVAL", "15m")
	t.Setenv("QUICKFIND_LOG_VERBOSE", "true")

	cfg, err := Load("")

	require.NoError(t, err)
	assert.Equal(t, 42, cfg.Index.BatchSize)
	assert.Equal(t, 15*time.Minute, cfg.Index.Interval)
	assert.True(t, cfg.Log.Verbose)
	assert.Equal(t, "127.0.0.1:7000", cfg.Server.Listen)
}

func TestLoad_SetOverridesFile(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "storage:\n  db_path: /from/file.db\n")

	l := NewLoader(path)
	l.Set("storage.db_path", "/from/flag.db")
	cfg, err := l.Load()

	require.NoError(t, err)
	assert.Equal(t, "/from/flag.db", cfg.Storage.DBPath)
}

func TestLoad_MalformedYAML(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "roots: [unclosed\n  index: :\n")

	_, err := Load(path)

	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read config file")
}

func TestLoad_InvalidValues(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, `
roots: ["relative/dir"]
exclude:
  patterns: ["[abc"]
index:
  batch_size: 0
query:
  default_limit: 600
  max_limit: 500
`)

	_, err := Load(path)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRelativePath)
	assert.ErrorIs(t, err, ErrInvalidPattern)
	assert.ErrorIs(t, err, ErrInvalidIndexSettings)
	assert.ErrorIs(t, err, ErrInvalidLimit)
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{name: "defaults", mutate: func(*Config) {}},
		{name: "no roots", mutate: func(c *Config) { c.Roots = nil }, wantErr: ErrNoRoots},
		{name: "relative prefix", mutate: func(c *Config) { c.Exclude.Prefixes = []string{"tmp"} }, wantErr: ErrRelativePath},
		{name: "negative interval", mutate: func(c *Config) { c.Index.Interval = -time.Second }, wantErr: ErrInvalidIndexSettings},
		{name: "negative keep", mutate: func(c *Config) { c.Index.KeepPasses = -1 }, wantErr: ErrInvalidIndexSettings},
		{name: "zero overfetch", mutate: func(c *Config) { c.Query.Overfetch = 0 }, wantErr: ErrInvalidLimit},
		{name: "negative cache", mutate: func(c *Config) { c.Query.CacheSize = -1 }, wantErr: ErrInvalidLimit},
		{name: "zero interval disables refresh", mutate: func(c *Config) { c.Index.Interval = 0 }},
		{name: "zero cache disables caching", mutate: func(c *Config) { c.Query.CacheSize = 0 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Roots = []string{"/"}
			tt.mutate(cfg)

			err := Validate(cfg)
			if tt.wantErr == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestLoad_ExpandsHome(t *testing.T) {
	home := isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, `
roots: ["~/docs", " /srv "]
exclude:
  prefixes: ["~/docs/cache"]
storage:
  db_path: ~/index.db
`)

	cfg, err := Load(path)

	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(home, "docs"), "/srv"}, cfg.Roots)
	assert.Equal(t, []string{filepath.Join(home, "docs", "cache")}, cfg.Exclude.Prefixes)
	assert.Equal(t, filepath.Join(home, "index.db"), cfg.Storage.DBPath)
}

func TestWatch_ReloadsOnChange(t *testing.T) {
	isolate(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, "index:\n  batch_size: 100\n")

	l := NewLoader(path)
	_, err := l.Load()
	require.NoError(t, err)

	changes := make(chan *Config, 16)
	l.Watch(func(cfg *Config) { changes <- cfg })

	writeConfig(t, path, "index:\n  batch_size: 700\n")

	// A write can surface as several events; wait for the one carrying the new value.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-changes:
			if cfg.Index.BatchSize == 700 {
				return
			}
		case <-deadline:
			t.Fatal("config change was not delivered")
		}
	}
}

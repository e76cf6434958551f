package config

import (
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/mordilloSan/quickfind/indexing"
	"github.com/mordilloSan/quickfind/search"
	"github.com/mordilloSan/quickfind/storage"
)

const appName = "quickfind"

// Config is the complete quickfind configuration, loaded from
// <data dir>/config.yaml with QUICKFIND_* environment overrides.
type Config struct {
	Roots              []string      `yaml:"roots" mapstructure:"roots"`
	IncludeHidden      bool          `yaml:"include_hidden" mapstructure:"include_hidden"`
	FollowSymlinks     bool          `yaml:"follow_symlinks" mapstructure:"follow_symlinks"`
	SkipNetworkMounts  bool          `yaml:"skip_network_mounts" mapstructure:"skip_network_mounts"`
	IncludeSystemPaths bool          `yaml:"include_system_paths" mapstructure:"include_system_paths"`
	Exclude            ExcludeConfig `yaml:"exclude" mapstructure:"exclude"`
	Index              IndexConfig   `yaml:"index" mapstructure:"index"`
	Storage            StorageConfig `yaml:"storage" mapstructure:"storage"`
	Server             ServerConfig  `yaml:"server" mapstructure:"server"`
	Query              QueryConfig   `yaml:"query" mapstructure:"query"`
	Log                LogConfig     `yaml:"log" mapstructure:"log"`
}

type ExcludeConfig struct {
	// absolute path prefixes never descended
	Prefixes   []string `yaml:"prefixes" mapstructure:"prefixes"`
	// glob patterns on base name or full path
	Patterns   []string `yaml:"patterns" mapstructure:"patterns"`
	// gitignore-syntax file at the top of each root
	IgnoreFile string   `yaml:"ignore_file" mapstructure:"ignore_file"`
}

type IndexConfig struct {
	// background refresh period, 0 disables
	Interval   time.Duration `yaml:"interval" mapstructure:"interval"`
	// records per write transaction
	BatchSize  int           `yaml:"batch_size" mapstructure:"batch_size"`
	// pass history rows kept
	KeepPasses int           `yaml:"keep_passes" mapstructure:"keep_passes"`
}

type StorageConfig struct {
	DBPath string `yaml:"db_path" mapstructure:"db_path"`
}

type ServerConfig struct {
	// "-" disables the unix socket
	SocketPath string `yaml:"socket_path" mapstructure:"socket_path"`
	// optional TCP address
	Listen     string `yaml:"listen" mapstructure:"listen"`
}

type QueryConfig struct {
	DefaultLimit int `yaml:"default_limit" mapstructure:"default_limit"`
	MaxLimit     int `yaml:"max_limit" mapstructure:"max_limit"`
	Overfetch    int `yaml:"overfetch" mapstructure:"overfetch"`
	CacheSize    int `yaml:"cache_size" mapstructure:"cache_size"`
}

type LogConfig struct {
	Verbose bool `yaml:"verbose" mapstructure:"verbose"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	dataDir := DefaultDataDir()
	return &Config{
		Roots:             DefaultRoots(),
		SkipNetworkMounts: true,
		Exclude: ExcludeConfig{
			Prefixes:   []string{},
			Patterns:   []string{"node_modules", "__pycache__", "*.tmp"},
			IgnoreFile: indexing.DefaultIgnoreFile,
		},
		Index: IndexConfig{
			Interval:   time.Hour,
			BatchSize:  1000,
			KeepPasses: 50,
		},
		Storage: StorageConfig{
			DBPath: filepath.Join(dataDir, storage.DefaultDBName),
		},
		Server: ServerConfig{
			SocketPath: filepath.Join(dataDir, appName+".sock"),
		},
		Query: QueryConfig{
			DefaultLimit: search.DefaultLimit,
			MaxLimit:     search.DefaultMaxLimit,
			Overfetch:    search.DefaultOverfetch,
			CacheSize:    search.DefaultCacheSize,
		},
	}
}

// DefaultDataDir is the per-user application data directory.
func DefaultDataDir() string {
	return dataDirFor(runtime.GOOS, os.Getenv)
}

func dataDirFor(goos string, getenv func(string) string) string {
	home := getenv("HOME")
	if home == "" {
		if h, err := os.UserHomeDir(); err == nil {
			home = h
		}
	}
	switch goos {
	case "windows":
		if appData := getenv("APPDATA"); appData != "" {
			return filepath.Join(appData, appName)
		}
		return filepath.Join(getenv("USERPROFILE"), "AppData", "Roaming", appName)
	case "darwin":
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		if xdg := getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}
		return filepath.Join(home, ".local", "share", appName)
	}
}

// DefaultRoots is every drive root on Windows and / elsewhere.
func DefaultRoots() []string {
	if runtime.GOOS != "windows" {
		return []string{"/"}
	}
	var roots []string
	for d := 'A'; d <= 'Z'; d++ {
		root := string(d) + `:\`
		if _, err := os.Stat(root); err == nil {
			roots = append(roots, root)
		}
	}
	return roots
}

// ScanOptions converts the configuration for indexing.NewScanner.
func (c *Config) ScanOptions() indexing.ScanOptions {
	return indexing.ScanOptions{
		Roots:              c.Roots,
		IncludeHidden:      c.IncludeHidden,
		FollowSymlinks:     c.FollowSymlinks,
		SkipNetworkMounts:  c.SkipNetworkMounts,
		IncludeSystemPaths: c.IncludeSystemPaths,
		ExcludePrefixes:    c.Exclude.Prefixes,
		ExcludePatterns:    c.Exclude.Patterns,
		IgnoreFile:         c.Exclude.IgnoreFile,
	}
}

// SearchOptions converts the configuration for search.NewEngine.
func (c *Config) SearchOptions() search.Options {
	return search.Options{
		DefaultLimit: c.Query.DefaultLimit,
		MaxLimit:     c.Query.MaxLimit,
		Overfetch:    c.Query.Overfetch,
		CacheSize:    c.Query.CacheSize,
	}
}

// expandHome replaces a leading ~ with the user's home directory.
func expandHome(p string) string {
	if p != "~" && !strings.HasPrefix(p, "~/") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}

func (c *Config) normalize() {
	for i, r := range c.Roots {
		c.Roots[i] = expandHome(strings.TrimSpace(r))
	}
	for i, p := range c.Exclude.Prefixes {
		c.Exclude.Prefixes[i] = expandHome(strings.TrimSpace(p))
	}
	c.Storage.DBPath = expandHome(strings.TrimSpace(c.Storage.DBPath))
	if c.Server.SocketPath != "-" {
		c.Server.SocketPath = expandHome(strings.TrimSpace(c.Server.SocketPath))
	}
}

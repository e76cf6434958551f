package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/mordilloSan/go_logger/logger"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. QUICKFIND_INDEX_INTERVAL.
const EnvPrefix = "QUICKFIND"

// Loader reads configuration with the following priority (highest first):
//  1. Environment variables (QUICKFIND_*)
//  2. Config file (--config, or config.yaml in the data directory)
//  3. Default values
type Loader struct {
	v *viper.Viper

	mu       sync.Mutex
	watching bool
}

// NewLoader creates a loader. An empty path searches the data directory
// for config.yaml; a missing file there is not an error.
func NewLoader(path string) *Loader {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(expandHome(path))
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(DefaultDataDir())
	}

	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	// QUICKFIND_STORAGE_DB_PATH -> storage.db_path
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)
	return &Loader{v: v}
}

// Load reads the file and environment and returns a validated Config.
func (l *Loader) Load() (*Config, error) {
	if err := l.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return l.decode()
}

func (l *Loader) decode() (*Config, error) {
	cfg := &Config{}
	if err := l.v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// ConfigFileUsed is the file Load read, or "" when running on defaults.
func (l *Loader) ConfigFileUsed() string {
	return l.v.ConfigFileUsed()
}

// Set overrides a key, as a command-line flag does.
func (l *Loader) Set(key string, value any) {
	l.v.Set(key, value)
}

// Watch calls onChange with the reloaded configuration whenever the config
// file changes. Invalid edits are logged and ignored so the running
// configuration stays in effect.
func (l *Loader) Watch(onChange func(*Config)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watching || l.v.ConfigFileUsed() == "" {
		return
	}
	l.watching = true

	l.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		cfg, err := l.decode()
		if err != nil {
			logger.Warnf("ignoring config change in %s: %v", e.Name, err)
			return
		}
		logger.Infof("config reloaded from %s", e.Name)
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// Load is a convenience wrapper around NewLoader(path).Load().
func Load(path string) (*Config, error) {
	return NewLoader(path).Load()
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("roots", d.Roots)
	v.SetDefault("include_hidden", d.IncludeHidden)
	v.SetDefault("follow_symlinks", d.FollowSymlinks)
	v.SetDefault("skip_network_mounts", d.SkipNetworkMounts)
	v.SetDefault("include_system_paths", d.IncludeSystemPaths)

	v.SetDefault("exclude.prefixes", d.Exclude.Prefixes)
	v.SetDefault("exclude.patterns", d.Exclude.Patterns)
	v.SetDefault("exclude.ignore_file", d.Exclude.IgnoreFile)

	v.SetDefault("index.interval", d.Index.Interval)
	v.SetDefault("index.batch_size", d.Index.BatchSize)
	v.SetDefault("index.keep_passes", d.Index.KeepPasses)

	v.SetDefault("storage.db_path", d.Storage.DBPath)

	v.SetDefault("server.socket_path", d.Server.SocketPath)
	v.SetDefault("server.listen", d.Server.Listen)

	v.SetDefault("query.default_limit", d.Query.DefaultLimit)
	v.SetDefault("query.max_limit", d.Query.MaxLimit)
	v.SetDefault("query.overfetch", d.Query.Overfetch)
	v.SetDefault("query.cache_size", d.Query.CacheSize)

	v.SetDefault("log.verbose", d.Log.Verbose)
}

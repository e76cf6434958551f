package config

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gobwas/glob"
)

var (
	// ErrNoRoots indicates that nothing is configured for indexing
	ErrNoRoots = errors.New("no roots configured")

	// ErrRelativePath indicates a path that must be absolute
	ErrRelativePath = errors.New("path must be absolute")

	// ErrInvalidPattern indicates an exclude glob that does not compile
	ErrInvalidPattern = errors.New("invalid exclude pattern")

	// ErrInvalidLimit indicates bad query limits
	ErrInvalidLimit = errors.New("invalid query limit")

	// ErrInvalidIndexSettings indicates bad interval or batch settings
	ErrInvalidIndexSettings = errors.New("invalid index settings")
)

// Validate checks that the configuration is usable and reports every
// problem at once.
func Validate(cfg *Config) error {
	var errs []error

	if len(cfg.Roots) == 0 {
		errs = append(errs, ErrNoRoots)
	}
	for _, r := range cfg.Roots {
		if !filepath.IsAbs(r) {
			errs = append(errs, fmt.Errorf("%w: root %q", ErrRelativePath, r))
		}
	}
	for _, p := range cfg.Exclude.Prefixes {
		if !filepath.IsAbs(p) {
			errs = append(errs, fmt.Errorf("%w: exclude prefix %q", ErrRelativePath, p))
		}
	}
	for _, p := range cfg.Exclude.Patterns {
		if _, err := glob.Compile(filepath.ToSlash(p), '/'); err != nil {
			errs = append(errs, fmt.Errorf("%w %q: %v", ErrInvalidPattern, p, err))
		}
	}

	if cfg.Storage.DBPath == "" {
		errs = append(errs, errors.New("storage.db_path is required"))
	}

	if cfg.Index.Interval < 0 {
		errs = append(errs, fmt.Errorf("%w: interval must be >= 0, got %v", ErrInvalidIndexSettings, cfg.Index.Interval))
	}
	if cfg.Index.BatchSize <= 0 {
		errs = append(errs, fmt.Errorf("%w: batch_size must be > 0, got %d", ErrInvalidIndexSettings, cfg.Index.BatchSize))
	}
	if cfg.Index.KeepPasses < 0 {
		errs = append(errs, fmt.Errorf("%w: keep_passes must be >= 0, got %d", ErrInvalidIndexSettings, cfg.Index.KeepPasses))
	}

	q := cfg.Query
	if q.DefaultLimit <= 0 || q.MaxLimit <= 0 {
		errs = append(errs, fmt.Errorf("%w: limits must be > 0", ErrInvalidLimit))
	} else if q.DefaultLimit > q.MaxLimit {
		errs = append(errs, fmt.Errorf("%w: default_limit (%d) exceeds max_limit (%d)", ErrInvalidLimit, q.DefaultLimit, q.MaxLimit))
	}
	if q.Overfetch < 1 {
		errs = append(errs, fmt.Errorf("%w: overfetch must be >= 1, got %d", ErrInvalidLimit, q.Overfetch))
	}
	if q.CacheSize < 0 {
		errs = append(errs, fmt.Errorf("%w: cache_size must be >= 0, got %d", ErrInvalidLimit, q.CacheSize))
	}

	return errors.Join(errs...)
}

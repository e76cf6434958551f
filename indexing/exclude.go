package indexing

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	gitignore "github.com/denormal/go-gitignore"
	"github.com/gobwas/glob"
	"github.com/mordilloSan/go_logger/logger"
)

// DefaultIgnoreFile is read from the top of every root when present.
const DefaultIgnoreFile = ".quickfindignore"

// reservedNames are OS bookkeeping directories that hold nothing a user searches for.
var reservedNames = map[string]struct{}{
	"System Volume Information": {},
	"lost+found":                {},
}

type compiledPattern struct {
	pattern string
	glob    glob.Glob
	// full patterns contain a separator and match the whole path; others match the base name.
	full bool
}

// excluder decides which entries a walk skips. Rules are checked before a
// directory is descended, so an excluded directory is never read.
type excluder struct {
	includeHidden     bool
	skipNetworkMounts bool
	skipSystemPaths   bool
	prefixes          []string
	patterns          []compiledPattern
	ignoreFile        string
}

func newExcluder(opts ScanOptions) (*excluder, error) {
	x := &excluder{
		includeHidden:     opts.IncludeHidden,
		skipNetworkMounts: opts.SkipNetworkMounts,
		skipSystemPaths:   !opts.IncludeSystemPaths,
		ignoreFile:        opts.IgnoreFile,
	}
	for _, p := range opts.ExcludePrefixes {
		if p = strings.TrimSpace(p); p == "" {
			continue
		}
		x.prefixes = append(x.prefixes, filepath.Clean(p))
	}
	for _, pattern := range opts.ExcludePatterns {
		if pattern = strings.TrimSpace(pattern); pattern == "" {
			continue
		}
		g, err := glob.Compile(filepath.ToSlash(pattern), '/')
		if err != nil {
			return nil, fmt.Errorf("invalid exclude pattern %q: %w", pattern, err)
		}
		x.patterns = append(x.patterns, compiledPattern{
			pattern: pattern,
			glob:    g,
			full:    strings.Contains(filepath.ToSlash(pattern), "/"),
		})
	}
	return x, nil
}

// excluded reports whether the entry at path should be skipped and why.
func (x *excluder) excluded(path, name string, isDir bool, ignore gitignore.GitIgnore, root string) (string, bool) {
	if name != "" && name[0] == '.' && !x.includeHidden {
		return "hidden", true
	}
	if isDir {
		if strings.HasPrefix(name, "$") {
			return "reserved", true
		}
		if _, ok := reservedNames[name]; ok {
			return "reserved", true
		}
		if x.skipSystemPaths && isSystemPath(path) {
			return "system path", true
		}
		if x.skipNetworkMounts && isNetworkMount(path) {
			return "network mount", true
		}
	}
	for _, prefix := range x.prefixes {
		if path == prefix || strings.HasPrefix(path, prefix+string(os.PathSeparator)) {
			return "denylist", true
		}
	}
	if len(x.patterns) > 0 {
		slashed := filepath.ToSlash(path)
		for _, p := range x.patterns {
			if (p.full && p.glob.Match(slashed)) || (!p.full && p.glob.Match(name)) {
				return "pattern " + p.pattern, true
			}
		}
	}
	if ignore != nil {
		if rel, err := filepath.Rel(root, path); err == nil {
			if match := ignore.Relative(filepath.ToSlash(rel), isDir); match != nil && match.Ignore() {
				return "ignore file", true
			}
		}
	}
	return "", false
}

// loadIgnore reads the ignore file at the top of root, or returns nil.
func (x *excluder) loadIgnore(root string) gitignore.GitIgnore {
	if x.ignoreFile == "" {
		return nil
	}
	f, err := os.Open(filepath.Join(root, x.ignoreFile))
	if err != nil {
		return nil
	}
	defer func() { _ = f.Close() }()

	return gitignore.New(f, root, func(e gitignore.Error) bool {
		logger.Warnf("%s: %v", filepath.Join(root, x.ignoreFile), e)
		return true
	})
}

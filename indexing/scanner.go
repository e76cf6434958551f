package indexing

import (
	"context"
	"errors"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"slices"
	"sync/atomic"

	gitignore "github.com/denormal/go-gitignore"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
)

// ScanOptions configures a Scanner.
type ScanOptions struct {
	Roots             []string
	IncludeHidden     bool
	FollowSymlinks    bool
	SkipNetworkMounts bool
	// IncludeSystemPaths disables the built-in /proc, /dev, /sys and /run exclusion.
	IncludeSystemPaths bool
	ExcludePrefixes    []string
	// ExcludePatterns are glob patterns. A pattern with a separator matches
	// the full path, anything else matches the base name.
	ExcludePatterns []string
	// IgnoreFile is a gitignore-syntax file looked up at the top of each root.
	IgnoreFile string
	// OnError, when set, sees every traversal error as it happens.
	OnError func(*TraversalError)
}

// Scanner walks the configured roots lazily. It holds no per-walk state,
// so Walk may be called again to restart from the top.
type Scanner struct {
	opts    ScanOptions
	roots   []string
	exclude *excluder

	dirs     atomic.Int64
	files    atomic.Int64
	errs     atomic.Int64
	excluded atomic.Int64
	revisits atomic.Int64
}

// NewScanner validates opts and builds a scanner. Roots are made absolute;
// a root nested inside another root is dropped.
func NewScanner(opts ScanOptions) (*Scanner, error) {
	x, err := newExcluder(opts)
	if err != nil {
		return nil, err
	}
	roots := make([]string, 0, len(opts.Roots))
	for _, r := range opts.Roots {
		if r == "" {
			continue
		}
		abs, err := filepath.Abs(r)
		if err != nil {
			return nil, err
		}
		roots = append(roots, filepath.Clean(abs))
	}
	slices.Sort(roots)
	roots = slices.Compact(roots)
	outer := make([]string, 0, len(roots))
	for _, r := range roots {
		nested := false
		for _, other := range roots {
			if other != r && iteminfo.IsWithin(r, other) {
				nested = true
				break
			}
		}
		if !nested {
			outer = append(outer, r)
		}
	}
	return &Scanner{opts: opts, roots: outer, exclude: x}, nil
}

// Roots returns the normalised root list.
func (s *Scanner) Roots() []string {
	return slices.Clone(s.roots)
}

// Options returns the options the scanner was built with.
func (s *Scanner) Options() ScanOptions {
	return s.opts
}

// Stats returns the counters of the current or last walk.
func (s *Scanner) Stats() ScanStats {
	return ScanStats{
		Dirs:     s.dirs.Load(),
		Files:    s.files.Load(),
		Errors:   s.errs.Load(),
		Excluded: s.excluded.Load(),
		Revisits: s.revisits.Load(),
	}
}

func (s *Scanner) resetStats() {
	s.dirs.Store(0)
	s.files.Store(0)
	s.errs.Store(0)
	s.excluded.Store(0)
	s.revisits.Store(0)
}

type frame struct {
	dir    Entry
	root   string
	ignore gitignore.GitIgnore
}

// Walk yields one Listing per directory, depth first, using an explicit
// stack. Only the listings on the stack are held in memory. Cancellation
// is checked between directories; breaking out of the loop stops the walk.
func (s *Scanner) Walk(ctx context.Context) iter.Seq[Listing] {
	return func(yield func(Listing) bool) {
		s.resetStats()
		visited := make(map[fileID]struct{})

		for _, root := range s.roots {
			if ctx.Err() != nil {
				return
			}
			rootEntry, info, err := s.statRoot(root)
			if err != nil {
				if !yield(Listing{Dir: Entry{Path: root, Kind: iteminfo.KindDirectory}, Root: true, Err: err}) {
					return
				}
				continue
			}
			if id, ok := identityOf(root, info); ok {
				if _, seen := visited[id]; seen {
					s.revisits.Add(1)
					continue
				}
				visited[id] = struct{}{}
			}

			stack := []frame{{dir: rootEntry, root: root, ignore: s.exclude.loadIgnore(root)}}
			isRoot := true
			for len(stack) > 0 {
				if ctx.Err() != nil {
					return
				}
				f := stack[len(stack)-1]
				stack = stack[:len(stack)-1]

				listing, subdirs := s.readDir(f, visited)
				listing.Root = isRoot
				isRoot = false
				if !yield(listing) {
					return
				}
				// Reverse so the first listed subdirectory is visited first.
				for i := len(subdirs) - 1; i >= 0; i-- {
					stack = append(stack, subdirs[i])
				}
			}
		}
	}
}

// Entries flattens Walk into individual observations. Each root is
// yielded before its contents.
func (s *Scanner) Entries(ctx context.Context) iter.Seq[Entry] {
	return func(yield func(Entry) bool) {
		for listing := range s.Walk(ctx) {
			if listing.Root && listing.Err == nil {
				if !yield(listing.Dir) {
					return
				}
			}
			for _, e := range listing.Entries {
				if !yield(e) {
					return
				}
			}
		}
	}
}

func (s *Scanner) statRoot(root string) (Entry, fs.FileInfo, error) {
	info, err := os.Stat(root)
	if err != nil {
		return Entry{}, nil, s.fail(root, "stat", err)
	}
	if !info.IsDir() {
		return Entry{}, nil, s.fail(root, "open", errors.New("not a directory"))
	}
	return Entry{
		Path:    root,
		Kind:    iteminfo.KindDirectory,
		ModTime: info.ModTime(),
	}, info, nil
}

// readDir lists one directory and returns the subdirectories to descend.
func (s *Scanner) readDir(f frame, visited map[fileID]struct{}) (Listing, []frame) {
	listing := Listing{Dir: f.dir}

	dir, err := os.Open(f.dir.Path)
	if err != nil {
		listing.Err = s.fail(f.dir.Path, "open", err)
		return listing, nil
	}
	defer func() { _ = dir.Close() }()

	dirents, err := dir.ReadDir(-1)
	if err != nil {
		// A partial listing would tombstone entries that still exist.
		listing.Err = s.fail(f.dir.Path, "readdir", err)
		return listing, nil
	}
	s.dirs.Add(1)

	listing.Entries = make([]Entry, 0, len(dirents))
	var subdirs []frame
	for _, d := range dirents {
		name := d.Name()
		path := filepath.Join(f.dir.Path, name)

		info, err := d.Info()
		if err != nil {
			s.fail(path, "lstat", err)
			continue
		}
		entry := Entry{
			Path:    path,
			Kind:    iteminfo.KindFromMode(info.Mode()),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		}
		if info.Mode()&fs.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				s.fail(path, "follow symlink", err)
				continue
			}
			info = target
			entry.Symlink = true
			entry.Kind = iteminfo.KindFromMode(target.Mode())
			entry.Size = target.Size()
			entry.ModTime = target.ModTime()
		}
		isDir := entry.Kind == iteminfo.KindDirectory
		if !isDir && !info.Mode().IsRegular() && !entry.Symlink {
			// Sockets, fifos and devices are not searchable files.
			continue
		}
		if isDir {
			entry.Size = 0
		}

		if reason, skip := s.exclude.excluded(path, name, isDir, f.ignore, f.root); skip {
			s.excluded.Add(1)
			logger.Debugf("excluded %s (%s)", path, reason)
			continue
		}

		listing.Entries = append(listing.Entries, entry)
		if !isDir {
			s.files.Add(1)
			continue
		}
		if entry.Symlink && !s.opts.FollowSymlinks {
			continue
		}
		if id, ok := identityOf(path, info); ok {
			if _, seen := visited[id]; seen {
				// Recorded above, never re-descended.
				s.revisits.Add(1)
				continue
			}
			visited[id] = struct{}{}
		}
		subdirs = append(subdirs, frame{dir: entry, root: f.root, ignore: f.ignore})
	}
	return listing, subdirs
}

func (s *Scanner) fail(path, op string, err error) *TraversalError {
	te := &TraversalError{Path: path, Op: op, Err: err}
	s.errs.Add(1)
	logger.Debugf("%v", te)
	if s.opts.OnError != nil {
		s.opts.OnError(te)
	}
	return te
}

package indexing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
	"github.com/mordilloSan/quickfind/storage"
)

// Progress is reported after every reconciled directory.
type Progress struct {
	Dirs  int64  `json:"dirs"`
	Files int64  `json:"files"`
	Path  string `json:"path"`
}

type ProgressFunc func(Progress)

// PassStats is the outcome of one Run.
type PassStats struct {
	ID   string `json:"id"`
	Mode string `json:"mode"`
	storage.PassCounters
}

// IndexerOptions tunes the write side of a pass.
type IndexerOptions struct {
	BatchSize int
}

// Indexer reconciles scanner output with the store one directory at a time.
type Indexer struct {
	store *storage.Store
	opts  IndexerOptions

	mu      sync.RWMutex
	scanner *Scanner

	// now is replaceable in tests.
	now func() time.Time
}

func NewIndexer(store *storage.Store, scanner *Scanner, opts IndexerOptions) *Indexer {
	return &Indexer{store: store, scanner: scanner, opts: opts, now: time.Now}
}

// Scanner returns the scanner used by the next pass.
func (ix *Indexer) Scanner() *Scanner {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.scanner
}

// SetScanner swaps the scanner. A pass already running keeps the old one.
func (ix *Indexer) SetScanner(s *Scanner) {
	ix.mu.Lock()
	ix.scanner = s
	ix.mu.Unlock()
}

// Run performs one pass over every root. Unreadable directories are
// counted and left untouched. Cancelling ctx stops at the next directory
// boundary; every directory is either fully reconciled or not at all.
func (ix *Indexer) Run(ctx context.Context, mode Mode, progress ProgressFunc) (PassStats, error) {
	scanner := ix.Scanner()
	if scanner == nil {
		return PassStats{}, fmt.Errorf("indexer has no scanner")
	}
	roots := scanner.Roots()
	start := ix.now()

	pass, err := ix.store.BeginPass(ctx, mode.String(), roots)
	if err != nil {
		return PassStats{}, err
	}
	stats := PassStats{ID: pass.ID, Mode: mode.String()}
	logger.Infof("starting %s index pass %s over %v", mode, pass.ID, roots)

	// Confirmation times must never go backwards, even if the wall clock does.
	last, err := ix.store.MaxIndexedAt(ctx)
	if err != nil {
		return stats, ix.finish(ctx, pass, stats, start, err)
	}

	bw := ix.store.NewBatchWriter(ctx, storage.WriterOptions{BatchSize: ix.opts.BatchSize})
	var (
		vanished []string
		runErr   error
	)
	for listing := range scanner.Walk(ctx) {
		if listing.Err != nil {
			var te *TraversalError
			if listing.Root && errors.As(listing.Err, &te) && te.Vanished() {
				vanished = append(vanished, listing.Dir.Path)
			}
			logger.Warnf("skipping %s: %v", listing.Dir.Path, listing.Err)
			continue
		}

		seenAt := ix.now()
		if !seenAt.After(last) {
			seenAt = last.Add(time.Nanosecond)
		}
		last = seenAt

		change, err := ix.reconcile(ctx, listing, mode, seenAt, &stats.PassCounters)
		if err != nil {
			runErr = err
			break
		}
		if err := bw.Write(change); err != nil {
			runErr = err
			break
		}
		if progress != nil {
			progress(Progress{Dirs: stats.Dirs, Files: stats.Files, Path: listing.Dir.Path})
		}
	}

	res, closeErr := bw.Close()
	stats.Deleted = res.Deleted
	stats.Errors = scanner.Stats().Errors
	if runErr == nil {
		runErr = closeErr
	}
	if runErr == nil && ctx.Err() != nil {
		runErr = ctx.Err()
	}

	if runErr == nil {
		for _, root := range vanished {
			n, err := ix.store.DeleteTree(ctx, root)
			if err != nil {
				runErr = err
				break
			}
			logger.Infof("root %s no longer exists; purged %d records", root, n)
			stats.Deleted += n
		}
	}
	if runErr == nil {
		// Drops roots removed from the configuration.
		n, err := ix.store.DeleteOutside(ctx, roots)
		if err != nil {
			runErr = err
		}
		stats.Deleted += n
	}

	return stats, ix.finish(ctx, pass, stats, start, runErr)
}

func (ix *Indexer) finish(ctx context.Context, pass storage.Pass, stats PassStats, start time.Time, runErr error) error {
	pass.Counters = stats.PassCounters
	pass.Counters.Duration = ix.now().Sub(start)
	switch {
	case runErr == nil:
		pass.Status = storage.PassCompleted
	case errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded):
		pass.Status = storage.PassCancelled
		pass.Error = runErr.Error()
	default:
		pass.Status = storage.PassFailed
		pass.Error = runErr.Error()
	}

	if err := ix.store.FinishPass(context.WithoutCancel(ctx), pass); err != nil {
		logger.Warnf("failed to record pass %s: %v", pass.ID, err)
	}

	c := pass.Counters
	if runErr != nil {
		logger.Warnf("%s pass %s %s after %s: %v", pass.Mode, pass.ID, pass.Status, c.Duration.Truncate(time.Millisecond), runErr)
		return runErr
	}
	logger.Infof("%s pass %s completed in %s: %d dirs, %d files, %d inserted, %d updated, %d unchanged, %d deleted, %d errors",
		pass.Mode, pass.ID, c.Duration.Truncate(time.Millisecond), c.Dirs, c.Files, c.Inserted, c.Updated, c.Unchanged, c.Deleted, c.Errors)
	return nil
}

// reconcile diffs one listing against the stored children of its directory.
func (ix *Indexer) reconcile(ctx context.Context, listing Listing, mode Mode, seenAt time.Time, c *storage.PassCounters) (storage.DirChange, error) {
	dir := listing.Dir.Path
	stored, err := ix.store.ListDirectory(ctx, dir)
	if err != nil {
		return storage.DirChange{}, err
	}

	change := storage.DirChange{
		Dir:      dir,
		Observed: make(map[string]struct{}, len(listing.Entries)),
		SeenAt:   seenAt,
	}
	c.Dirs++

	if listing.Root {
		// Roots have no parent listing, so they confirm themselves.
		change.Upserts = append(change.Upserts, listing.Dir.Record(seenAt))
	}

	for _, e := range listing.Entries {
		change.Observed[e.Path] = struct{}{}
		if e.Kind != iteminfo.KindDirectory {
			c.Files++
		}

		prev, ok := stored[e.Path]
		switch {
		case !ok:
			c.Inserted++
		case prev.Kind != e.Kind:
			c.Updated++
			if prev.Kind == iteminfo.KindDirectory {
				change.Replaced = append(change.Replaced, e.Path)
			}
		case !prev.Fingerprint.Equal(e.Fingerprint()):
			c.Updated++
		case mode == ModeFull:
			c.Unchanged++
		default:
			c.Unchanged++
			continue
		}
		change.Upserts = append(change.Upserts, e.Record(seenAt))
	}
	return change, nil
}

package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mordilloSan/go_logger/logger"
	"github.com/spf13/cobra"

	"github.com/mordilloSan/quickfind/coordinator"
	"github.com/mordilloSan/quickfind/indexing"
	"github.com/mordilloSan/quickfind/internal/config"
	"github.com/mordilloSan/quickfind/search"
	"github.com/mordilloSan/quickfind/storage"
)

func newIndexCmd(a *app) *cobra.Command {
	var rebuild, quiet bool
	cmd := &cobra.Command{
		Use:   "index",
		Short: "Build or refresh the index, then exit",
		Long: `Index runs one pass over the configured roots in the foreground. Without
--rebuild only directories whose contents changed are rewritten. It refuses
to run while a daemon holds the index; use POST /refresh there instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			mode := indexing.ModeIncremental
			if rebuild {
				mode = indexing.ModeFull
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			progressOut := cmd.ErrOrStderr()
			if quiet {
				progressOut = io.Discard
			}
			return runIndex(ctx, a.cfg, mode, cmd.OutOrStdout(), progressOut, quiet)
		},
	}
	cmd.Flags().BoolVar(&rebuild, "rebuild", false, "rewrite every record instead of only changed directories")
	cmd.Flags().BoolVarP(&quiet, "quiet", "q", false, "no progress bar")
	return cmd
}

// runIndex is the one-shot counterpart of the daemon: same store, indexer
// and coordinator, driven by RunOnce instead of the background worker.
func runIndex(ctx context.Context, cfg *config.Config, mode indexing.Mode, out, progressOut io.Writer, quiet bool) error {
	dbPath := cfg.Storage.DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}
	lock, err := storage.AcquireLock(dbPath)
	if err != nil {
		if errors.Is(err, storage.ErrLocked) {
			return fmt.Errorf("%w; a running daemon keeps it fresh, or ask it with POST /refresh", err)
		}
		return err
	}
	defer func() {
		if err := lock.Release(); err != nil {
			logger.Warnf("Failed to release writer lock: %v", err)
		}
	}()

	store, err := storage.NewStore(dbPath)
	if err != nil {
		return err
	}
	if _, err := store.AbandonRunningPasses(ctx); err != nil {
		logger.Warnf("Failed to close out interrupted passes: %v", err)
	}

	scanner, err := indexing.NewScanner(cfg.ScanOptions())
	if err != nil {
		_ = store.Close()
		return fmt.Errorf("scanner: %w", err)
	}
	indexer := indexing.NewIndexer(store, scanner, indexing.IndexerOptions{BatchSize: cfg.Index.BatchSize})
	// Nothing is queried here, so the engine runs without a cache.
	engine, err := search.NewEngine(store, search.Options{})
	if err != nil {
		_ = store.Close()
		return err
	}
	defer engine.Close()
	coord := coordinator.New(store, indexer, engine, coordinator.Options{})
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := coord.Shutdown(sctx); err != nil {
			logger.Warnf("Coordinator shutdown error: %v", err)
		}
	}()

	var estimate int64
	if last, err := store.LastCompletedPass(ctx); err == nil {
		estimate = last.Counters.Dirs + last.Counters.Files
	}
	bar := newPassProgress(progressOut, estimate, quiet)

	logger.Infof("Starting %s pass over %v", mode, scanner.Roots())
	stats, err := coord.RunOnce(ctx, mode, bar.Update)
	bar.Finish()
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return fmt.Errorf("index interrupted; records already written are kept: %w", err)
		}
		return fmt.Errorf("index failed: %w", err)
	}

	compactAfterPass(context.WithoutCancel(ctx), store, cfg.Index.KeepPasses)
	printPassSummary(out, stats)
	return nil
}

func printPassSummary(w io.Writer, s indexing.PassStats) {
	fmt.Fprintf(w, "%s pass finished in %s\n", s.Mode, s.Duration.Truncate(time.Millisecond))
	fmt.Fprintf(w, "  scanned   %s directories, %s files\n", humanize.Comma(s.Dirs), humanize.Comma(s.Files))
	fmt.Fprintf(w, "  inserted  %s\n", humanize.Comma(s.Inserted))
	fmt.Fprintf(w, "  updated   %s\n", humanize.Comma(s.Updated))
	fmt.Fprintf(w, "  unchanged %s\n", humanize.Comma(s.Unchanged))
	fmt.Fprintf(w, "  deleted   %s\n", humanize.Comma(s.Deleted))
	if s.Errors > 0 {
		fmt.Fprintf(w, "  skipped   %s unreadable paths (see log)\n", humanize.Comma(s.Errors))
	}
}

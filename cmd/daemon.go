package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mordilloSan/go_logger/logger"
	"golang.org/x/sync/errgroup"

	"github.com/mordilloSan/quickfind/coordinator"
	"github.com/mordilloSan/quickfind/indexing"
	"github.com/mordilloSan/quickfind/internal/config"
	"github.com/mordilloSan/quickfind/search"
	"github.com/mordilloSan/quickfind/storage"
)

const (
	readTimeout     = 30 * time.Second
	writeTimeout    = 60 * time.Second
	shutdownTimeout = 10 * time.Second
)

type daemon struct {
	cfg     *config.Config
	lock    *storage.WriterLock
	store   *storage.Store
	engine  *search.Engine
	coord   *coordinator.Coordinator
	servers []*http.Server

	usedSystemdSock bool
	closeOnce       sync.Once

	// background maintenance started by handlers; stopped before the store closes
	jobs     sync.WaitGroup
	jobCtx   context.Context
	stopJobs context.CancelFunc
}

// newDaemon opens the store and wires the indexer, query engine and
// coordinator. It holds the writer lock until Close.
func newDaemon(cfg *config.Config, rebuild bool) (*daemon, error) {
	dbPath := cfg.Storage.DBPath
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir data dir: %w", err)
	}

	lock, err := storage.AcquireLock(dbPath)
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(dbPath)
	if err != nil {
		_ = lock.Release()
		return nil, err
	}
	logger.Infof("DB connection pool opened: %s", dbPath)

	d := &daemon{cfg: cfg, lock: lock, store: store}
	d.jobCtx, d.stopJobs = context.WithCancel(context.Background())
	if err := d.wire(rebuild); err != nil {
		_ = store.Close()
		_ = lock.Release()
		return nil, err
	}
	return d, nil
}

func (d *daemon) wire(rebuild bool) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if mode, err := storage.GetJournalMode(ctx, d.store.DB()); err != nil {
		logger.Warnf("Failed to determine database journal_mode: %v", err)
	} else {
		logger.Infof("Database journal_mode: %s", strings.ToUpper(mode))
	}
	if n, err := d.store.AbandonRunningPasses(ctx); err != nil {
		logger.Warnf("Failed to close out interrupted passes: %v", err)
	} else if n > 0 {
		logger.Warnf("Marked %d interrupted pass(es) as failed", n)
	}
	logLatestPass(ctx, d.store)

	scanner, err := indexing.NewScanner(d.cfg.ScanOptions())
	if err != nil {
		return fmt.Errorf("scanner: %w", err)
	}
	indexer := indexing.NewIndexer(d.store, scanner, indexing.IndexerOptions{
		BatchSize: d.cfg.Index.BatchSize,
	})
	d.engine, err = search.NewEngine(d.store, d.cfg.SearchOptions())
	if err != nil {
		return fmt.Errorf("query engine: %w", err)
	}
	d.coord = coordinator.New(d.store, indexer, d.engine, coordinator.Options{
		Interval: d.cfg.Index.Interval,
		Rebuild:  rebuild,
	})
	return nil
}

// Close shuts the listeners down, stops the coordinator (which closes the
// store) and releases the writer lock. Only the first call does anything.
func (d *daemon) Close() {
	d.closeOnce.Do(d.close)
}

func (d *daemon) close() {
	logger.Infof("Shutting down daemon...")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	d.shutdownServers(ctx)
	d.stopJobs()
	d.jobs.Wait()

	if err := d.coord.Shutdown(ctx); err != nil {
		logger.Warnf("Coordinator shutdown error: %v", err)
	}
	d.engine.Close()
	if err := d.lock.Release(); err != nil {
		logger.Warnf("Failed to release writer lock: %v", err)
	}

	// Remove Unix socket only if we created it (not systemd-managed)
	if d.cfg.Server.SocketPath != "-" && d.cfg.Server.SocketPath != "" && !d.usedSystemdSock {
		if err := os.Remove(d.cfg.Server.SocketPath); err != nil && !os.IsNotExist(err) {
			logger.Warnf("Failed to remove socket: %v", err)
		}
	}

	logger.Infof("Daemon shutdown complete")
}

// goJob runs fn in the background under the daemon's job context.
func (d *daemon) goJob(timeout time.Duration, fn func(ctx context.Context)) {
	d.jobs.Add(1)
	go func() {
		defer d.jobs.Done()
		ctx, cancel := context.WithTimeout(d.jobCtx, timeout)
		defer cancel()
		fn(ctx)
	}()
}

func (d *daemon) shutdownServers(ctx context.Context) {
	for _, srv := range d.servers {
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warnf("Server shutdown error: %v", err)
		}
	}
}

// Run starts the coordinator and the HTTP listeners and blocks until ctx is
// cancelled or a listener fails.
func (d *daemon) Run(ctx context.Context, loader *config.Loader) error {
	if err := d.coord.Start(ctx); err != nil {
		return fmt.Errorf("start coordinator: %w", err)
	}

	mux := d.routes()
	g, gctx := errgroup.WithContext(ctx)

	if socket := d.cfg.Server.SocketPath; socket != "" && socket != "-" {
		l, err := d.getUnixListener(socket)
		if err != nil {
			return err
		}
		srv := &http.Server{Handler: mux, ReadTimeout: readTimeout, WriteTimeout: writeTimeout}
		d.servers = append(d.servers, srv)
		if d.usedSystemdSock {
			logger.Infof("API listening on unix://%s (systemd socket activation)", socket)
		} else {
			logger.Infof("API listening on unix://%s", socket)
		}
		g.Go(func() error { return serve(srv, l) })
	}

	if addr := d.cfg.Server.Listen; addr != "" {
		l, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen on %s: %w", addr, err)
		}
		srv := &http.Server{Handler: mux, ReadTimeout: readTimeout, WriteTimeout: writeTimeout}
		d.servers = append(d.servers, srv)
		logger.Infof("API listening on http://%s", l.Addr())
		g.Go(func() error { return serve(srv, l) })
	}

	if len(d.servers) == 0 {
		return fmt.Errorf("no listeners configured")
	}

	g.Go(func() error {
		d.maintainAfterPasses(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		d.shutdownServers(sctx)
		return nil
	})

	if loader != nil {
		loader.Watch(d.applyConfig)
	}

	return g.Wait()
}

func serve(srv *http.Server, l net.Listener) error {
	if err := srv.Serve(l); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// maintainAfterPasses trims pass history and checkpoints the WAL after every
// pass, the way a one-shot index run does before exiting.
func (d *daemon) maintainAfterPasses(ctx context.Context) {
	events, unsubscribe := d.coord.Subscribe(16)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Pass == nil {
				continue
			}
			compactAfterPass(ctx, d.store, d.cfg.Index.KeepPasses)
		}
	}
}

// compactAfterPass is best effort; failures are only logged.
func compactAfterPass(ctx context.Context, store *storage.Store, keep int) {
	db := store.DB()
	if n, err := storage.PrunePasses(ctx, db, keep); err != nil {
		logger.Warnf("Pruning pass history failed: %v", err)
	} else if n > 0 {
		logger.Debugf("Pruned %d old pass record(s)", n)
	}
	if stats, err := storage.WALCheckpointTruncate(ctx, db); err != nil {
		logger.Warnf("WAL checkpoint failed after pass: %v", err)
	} else {
		logger.Infof("WAL checkpoint complete after pass in %v (busy=%d log=%d checkpointed=%d)",
			stats.Duration, stats.Busy, stats.Log, stats.Checkpointed)
	}
	_ = storage.ReleaseSQLiteMemory(ctx, db)
}

// applyConfig takes a reloaded configuration. Scan options apply from the
// next pass; listener and storage changes need a restart.
func (d *daemon) applyConfig(next *config.Config) {
	if err := d.coord.UpdateScanOptions(next.ScanOptions()); err != nil {
		logger.Warnf("Rejected scan options from reloaded config: %v", err)
		return
	}
	if next.Storage.DBPath != d.cfg.Storage.DBPath ||
		next.Server.SocketPath != d.cfg.Server.SocketPath ||
		next.Server.Listen != d.cfg.Server.Listen {
		logger.Warnf("Storage and listener changes take effect after a restart")
	}
}

// getUnixListener returns a Unix socket listener, preferring systemd socket activation
func (d *daemon) getUnixListener(path string) (net.Listener, error) {
	if l := systemdUnixListener(); l != nil {
		d.usedSystemdSock = true
		return l, nil
	}

	d.usedSystemdSock = false
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("remove stale socket: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir socket dir: %w", err)
	}

	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on unix socket: %w", err)
	}
	if err := os.Chmod(path, 0o600); err != nil {
		if closeErr := l.Close(); closeErr != nil {
			logger.Warnf("Failed to close listener after chmod error: %v", closeErr)
		}
		return nil, fmt.Errorf("chmod socket: %w", err)
	}
	return l, nil
}

// systemdUnixListener returns the socket passed by systemd socket activation,
// or nil when the process was not socket-activated.
func systemdUnixListener() net.Listener {
	pid := os.Getenv("LISTEN_PID")
	fds := os.Getenv("LISTEN_FDS")
	if pid == "" || fds == "" || pid != strconv.Itoa(os.Getpid()) {
		return nil
	}
	if n, err := strconv.Atoi(fds); err != nil || n != 1 {
		return nil
	}

	// FD 3 is the first passed descriptor after stdin, stdout and stderr.
	const systemdFD = 3
	file := os.NewFile(uintptr(systemdFD), "systemd-socket")
	if file == nil {
		return nil
	}
	l, err := net.FileListener(file)
	if err != nil {
		if closeErr := file.Close(); closeErr != nil {
			logger.Warnf("Failed to close file after FileListener error: %v", closeErr)
		}
		return nil
	}

	// Clear environment to prevent child processes from inheriting
	_ = os.Unsetenv("LISTEN_PID")
	_ = os.Unsetenv("LISTEN_FDS")
	return l
}

func logLatestPass(ctx context.Context, store *storage.Store) {
	p, err := store.LastCompletedPass(ctx)
	switch {
	case err == nil:
		logger.Infof("Latest index: pass=%s mode=%s finished=%s dirs=%d files=%d",
			p.ID, p.Mode, p.FinishedAt.UTC().Format(time.RFC3339), p.Counters.Dirs, p.Counters.Files)
	case errors.Is(err, storage.ErrNotFound):
		logger.Infof("No completed index pass found in database")
	default:
		logger.Warnf("Could not load latest pass metadata: %v", err)
	}
}

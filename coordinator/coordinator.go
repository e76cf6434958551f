package coordinator

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/quickfind/indexing"
	"github.com/mordilloSan/quickfind/indexing/iteminfo"
)

// Store is the part of the persistent store the coordinator owns.
type Store interface {
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Indexer runs passes. *indexing.Indexer satisfies it.
type Indexer interface {
	Run(ctx context.Context, mode indexing.Mode, progress indexing.ProgressFunc) (indexing.PassStats, error)
	SetScanner(*indexing.Scanner)
}

// Querier answers queries. *search.Engine satisfies it.
type Querier interface {
	Query(ctx context.Context, text string, limit int) ([]iteminfo.FileRecord, error)
}

type Options struct {
	// Interval between background refreshes; 0 disables them.
	Interval time.Duration
	// Rebuild forces a full pass on Start even when an index exists.
	Rebuild bool
}

// Status is a point-in-time snapshot for reporting.
type Status struct {
	State     State               `json:"state"`
	Indexing  bool                `json:"indexing"`
	HasIndex  bool                `json:"has_index"`
	Progress  *indexing.Progress  `json:"progress,omitempty"`
	LastPass  *indexing.PassStats `json:"last_pass,omitempty"`
	LastError string              `json:"last_error,omitempty"`
}

// Coordinator owns the index lifecycle: it decides when passes run, makes
// sure only one runs at a time and gates queries on the state.
type Coordinator struct {
	store   Store
	indexer Indexer
	engine  Querier
	opts    Options

	state    atomic.Int32
	running  atomic.Bool // held by a pass or a maintenance job
	passing  atomic.Bool
	hasIndex atomic.Bool
	closed   atomic.Bool
	progress atomic.Pointer[indexing.Progress]

	mu       sync.Mutex
	pending  *indexing.Mode
	initErr  error
	lastPass *indexing.PassStats
	lastErr  error
	cancel   context.CancelFunc
	done     chan struct{}

	wake   chan struct{}
	events *broker
}

func New(store Store, indexer Indexer, engine Querier, opts Options) *Coordinator {
	return &Coordinator{
		store:   store,
		indexer: indexer,
		engine:  engine,
		opts:    opts,
		wake:    make(chan struct{}, 1),
		events:  newBroker(),
	}
}

// Start inspects the store and launches the background worker. An empty
// store, or Options.Rebuild, schedules a full pass straight away.
func (c *Coordinator) Start(ctx context.Context) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return ErrAlreadyRunning
	}
	count, err := c.store.Count(ctx)
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("inspect index: %w", err)
	}
	workerCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	if count > 0 {
		c.hasIndex.Store(true)
		c.setState(Ready)
		logger.Infof("index holds %d records", count)
	} else {
		// Queries must report indexing from the very first call.
		c.setState(FullIndexing)
		logger.Infof("index is empty; building it")
	}
	if count == 0 || c.opts.Rebuild {
		c.request(indexing.ModeFull)
	}

	go c.worker(workerCtx)
	return nil
}

func (c *Coordinator) worker(ctx context.Context) {
	defer close(c.done)

	var tick <-chan time.Time
	if c.opts.Interval > 0 {
		ticker := time.NewTicker(c.opts.Interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.wake:
		case <-tick:
			c.request(indexing.ModeIncremental)
			continue
		}
		for {
			mode, ok := c.takePending()
			if !ok {
				break
			}
			if _, err := c.runPass(ctx, mode); err != nil && !errors.Is(err, ErrAlreadyRunning) {
				logger.Errorf("%s pass failed: %v", mode, err)
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// request queues a pass. Requests coalesce into one pending pass and a full
// request wins over an incremental one.
func (c *Coordinator) request(mode indexing.Mode) {
	c.mu.Lock()
	if c.pending == nil || mode == indexing.ModeFull {
		c.pending = &mode
	}
	c.mu.Unlock()
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

func (c *Coordinator) takePending() (indexing.Mode, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending == nil {
		return 0, false
	}
	mode := *c.pending
	c.pending = nil
	return mode, true
}

func (c *Coordinator) tryLockIndex() bool {
	return c.running.CompareAndSwap(false, true)
}

func (c *Coordinator) unlockIndex() {
	c.running.Store(false)
}

func (c *Coordinator) runPass(ctx context.Context, mode indexing.Mode) (indexing.PassStats, error) {
	if !c.tryLockIndex() {
		return indexing.PassStats{}, ErrAlreadyRunning
	}
	defer c.unlockIndex()
	c.passing.Store(true)
	defer c.passing.Store(false)

	if !c.hasIndex.Load() {
		mode = indexing.ModeFull
	}
	if mode == indexing.ModeFull {
		c.setState(FullIndexing)
	} else {
		c.setState(RefreshInProgress)
	}

	stats, err := c.indexer.Run(ctx, mode, func(p indexing.Progress) {
		c.progress.Store(&p)
		c.events.publish(Event{State: c.State(), Progress: &p})
	})
	c.progress.Store(nil)

	c.mu.Lock()
	if stats.ID != "" {
		c.lastPass = &stats
	}
	c.lastErr = err
	c.mu.Unlock()

	switch {
	case err == nil:
		c.hasIndex.Store(true)
		c.mu.Lock()
		c.initErr = nil
		c.mu.Unlock()
		c.publishState(Ready, &stats, nil)
	case c.hasIndex.Load():
		// The previous index stays intact and queryable.
		c.publishState(Ready, &stats, err)
	case errors.Is(err, context.Canceled):
		c.publishState(Uninitialized, &stats, err)
	default:
		c.mu.Lock()
		c.initErr = err
		c.mu.Unlock()
		c.publishState(Failed, &stats, err)
	}
	return stats, err
}

func (c *Coordinator) setState(s State) {
	c.publishState(s, nil, nil)
}

func (c *Coordinator) publishState(s State, pass *indexing.PassStats, err error) {
	c.state.Store(int32(s))
	ev := Event{State: s, Pass: pass}
	if err != nil {
		ev.Error = err.Error()
	}
	c.events.publish(ev)
}

// State returns the current lifecycle state.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// IsIndexing reports whether an indexing pass is running. Maintenance jobs
// do not count; see Busy.
func (c *Coordinator) IsIndexing() bool {
	return c.passing.Load()
}

// Busy reports whether a pass or a maintenance job holds the index.
func (c *Coordinator) Busy() bool {
	return c.running.Load()
}

// Query answers a search. Blank text matches nothing in every state.
// Otherwise, before the first index exists it returns ErrIndexing, or
// ErrInitFailed when building it failed.
func (c *Coordinator) Query(ctx context.Context, text string, limit int) ([]iteminfo.FileRecord, error) {
	if c.closed.Load() {
		return nil, ErrClosed
	}
	if strings.TrimSpace(text) == "" {
		return []iteminfo.FileRecord{}, nil
	}
	if !c.hasIndex.Load() {
		if c.State() == Failed {
			c.mu.Lock()
			cause := c.initErr
			c.mu.Unlock()
			return nil, fmt.Errorf("%w: %w", ErrInitFailed, cause)
		}
		return nil, ErrIndexing
	}
	return c.engine.Query(ctx, text, limit)
}

// TriggerRefresh schedules an incremental pass. It coalesces with any
// pass already pending.
func (c *Coordinator) TriggerRefresh() error {
	return c.trigger(indexing.ModeIncremental)
}

// TriggerFullRebuild schedules a full pass, replacing a pending refresh.
func (c *Coordinator) TriggerFullRebuild() error {
	return c.trigger(indexing.ModeFull)
}

func (c *Coordinator) trigger(mode indexing.Mode) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.mu.Lock()
	started := c.done != nil
	c.mu.Unlock()
	if !started {
		return errors.New("coordinator not started")
	}
	c.request(mode)
	return nil
}

// RunOnce runs a pass in the calling goroutine. It is for one-shot callers
// such as the CLI that do not Start the worker.
func (c *Coordinator) RunOnce(ctx context.Context, mode indexing.Mode, progress indexing.ProgressFunc) (indexing.PassStats, error) {
	if c.closed.Load() {
		return indexing.PassStats{}, ErrClosed
	}
	if !c.hasIndex.Load() {
		count, err := c.store.Count(ctx)
		if err != nil {
			return indexing.PassStats{}, fmt.Errorf("inspect index: %w", err)
		}
		c.hasIndex.Store(count > 0)
	}
	if progress != nil {
		unsubscribe := c.forwardProgress(progress)
		defer unsubscribe()
	}
	return c.runPass(ctx, mode)
}

func (c *Coordinator) forwardProgress(fn indexing.ProgressFunc) func() {
	ch, unsubscribe := c.events.subscribe(256)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ev := range ch {
			if ev.Progress != nil {
				fn(*ev.Progress)
			}
		}
	}()
	return func() {
		unsubscribe()
		wg.Wait()
	}
}

// Maintain runs fn while holding the index, so it never overlaps a pass.
func (c *Coordinator) Maintain(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	if err := c.Apply(ctx, fn); err != nil {
		if errors.Is(err, ErrClosed) || errors.Is(err, ErrAlreadyRunning) {
			return err
		}
		return fmt.Errorf("%s: %w", name, err)
	}
	logger.Infof("%s complete in %v", name, time.Since(start).Truncate(time.Millisecond))
	return nil
}

// Apply runs a single store write under the same guard as passes. It returns
// ErrAlreadyRunning instead of racing a pass that may reconcile the same
// directory.
func (c *Coordinator) Apply(ctx context.Context, fn func(context.Context) error) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.tryLockIndex() {
		return ErrAlreadyRunning
	}
	defer c.unlockIndex()
	return fn(ctx)
}

// UpdateScanOptions rebuilds the scanner. The next pass uses it; a pass
// already running finishes with the old options.
func (c *Coordinator) UpdateScanOptions(opts indexing.ScanOptions) error {
	s, err := indexing.NewScanner(opts)
	if err != nil {
		return err
	}
	c.indexer.SetScanner(s)
	logger.Infof("scan options updated; roots=%v", s.Roots())
	return nil
}

// Subscribe returns a channel of events and a function that ends the
// subscription. Slow subscribers drop events rather than stall indexing.
func (c *Coordinator) Subscribe(buffer int) (<-chan Event, func()) {
	return c.events.subscribe(buffer)
}

func (c *Coordinator) Status() Status {
	c.mu.Lock()
	st := Status{
		State:    c.State(),
		Indexing: c.passing.Load(),
		HasIndex: c.hasIndex.Load(),
		Progress: c.progress.Load(),
		LastPass: c.lastPass,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	c.mu.Unlock()
	return st
}

// Shutdown cancels a running pass at the next directory boundary, waits for
// the worker and closes the store. The writer flushes or drops whole
// directories, so the store is never left half-reconciled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		select {
		case <-done:
		case <-ctx.Done():
			return fmt.Errorf("waiting for indexer: %w", ctx.Err())
		}
	}
	c.events.close()
	if err := c.store.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	logger.Infof("coordinator shut down")
	return nil
}

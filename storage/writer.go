package storage

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultBatchSize = 500
	batchTimeout     = 1 * time.Second
)

// ProgressCallback is called after each committed batch with cumulative
// counts and the last directory applied.
type ProgressCallback func(dirsApplied, recordsWritten int64, lastDir string)

// WriterOptions tunes a BatchWriter.
type WriterOptions struct {
	// BatchSize is the number of records that triggers a commit. A single
	// directory larger than this is still committed whole.
	BatchSize  int
	BufferSize int
	Progress   ProgressCallback
}

// BatchWriter accepts whole-directory changes over a channel and commits
// them in batches from a single goroutine. A DirChange is never split
// across transactions.
type BatchWriter struct {
	store      *Store
	batchSize  int
	changeCh   chan DirChange
	doneCh     chan error
	ctx        context.Context
	cancel     context.CancelFunc
	errVal     atomic.Value
	closeOnce  sync.Once
	closeErr   error
	progressCb ProgressCallback

	mu     sync.Mutex
	result ApplyResult
}

// NewBatchWriter starts a writer bound to ctx. Cancelling ctx stops the
// writer; units that were not committed yet are dropped whole.
func (s *Store) NewBatchWriter(ctx context.Context, opts WriterOptions) *BatchWriter {
	ctx = ensureContext(ctx)
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = 64
	}
	ctx, cancel := context.WithCancel(ctx)
	bw := &BatchWriter{
		store:      s,
		batchSize:  opts.BatchSize,
		changeCh:   make(chan DirChange, opts.BufferSize),
		doneCh:     make(chan error, 1),
		ctx:        ctx,
		cancel:     cancel,
		progressCb: opts.Progress,
	}
	go bw.run()
	return bw
}

// Write queues one directory change.
func (bw *BatchWriter) Write(change DirChange) error {
	select {
	case bw.changeCh <- change:
		return nil
	case <-bw.ctx.Done():
		if v, ok := bw.errVal.Load().(error); ok && v != nil {
			return v
		}
		return bw.ctx.Err()
	}
}

// Close flushes pending changes and waits for the writer to finish.
func (bw *BatchWriter) Close() (ApplyResult, error) {
	bw.closeOnce.Do(func() {
		close(bw.changeCh)
		bw.closeErr = <-bw.doneCh
	})
	return bw.Result(), bw.closeErr
}

// Result returns what has been committed so far.
func (bw *BatchWriter) Result() ApplyResult {
	bw.mu.Lock()
	defer bw.mu.Unlock()
	return bw.result
}

func (bw *BatchWriter) run() {
	var err error
	defer func() {
		if err != nil {
			bw.errVal.Store(err)
		}
		bw.doneCh <- err
		bw.cancel()
	}()

	batch := make([]DirChange, 0, 64)
	pending := 0
	ticker := time.NewTicker(batchTimeout)
	defer ticker.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		res, e := bw.store.ApplyBatch(bw.ctx, batch)
		if e != nil {
			return e
		}
		bw.mu.Lock()
		bw.result.Dirs += res.Dirs
		bw.result.Written += res.Written
		bw.result.Deleted += res.Deleted
		total := bw.result
		bw.mu.Unlock()

		if bw.progressCb != nil {
			bw.progressCb(total.Dirs, total.Written, batch[len(batch)-1].Dir)
		}
		// Clear backing array to release the observed sets
		for i := range batch {
			batch[i] = DirChange{}
		}
		batch = batch[:0]
		pending = 0
		return nil
	}

	for {
		select {
		case change, ok := <-bw.changeCh:
			if !ok {
				// Channel closed, flush remaining and exit
				err = flush()
				return
			}
			batch = append(batch, change)
			pending += change.size()
			if pending >= bw.batchSize {
				if err = flush(); err != nil {
					return
				}
			}
		case <-ticker.C:
			if err = flush(); err != nil {
				return
			}
		case <-bw.ctx.Done():
			err = bw.ctx.Err()
			return
		}
	}
}

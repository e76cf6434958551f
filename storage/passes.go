package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type PassStatus string

const (
	PassRunning   PassStatus = "running"
	PassCompleted PassStatus = "completed"
	PassCancelled PassStatus = "cancelled"
	PassFailed    PassStatus = "failed"
)

// PassCounters are the per-pass totals reported by the indexer.
type PassCounters struct {
	Dirs      int64         `json:"dirs"`
	Files     int64         `json:"files"`
	Inserted  int64         `json:"inserted"`
	Updated   int64         `json:"updated"`
	Unchanged int64         `json:"unchanged"`
	Deleted   int64         `json:"deleted"`
	Errors    int64         `json:"errors"`
	Duration  time.Duration `json:"duration"`
}

// Pass is the bookkeeping row for one index pass.
type Pass struct {
	ID         string       `json:"id"`
	Mode       string       `json:"mode"`
	Roots      []string     `json:"roots"`
	Status     PassStatus   `json:"status"`
	Error      string       `json:"error,omitempty"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at,omitzero"`
	Counters   PassCounters `json:"counters"`
}

// BeginPass records the start of a pass and returns it.
func (s *Store) BeginPass(ctx context.Context, mode string, roots []string) (Pass, error) {
	p := Pass{
		ID:        uuid.NewString(),
		Mode:      mode,
		Roots:     roots,
		Status:    PassRunning,
		StartedAt: time.Now(),
	}
	_, err := s.db.ExecContext(ensureContext(ctx), `
		INSERT INTO passes (id, mode, roots, status, started_at)
		VALUES (?, ?, ?, ?, ?);
	`, p.ID, p.Mode, strings.Join(roots, "\n"), string(p.Status), p.StartedAt.UnixNano())
	if err != nil {
		return Pass{}, ioErr("begin pass", "", err)
	}
	return p, nil
}

// FinishPass stores the final status and counters of p.
func (s *Store) FinishPass(ctx context.Context, p Pass) error {
	if p.FinishedAt.IsZero() {
		p.FinishedAt = time.Now()
	}
	c := p.Counters
	res, err := s.db.ExecContext(ensureContext(ctx), `
		UPDATE passes SET
			status = ?, error = ?, finished_at = ?,
			num_dirs = ?, num_files = ?, inserted = ?, updated = ?,
			unchanged = ?, deleted = ?, errors = ?, duration_ms = ?
		WHERE id = ?;
	`, string(p.Status), p.Error, p.FinishedAt.UnixNano(),
		c.Dirs, c.Files, c.Inserted, c.Updated,
		c.Unchanged, c.Deleted, c.Errors, c.Duration.Milliseconds(),
		p.ID)
	if err != nil {
		return ioErr("finish pass", "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("finish pass %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

const passColumns = `id, mode, roots, status, error, started_at, finished_at,
	num_dirs, num_files, inserted, updated, unchanged, deleted, errors, duration_ms`

func scanPass(row rowScanner) (Pass, error) {
	var (
		p          Pass
		roots      string
		status     string
		started    int64
		finished   int64
		durationMS int64
	)
	err := row.Scan(&p.ID, &p.Mode, &roots, &status, &p.Error, &started, &finished,
		&p.Counters.Dirs, &p.Counters.Files, &p.Counters.Inserted, &p.Counters.Updated,
		&p.Counters.Unchanged, &p.Counters.Deleted, &p.Counters.Errors, &durationMS)
	if err != nil {
		return Pass{}, err
	}
	if roots != "" {
		p.Roots = strings.Split(roots, "\n")
	}
	p.Status = PassStatus(status)
	p.StartedAt = time.Unix(0, started)
	if finished > 0 {
		p.FinishedAt = time.Unix(0, finished)
	}
	p.Counters.Duration = time.Duration(durationMS) * time.Millisecond
	return p, nil
}

// LatestPass returns the most recently started pass, or ErrNotFound.
func (s *Store) LatestPass(ctx context.Context) (Pass, error) {
	return s.latestPass(ctx, `SELECT `+passColumns+` FROM passes ORDER BY started_at DESC LIMIT 1;`)
}

// LastCompletedPass returns the newest pass that ran to completion, or ErrNotFound.
func (s *Store) LastCompletedPass(ctx context.Context) (Pass, error) {
	return s.latestPass(ctx, `SELECT `+passColumns+` FROM passes WHERE status = 'completed' ORDER BY started_at DESC LIMIT 1;`)
}

func (s *Store) latestPass(ctx context.Context, query string) (Pass, error) {
	p, err := scanPass(s.db.QueryRowContext(ensureContext(ctx), query))
	if errors.Is(err, sql.ErrNoRows) {
		return Pass{}, ErrNotFound
	}
	if err != nil {
		return Pass{}, ioErr("latest pass", "", err)
	}
	return p, nil
}

// AbandonRunningPasses marks passes left "running" by a crashed process as failed.
func (s *Store) AbandonRunningPasses(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ensureContext(ctx), `
		UPDATE passes SET status = 'failed', error = 'interrupted', finished_at = ?
		WHERE status = 'running';
	`, time.Now().UnixNano())
	if err != nil {
		return 0, ioErr("abandon passes", "", err)
	}
	return res.RowsAffected()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"time"
	"unicode/utf8"

	sq "github.com/Masterminds/squirrel"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
)

// Store wraps the database connection
type Store struct {
	db     *sql.DB
	dbPath string
	gen    atomic.Uint64
}

// NewStore opens dbPath, checks its integrity and owns the DB handle.
func NewStore(dbPath string) (*Store, error) {
	db, _, err := OpenWithIntegrityCheck(dbPath)
	if err != nil {
		return nil, ioErr("open", dbPath, err)
	}
	return &Store{db: db, dbPath: dbPath}, nil
}

// NewStoreWithDB reuses an existing database handle.
// dbPath should be the actual SQLite file path (for stats / size reporting).
func NewStoreWithDB(db *sql.DB, dbPath string) *Store {
	return &Store{db: db, dbPath: dbPath}
}

// Close closes the database connection (only use if Store owns the DB).
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the underlying database handle.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.dbPath
}

// Generation changes after every committed write. Readers use it to
// invalidate anything derived from an older snapshot.
func (s *Store) Generation() uint64 {
	return s.gen.Load()
}

func (s *Store) bump() {
	s.gen.Add(1)
}

// withTx runs fn in a write transaction and bumps the generation on commit.
func (s *Store) withTx(ctx context.Context, op string, fn func(tx *sql.Tx) error) (err error) {
	ctx = ensureContext(ctx)
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return ioErr(op, "", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if err = fn(tx); err != nil {
		return ioErr(op, "", err)
	}
	if err = tx.Commit(); err != nil {
		return ioErr(op, "", err)
	}
	s.bump()
	return nil
}

// Upsert inserts or replaces rec by path.
func (s *Store) Upsert(ctx context.Context, rec iteminfo.FileRecord) error {
	if rec.IndexedAt.IsZero() {
		rec.IndexedAt = time.Now()
	}
	return s.withTx(ctx, "upsert", func(tx *sql.Tx) error {
		return upsertRecords(ctx, tx, []iteminfo.FileRecord{rec})
	})
}

// Delete removes the record for path. Deleting an absent path is a no-op.
func (s *Store) Delete(ctx context.Context, path string) error {
	return s.withTx(ctx, "delete", func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?;`, path)
		return err
	})
}

// DeleteTree removes path and everything stored below it.
func (s *Store) DeleteTree(ctx context.Context, path string) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, "delete tree", func(tx *sql.Tx) error {
		var err error
		deleted, err = deleteTree(ctx, tx, path)
		return err
	})
	return deleted, err
}

// DeleteMissing removes every record directly under dir whose path is not in
// observed, along with the subtrees of missing directories.
func (s *Store) DeleteMissing(ctx context.Context, dir string, observed map[string]struct{}) (int64, error) {
	var deleted int64
	err := s.withTx(ctx, "delete missing", func(tx *sql.Tx) error {
		var err error
		deleted, err = deleteMissing(ctx, tx, dir, observed)
		return err
	})
	return deleted, err
}

// DeleteOutside removes every record that is not at or below one of roots.
func (s *Store) DeleteOutside(ctx context.Context, roots []string) (int64, error) {
	keep := sq.Or{}
	for _, root := range roots {
		lo, hi := iteminfo.SubtreeBounds(root)
		keep = append(keep, sq.Eq{"path": root}, sq.And{sq.GtOrEq{"path": lo}, sq.Lt{"path": hi}})
	}
	del := sq.Delete("files")
	if len(keep) > 0 {
		keepSQL, keepArgs, err := keep.ToSql()
		if err != nil {
			return 0, err
		}
		del = del.Where("NOT ("+keepSQL+")", keepArgs...)
	}
	query, args, err := del.ToSql()
	if err != nil {
		return 0, err
	}

	var deleted int64
	err = s.withTx(ctx, "delete outside roots", func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}

// Count returns the number of stored records.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT COUNT(*) FROM files;`).Scan(&n); err != nil {
		return 0, ioErr("count", "", err)
	}
	return n, nil
}

// Exists reports whether a record is stored for path.
func (s *Store) Exists(ctx context.Context, path string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ensureContext(ctx), `SELECT 1 FROM files WHERE path = ? LIMIT 1;`, path).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, ioErr("exists", path, err)
	}
	return true, nil
}

// Get returns the record stored for path, or ErrNotFound.
func (s *Store) Get(ctx context.Context, path string) (iteminfo.FileRecord, error) {
	row := s.db.QueryRowContext(ensureContext(ctx), `SELECT `+recordColumns+` FROM files WHERE path = ?;`, path)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return iteminfo.FileRecord{}, fmt.Errorf("%w: %s", ErrNotFound, path)
	}
	if err != nil {
		return iteminfo.FileRecord{}, ioErr("get", path, err)
	}
	return rec, nil
}

// StoredEntry is what reconciliation needs to know about a stored child.
type StoredEntry struct {
	Kind        iteminfo.Kind
	Fingerprint iteminfo.Fingerprint
}

// ListDirectory returns the stored children of dir keyed by path.
func (s *Store) ListDirectory(ctx context.Context, dir string) (map[string]StoredEntry, error) {
	rows, err := s.db.QueryContext(ensureContext(ctx), `
		SELECT path, kind, size, mod_time FROM files WHERE directory = ?;
	`, dir)
	if err != nil {
		return nil, ioErr("list directory", dir, err)
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.Warnf("rows close (list directory): %v", cerr)
		}
	}()

	out := make(map[string]StoredEntry)
	for rows.Next() {
		var (
			path     string
			kind     int
			size     int64
			modNanos int64
		)
		if err := rows.Scan(&path, &kind, &size, &modNanos); err != nil {
			return nil, ioErr("list directory", dir, err)
		}
		out[path] = StoredEntry{
			Kind:        iteminfo.Kind(kind),
			Fingerprint: iteminfo.Fingerprint{ModTime: time.Unix(0, modNanos), Size: size},
		}
	}
	if err := rows.Err(); err != nil {
		return nil, ioErr("list directory", dir, err)
	}
	return out, nil
}

// DirChange is the reconciliation result for one directory. It is applied
// as a single unit: either all of it commits or none of it does.
type DirChange struct {
	Dir string
	// Upserts holds new and changed records, written before anything is purged.
	Upserts []iteminfo.FileRecord
	// Observed is the full set of child paths seen in the listing.
	Observed map[string]struct{}
	// Replaced lists directories that became files; their stored subtrees go.
	Replaced []string
	SeenAt   time.Time
}

func (c DirChange) size() int {
	return len(c.Upserts) + 1
}

// ApplyResult totals what a batch of DirChanges did to the store.
type ApplyResult struct {
	Dirs    int64
	Written int64
	Deleted int64
}

func applyChange(ctx context.Context, tx dbExecutor, c DirChange) (ApplyResult, error) {
	res := ApplyResult{Dirs: 1}
	for _, p := range c.Replaced {
		lo, hi := iteminfo.SubtreeBounds(p)
		r, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path >= ? AND path < ?;`, lo, hi)
		if err != nil {
			return res, err
		}
		n, _ := r.RowsAffected()
		res.Deleted += n
	}
	if err := upsertRecords(ctx, tx, c.Upserts); err != nil {
		return res, err
	}
	res.Written = int64(len(c.Upserts))

	deleted, err := deleteMissing(ctx, tx, c.Dir, c.Observed)
	if err != nil {
		return res, err
	}
	res.Deleted += deleted

	if !c.SeenAt.IsZero() {
		if err := touchDirectory(ctx, tx, c.Dir, c.SeenAt); err != nil {
			return res, err
		}
	}
	return res, nil
}

// ApplyBatch applies several directory changes in one transaction.
func (s *Store) ApplyBatch(ctx context.Context, changes []DirChange) (ApplyResult, error) {
	var total ApplyResult
	if len(changes) == 0 {
		return total, nil
	}
	err := s.withTx(ctx, "apply batch", func(tx *sql.Tx) error {
		total = ApplyResult{}
		for _, c := range changes {
			r, err := applyChange(ctx, tx, c)
			if err != nil {
				return fmt.Errorf("reconcile %s: %w", c.Dir, err)
			}
			total.Dirs += r.Dirs
			total.Written += r.Written
			total.Deleted += r.Deleted
		}
		return nil
	})
	if err != nil {
		return ApplyResult{}, err
	}
	return total, nil
}

// Search returns records whose name or path contains term, ignoring case.
// term must already be lowercase. Candidates come back in tiers: name
// prefix matches with exact names first, then other name matches by match
// position, then path-only matches; shorter paths first within a tier. A
// name is exact when it, or its stem without the final extension, equals
// term. Every character of term is matched literally. All tiers read the
// same snapshot.
func (s *Store) Search(ctx context.Context, term string, limit int) ([]iteminfo.FileRecord, error) {
	ctx = ensureContext(ctx)
	if term == "" || limit <= 0 {
		return []iteminfo.FileRecord{}, nil
	}

	// substr counts characters, not bytes.
	n := utf8.RuneCountInString(term)
	tiers := []sq.SelectBuilder{
		// name_lower >= term AND name_lower < term+0xFF is an index range over every name starting with term.
		sq.Select(recordColumns).From("files").
			Where(sq.And{sq.GtOrEq{"name_lower": term}, sq.Lt{"name_lower": term + "\xff"}}).
			OrderByClause(exactNameOrder, term, n+1, term+".", n+2).
			OrderBy("length(path)", "path"),
		sq.Select(recordColumns).From("files").
			Where("instr(name_lower, ?) > 1", term).
			OrderByClause("instr(name_lower, ?)", term).
			OrderBy("length(path)", "path"),
		sq.Select(recordColumns).From("files").
			Where("instr(name_lower, ?) = 0 AND instr(path_lower, ?) > 0", term, term).
			OrderBy("length(path)", "path"),
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, ioErr("search", "", err)
	}
	defer func() { _ = tx.Rollback() }()

	results := make([]iteminfo.FileRecord, 0, min(limit, 256))
	for _, tier := range tiers {
		remaining := limit - len(results)
		if remaining <= 0 {
			break
		}
		query, args, err := tier.Limit(uint64(remaining)).ToSql()
		if err != nil {
			return nil, err
		}
		results, err = appendRecords(ctx, tx, results, query, args)
		if err != nil {
			return nil, ioErr("search", "", err)
		}
	}
	return results, nil
}

// exactNameOrder sorts names equal to the term, or to the term plus a single
// final extension, ahead of the other prefix matches.
const exactNameOrder = `(name_lower = ? OR (substr(name_lower, 1, ?) = ? AND instr(substr(name_lower, ?), '.') = 0)) DESC`

func appendRecords(ctx context.Context, tx *sql.Tx, out []iteminfo.FileRecord, query string, args []any) ([]iteminfo.FileRecord, error) {
	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return out, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			logger.Warnf("rows close (search): %v", cerr)
		}
	}()
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return out, fmt.Errorf("scan failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Stats represents database statistics
type Stats struct {
	TotalEntries int64     `json:"total_entries"`
	TotalFiles   int64     `json:"total_files"`
	TotalDirs    int64     `json:"total_dirs"`
	TotalSize    int64     `json:"total_size"`
	LastScanTime time.Time `json:"last_scan_time"`
	TotalPasses  int       `json:"total_passes"`
	DatabaseSize int64     `json:"database_size"` // main DB file only
	WALSize      int64     `json:"wal_size"`
	SHMSize      int64     `json:"shm_size"`
	TotalOnDisk  int64     `json:"total_on_disk"`
	Generation   uint64    `json:"generation"`
}

// Stats returns database statistics.
func (s *Store) Stats(ctx context.Context) (*Stats, error) {
	ctx = ensureContext(ctx)
	stats := Stats{Generation: s.Generation()}

	var lastSeen sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN kind = ? THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(size), 0),
			MAX(indexed_at)
		FROM files;
	`, int(iteminfo.KindDirectory)).Scan(&stats.TotalEntries, &stats.TotalDirs, &stats.TotalSize, &lastSeen)
	if err != nil {
		return nil, ioErr("stats", "", err)
	}
	stats.TotalFiles = stats.TotalEntries - stats.TotalDirs
	if lastSeen.Valid {
		stats.LastScanTime = time.Unix(0, lastSeen.Int64)
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM passes;`).Scan(&stats.TotalPasses); err != nil {
		return nil, ioErr("stats", "", err)
	}

	if s.dbPath != "" {
		if fi, err := os.Stat(s.dbPath); err == nil {
			stats.DatabaseSize = fi.Size()
		}
		if fi, err := os.Stat(s.dbPath + "-wal"); err == nil {
			stats.WALSize = fi.Size()
		}
		if fi, err := os.Stat(s.dbPath + "-shm"); err == nil {
			stats.SHMSize = fi.Size()
		}
		stats.TotalOnDisk = stats.DatabaseSize + stats.WALSize + stats.SHMSize
	}

	return &stats, nil
}

// MaxIndexedAt returns the newest indexed_at in the store, or the zero time
// when the store is empty.
func (s *Store) MaxIndexedAt(ctx context.Context) (time.Time, error) {
	var nanos sql.NullInt64
	if err := s.db.QueryRowContext(ensureContext(ctx), `SELECT MAX(indexed_at) FROM files;`).Scan(&nanos); err != nil {
		return time.Time{}, ioErr("max indexed_at", "", err)
	}
	if !nanos.Valid {
		return time.Time{}, nil
	}
	return time.Unix(0, nanos.Int64), nil
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	sqlite3 "github.com/mattn/go-sqlite3"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
)

const (
	DefaultDBName = "search_index.db"
	busyTimeoutMS = 5000
	schemaTimeout = 30 * time.Second
	schemaVersion = 1

	// upsertChunk keeps a multi-row INSERT well below SQLite's host parameter limit.
	upsertChunk = 500
)

var (
	ErrNotFound = errors.New("not found")
	ErrLocked   = errors.New("index database is locked by another process")
)

// IOError wraps a failure of the underlying database: disk full, corruption,
// or lock contention beyond the busy timeout.
type IOError struct {
	Op   string
	Path string
	Err  error
}

func (e *IOError) Error() string {
	if e.Path != "" {
		return fmt.Sprintf("store %s %s: %v", e.Op, e.Path, e.Err)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Busy reports whether the failure was SQLite lock contention.
func (e *IOError) Busy() bool {
	var sqlErr sqlite3.Error
	if errors.As(e.Err, &sqlErr) {
		return sqlErr.Code == sqlite3.ErrBusy || sqlErr.Code == sqlite3.ErrLocked
	}
	return false
}

func ioErr(op, path string, err error) error {
	if err == nil {
		return nil
	}
	// Cancellation is not an I/O failure.
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	var existing *IOError
	if errors.As(err, &existing) {
		return err
	}
	return &IOError{Op: op, Path: path, Err: err}
}

// dbExecutor is an interface that both sql.DB and sql.Tx implement
type dbExecutor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Open creates (or reuses) a SQLite database and ensures the schema exists.
func Open(path string) (*sql.DB, error) {
	if path == "" {
		path = DefaultDBName
	}
	// WAL lets queries read a stable snapshot while the indexer commits.
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_auto_vacuum=INCREMENTAL", path, busyTimeoutMS)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), schemaTimeout)
	defer cancel()

	var journalMode string
	if err := db.QueryRowContext(ctx, `PRAGMA journal_mode=WAL;`).Scan(&journalMode); err != nil {
		_ = db.Close()
		return nil, err
	}

	// WAL mode allows multiple readers + 1 writer simultaneously
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute) // Close idle connections to release SQLite caches

	if err := initSchema(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	return db, nil
}

// GetJournalMode returns the SQLite journal mode for the provided database.
func GetJournalMode(ctx context.Context, db *sql.DB) (string, error) {
	if db == nil {
		return "", fmt.Errorf("db is nil")
	}
	var mode string
	if err := db.QueryRowContext(ensureContext(ctx), `PRAGMA journal_mode;`).Scan(&mode); err != nil {
		return "", err
	}
	return mode, nil
}

func initSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);
	`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS files (
			path TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			name_lower TEXT NOT NULL,
			path_lower TEXT NOT NULL,
			directory TEXT NOT NULL,
			kind INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			mod_time INTEGER NOT NULL,
			indexed_at INTEGER NOT NULL
		);
	`); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS passes (
			id TEXT PRIMARY KEY,
			mode TEXT NOT NULL,
			roots TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			error TEXT NOT NULL DEFAULT '',
			started_at INTEGER NOT NULL,
			finished_at INTEGER NOT NULL DEFAULT 0,
			num_dirs INTEGER NOT NULL DEFAULT 0,
			num_files INTEGER NOT NULL DEFAULT 0,
			inserted INTEGER NOT NULL DEFAULT 0,
			updated INTEGER NOT NULL DEFAULT 0,
			unchanged INTEGER NOT NULL DEFAULT 0,
			deleted INTEGER NOT NULL DEFAULT 0,
			errors INTEGER NOT NULL DEFAULT 0,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
	`); err != nil {
		return err
	}

	// Columns added after the first release.
	if err := ensureColumn(ctx, db, "files", "extension", "TEXT NOT NULL DEFAULT ''"); err != nil {
		return err
	}
	if err := ensureColumn(ctx, db, "files", "hidden", "INTEGER NOT NULL DEFAULT 0"); err != nil {
		return err
	}

	for _, stmt := range []string{
		`CREATE INDEX IF NOT EXISTS idx_files_name_lower ON files(name_lower);`,
		`CREATE INDEX IF NOT EXISTS idx_files_directory ON files(directory);`,
		`CREATE INDEX IF NOT EXISTS idx_files_extension ON files(extension);`,
		`CREATE INDEX IF NOT EXISTS idx_passes_started ON passes(started_at);`,
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}

	var version int
	err := db.QueryRowContext(ctx, `SELECT CAST(value AS INTEGER) FROM meta WHERE key = 'schema_version'`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = db.ExecContext(ctx, `INSERT INTO meta (key, value) VALUES ('schema_version', ?)`, fmt.Sprint(schemaVersion))
		return err
	case err != nil:
		return err
	case version > schemaVersion:
		return fmt.Errorf("unsupported database schema version %d (this build understands %d); delete the DB file to rebuild", version, schemaVersion)
	}
	return nil
}

func ensureColumn(ctx context.Context, db *sql.DB, table, column, definition string) error {
	rows, err := db.QueryContext(ctx, fmt.Sprintf(`PRAGMA table_info(%s);`, table))
	if err != nil {
		return err
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var (
			cid        int
			name       string
			colType    string
			notNull    int
			defaultVal sql.NullString
			pk         int
		)
		if err := rows.Scan(&cid, &name, &colType, &notNull, &defaultVal, &pk); err != nil {
			return err
		}
		if strings.EqualFold(name, column) {
			return nil
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN %s %s;`, table, column, definition))
	return err
}

const recordColumns = "path, name, directory, kind, extension, size, mod_time, indexed_at, hidden"

// upsertRecords writes records with a multi-row upsert. A row whose stored
// indexed_at is newer than the incoming one is left alone, so a stale
// observation can never regress a record.
func upsertRecords(ctx context.Context, tx dbExecutor, records []iteminfo.FileRecord) error {
	const insertPrefix = `
INSERT INTO files (
	path, name, name_lower, path_lower, directory, kind,
	extension, size, mod_time, indexed_at, hidden
) VALUES `
	const singlePlaceholder = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
	const upsertSuffix = `
ON CONFLICT(path) DO UPDATE SET
	name = excluded.name,
	name_lower = excluded.name_lower,
	path_lower = excluded.path_lower,
	directory = excluded.directory,
	kind = excluded.kind,
	extension = excluded.extension,
	size = excluded.size,
	mod_time = excluded.mod_time,
	indexed_at = excluded.indexed_at,
	hidden = excluded.hidden
WHERE excluded.indexed_at >= files.indexed_at;
`
	for start := 0; start < len(records); start += upsertChunk {
		chunk := records[start:min(start+upsertChunk, len(records))]

		var builder strings.Builder
		builder.Grow(len(insertPrefix) + (len(singlePlaceholder)+1)*len(chunk) + len(upsertSuffix))
		builder.WriteString(insertPrefix)

		args := make([]any, 0, len(chunk)*11)
		for i, rec := range chunk {
			if i > 0 {
				builder.WriteByte(',')
			}
			builder.WriteString(singlePlaceholder)
			args = append(args,
				rec.Path,
				rec.Name,
				strings.ToLower(rec.Name),
				strings.ToLower(rec.Path),
				rec.Directory,
				int(rec.Kind),
				rec.Extension,
				rec.Size,
				rec.ModTime.UnixNano(),
				rec.IndexedAt.UnixNano(),
				boolToInt(rec.Hidden),
			)
		}
		builder.WriteString(upsertSuffix)

		if _, err := tx.ExecContext(ctx, builder.String(), args...); err != nil {
			return err
		}
	}
	return nil
}

// deleteTree removes path and every record below it.
func deleteTree(ctx context.Context, tx dbExecutor, path string) (int64, error) {
	lo, hi := iteminfo.SubtreeBounds(path)
	res, err := tx.ExecContext(ctx, `
		DELETE FROM files
		WHERE path = ? OR (path >= ? AND path < ?);
	`, path, lo, hi)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// deleteMissing drops every child of dir that is not in observed. A missing
// directory takes its whole subtree with it.
func deleteMissing(ctx context.Context, tx dbExecutor, dir string, observed map[string]struct{}) (int64, error) {
	rows, err := tx.QueryContext(ctx, `SELECT path, kind FROM files WHERE directory = ?;`, dir)
	if err != nil {
		return 0, err
	}
	type stale struct {
		path string
		kind iteminfo.Kind
	}
	var missing []stale
	for rows.Next() {
		var (
			path string
			kind int
		)
		if err := rows.Scan(&path, &kind); err != nil {
			_ = rows.Close()
			return 0, err
		}
		if _, ok := observed[path]; !ok {
			missing = append(missing, stale{path: path, kind: iteminfo.Kind(kind)})
		}
	}
	if err := rows.Close(); err != nil {
		return 0, err
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	var deleted int64
	for _, m := range missing {
		if m.kind == iteminfo.KindDirectory {
			n, err := deleteTree(ctx, tx, m.path)
			if err != nil {
				return deleted, err
			}
			deleted += n
			continue
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM files WHERE path = ?;`, m.path)
		if err != nil {
			return deleted, err
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	return deleted, nil
}

// touchDirectory confirms every remaining child of dir as present at seenAt.
// Unchanged entries get this single statement instead of a per-record write.
func touchDirectory(ctx context.Context, tx dbExecutor, dir string, seenAt time.Time) error {
	_, err := tx.ExecContext(ctx, `
		UPDATE files SET indexed_at = ?
		WHERE directory = ? AND indexed_at < ?;
	`, seenAt.UnixNano(), dir, seenAt.UnixNano())
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (iteminfo.FileRecord, error) {
	var (
		rec       iteminfo.FileRecord
		kind      int
		modNanos  int64
		seenNanos int64
		hidden    int
	)
	if err := row.Scan(&rec.Path, &rec.Name, &rec.Directory, &kind, &rec.Extension, &rec.Size, &modNanos, &seenNanos, &hidden); err != nil {
		return rec, err
	}
	rec.Kind = iteminfo.Kind(kind)
	rec.ModTime = time.Unix(0, modNanos)
	rec.IndexedAt = time.Unix(0, seenNanos)
	rec.Hidden = hidden != 0
	return rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func ensureContext(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}

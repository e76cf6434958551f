package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"time"

	"github.com/mordilloSan/go_logger/logger"
)

type WALCheckpointStats struct {
	Busy         int
	Log          int
	Checkpointed int
	Duration     time.Duration
}

// WALCheckpointTruncate checkpoints the WAL and truncates the -wal file.
// This helps prevent unbounded WAL growth in long-running processes.
func WALCheckpointTruncate(ctx context.Context, db *sql.DB) (WALCheckpointStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return WALCheckpointStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	var stats WALCheckpointStats
	err := db.QueryRowContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE);`).Scan(&stats.Busy, &stats.Log, &stats.Checkpointed)
	stats.Duration = time.Since(start).Truncate(time.Millisecond)
	if err != nil {
		return WALCheckpointStats{}, err
	}
	return stats, nil
}

type VacuumStats struct {
	Duration time.Duration
}

// Vacuum rebuilds the SQLite database file to reclaim free space and defragment pages.
// VACUUM needs an exclusive lock, so callers serialise it with index passes.
func Vacuum(ctx context.Context, db *sql.DB) (VacuumStats, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return VacuumStats{}, fmt.Errorf("db is nil")
	}

	start := time.Now()
	if _, err := db.ExecContext(ctx, `VACUUM;`); err != nil {
		return VacuumStats{}, err
	}
	return VacuumStats{Duration: time.Since(start).Truncate(time.Millisecond)}, nil
}

// PrunePasses keeps the keepLatest most recent pass rows and drops the rest.
func PrunePasses(ctx context.Context, db *sql.DB, keepLatest int) (int64, error) {
	ctx = ensureContext(ctx)
	if db == nil {
		return 0, fmt.Errorf("db is nil")
	}
	if keepLatest < 1 {
		keepLatest = 1
	}

	res, err := db.ExecContext(ctx, `
		DELETE FROM passes
		WHERE id NOT IN (
			SELECT id FROM passes ORDER BY started_at DESC LIMIT ?
		);
	`, keepLatest)
	if err != nil {
		return 0, fmt.Errorf("prune passes: %w", err)
	}
	return res.RowsAffected()
}

// ReleaseSQLiteMemory forces SQLite to release cached memory.
// Call this after heavy write operations to return memory to the OS.
func ReleaseSQLiteMemory(ctx context.Context, db *sql.DB) error {
	ctx = ensureContext(ctx)

	if _, err := db.ExecContext(ctx, `PRAGMA shrink_memory;`); err != nil {
		logger.Warnf("Failed to shrink SQLite memory: %v", err)
	}
	// Lightweight, doesn't rebuild like VACUUM
	if _, err := db.ExecContext(ctx, `PRAGMA optimize;`); err != nil {
		logger.Warnf("Failed to optimize SQLite: %v", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA incremental_vacuum;`); err != nil {
		logger.Warnf("Incremental vacuum failed: %v", err)
	}
	return nil
}

// OpenWithIntegrityCheck opens dbPath and, when the file already existed,
// runs an integrity check. A corrupt database is removed and recreated
// empty. The bool reports whether a usable prior database was kept.
func OpenWithIntegrityCheck(dbPath string) (*sql.DB, bool, error) {
	dbExisted := fileExists(dbPath)
	if dbExisted {
		logger.Infof("Database exists at %s; checking integrity", dbPath)
	} else {
		logger.Infof("Database not found; creating new at %s", dbPath)
	}

	db, err := Open(dbPath)
	if err == nil && dbExisted {
		err = CheckIntegrity(context.Background(), db)
		if err != nil {
			if closeErr := db.Close(); closeErr != nil {
				logger.Warnf("Failed to close corrupted database: %v", closeErr)
			}
		}
	}
	if err != nil {
		if !dbExisted {
			return nil, false, err
		}
		// An unreadable existing file is treated like a corrupt one.
		logger.Warnf("Database corruption detected: %v", err)
		logger.Warnf("Recreating database at %s", dbPath)
		if err := os.Remove(dbPath); err != nil {
			return nil, false, fmt.Errorf("failed to remove corrupted database: %w", err)
		}
		_ = os.Remove(dbPath + "-wal")
		_ = os.Remove(dbPath + "-shm")
		db, err = Open(dbPath)
		if err != nil {
			return nil, false, err
		}
		logger.Infof("New database created at %s", dbPath)
		return db, false, nil
	}

	if dbExisted {
		logger.Infof("Database integrity check passed")
	}
	return db, dbExisted, nil
}

// CheckIntegrity runs PRAGMA integrity_check.
func CheckIntegrity(ctx context.Context, db *sql.DB) error {
	var result string
	if err := db.QueryRowContext(ensureContext(ctx), `PRAGMA integrity_check;`).Scan(&result); err != nil {
		return fmt.Errorf("integrity check query failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed: %s", result)
	}
	return nil
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

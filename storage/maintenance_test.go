package storage

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestPassBookkeeping(t *testing.T) {
	ctx, store := setupTestStore(t)

	if _, err := store.LatestPass(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on empty store, got %v", err)
	}

	p, err := store.BeginPass(ctx, "full", []string{"/a", "/b"})
	if err != nil {
		t.Fatalf("begin pass: %v", err)
	}
	if _, err := store.LastCompletedPass(ctx); !errors.Is(err, ErrNotFound) {
		t.Fatalf("running pass must not count as completed: %v", err)
	}

	p.Status = PassCompleted
	p.Counters = PassCounters{Dirs: 2, Files: 5, Inserted: 7}
	if err := store.FinishPass(ctx, p); err != nil {
		t.Fatalf("finish pass: %v", err)
	}

	got, err := store.LastCompletedPass(ctx)
	if err != nil {
		t.Fatalf("last completed pass: %v", err)
	}
	if got.ID != p.ID || got.Counters.Inserted != 7 || len(got.Roots) != 2 || got.FinishedAt.IsZero() {
		t.Errorf("unexpected pass %+v", got)
	}

	for range 3 {
		if _, err := store.BeginPass(ctx, "incremental", nil); err != nil {
			t.Fatalf("begin pass: %v", err)
		}
	}
	abandoned, err := store.AbandonRunningPasses(ctx)
	if err != nil || abandoned != 3 {
		t.Fatalf("abandon = %d, %v", abandoned, err)
	}

	pruned, err := PrunePasses(ctx, store.DB(), 2)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 2 {
		t.Errorf("pruned = %d, want 2", pruned)
	}
}

func TestMaintenance(t *testing.T) {
	ctx, store := setupTestStore(t)
	seedRecords(t, ctx, store, fileRec("/a", 1))
	if _, err := store.DeleteTree(ctx, "/a"); err != nil {
		t.Fatalf("delete tree: %v", err)
	}

	if _, err := WALCheckpointTruncate(ctx, store.DB()); err != nil {
		t.Fatalf("checkpoint: %v", err)
	}
	if _, err := Vacuum(ctx, store.DB()); err != nil {
		t.Fatalf("vacuum: %v", err)
	}
	if err := ReleaseSQLiteMemory(ctx, store.DB()); err != nil {
		t.Fatalf("release memory: %v", err)
	}
	if err := CheckIntegrity(ctx, store.DB()); err != nil {
		t.Fatalf("integrity: %v", err)
	}
	mode, err := GetJournalMode(ctx, store.DB())
	if err != nil || mode != "wal" {
		t.Fatalf("journal mode = %q, %v", mode, err)
	}
}

func TestOpenWithIntegrityCheckRecreatesCorruptFile(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "broken.db")
	if err := os.WriteFile(dbPath, []byte("this is not a sqlite database, just some bytes that are long enough"), 0644); err != nil {
		t.Fatalf("write junk: %v", err)
	}

	db, kept, err := OpenWithIntegrityCheck(dbPath)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer func() { _ = db.Close() }()
	if kept {
		t.Error("a corrupt database must not be reported as kept")
	}
	if err := CheckIntegrity(t.Context(), db); err != nil {
		t.Fatalf("recreated database fails integrity: %v", err)
	}
}

func TestAcquireLock(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "index.db")

	first, err := AcquireLock(dbPath)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := AcquireLock(dbPath); !errors.Is(err, ErrLocked) {
		t.Fatalf("expected ErrLocked, got %v", err)
	}
	if err := first.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	second, err := AcquireLock(dbPath)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	_ = second.Release()
}

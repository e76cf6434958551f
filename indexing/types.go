package indexing

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
)

// Mode selects how a pass treats unchanged entries.
type Mode int

const (
	// ModeIncremental skips entries whose fingerprint is unchanged.
	ModeIncremental Mode = iota
	// ModeFull rewrites every observed record.
	ModeFull
)

func (m Mode) String() string {
	if m == ModeFull {
		return "full"
	}
	return "incremental"
}

// Entry is one filesystem observation: the (path, kind, size, modified_at)
// tuple the scanner produces.
type Entry struct {
	Path    string
	Kind    iteminfo.Kind
	Size    int64
	ModTime time.Time
	// Symlink is set when Path is a link; Kind, Size and ModTime describe its target.
	Symlink bool
}

// Fingerprint returns the change-detection pair for the entry.
func (e Entry) Fingerprint() iteminfo.Fingerprint {
	if e.Kind == iteminfo.KindDirectory {
		return iteminfo.Fingerprint{ModTime: e.ModTime}
	}
	return iteminfo.Fingerprint{ModTime: e.ModTime, Size: e.Size}
}

// Record converts the observation into a store record confirmed at seenAt.
func (e Entry) Record(seenAt time.Time) iteminfo.FileRecord {
	rec := iteminfo.NewFileRecord(e.Path, e.Kind, e.Size, e.ModTime)
	rec.IndexedAt = seenAt
	return rec
}

// Listing is the complete, filtered contents of one directory.
type Listing struct {
	Dir Entry
	// Root is set for the listing of a configured root directory.
	Root    bool
	Entries []Entry
	// Err is set when the directory could not be read. Entries is then
	// empty and must not be used for reconciliation.
	Err error
}

// TraversalError is a recoverable failure while walking: permission denied,
// a path that vanished mid-scan, or a broken symlink.
type TraversalError struct {
	Path string
	Op   string
	Err  error
}

func (e *TraversalError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *TraversalError) Unwrap() error { return e.Err }

// Vanished reports whether the path no longer exists.
func (e *TraversalError) Vanished() bool {
	return errors.Is(e.Err, fs.ErrNotExist)
}

// ScanStats counts what a walk saw.
type ScanStats struct {
	Dirs     int64 `json:"dirs"`
	Files    int64 `json:"files"`
	Errors   int64 `json:"errors"`
	Excluded int64 `json:"excluded"`
	// Revisits counts directories reached again through a link and not re-descended.
	Revisits int64 `json:"revisits"`
}

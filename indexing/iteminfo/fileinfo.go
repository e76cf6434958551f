package iteminfo

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Kind distinguishes files from directories.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
)

func (k Kind) String() string {
	switch k {
	case KindDirectory:
		return "directory"
	default:
		return "file"
	}
}

// MarshalText encodes the kind as "file" or "directory".
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText accepts "file", "directory" and the legacy "folder".
func (k *Kind) UnmarshalText(b []byte) error {
	switch strings.ToLower(string(b)) {
	case "file":
		*k = KindFile
	case "directory", "folder", "dir":
		*k = KindDirectory
	default:
		return fmt.Errorf("unknown kind %q", string(b))
	}
	return nil
}

// KindFromMode derives the Kind from an os.FileMode. Anything that is not a
// directory is treated as a file.
func KindFromMode(mode os.FileMode) Kind {
	if mode.IsDir() {
		return KindDirectory
	}
	return KindFile
}

// Fingerprint is the change-detection pair compared between scans.
type Fingerprint struct {
	ModTime time.Time
	Size    int64
}

// Equal reports whether two fingerprints describe the same file state.
// Timestamps are compared at nanosecond resolution, which is what the store keeps.
func (f Fingerprint) Equal(other Fingerprint) bool {
	return f.Size == other.Size && f.ModTime.UnixNano() == other.ModTime.UnixNano()
}

// FileRecord is one indexed filesystem path.
type FileRecord struct {
	Path      string    `json:"path"`      // absolute path, unique key
	Name      string    `json:"name"`      // base name
	Directory string    `json:"directory"` // parent path, empty for a filesystem root
	Kind      Kind      `json:"kind"`
	Extension string    `json:"extension,omitempty"` // lowercase, with leading dot
	Size      int64     `json:"size"`
	ModTime   time.Time `json:"modified"`
	IndexedAt time.Time `json:"indexed"`
	Hidden    bool      `json:"hidden"`
}

// NewFileRecord builds a record for path from its stat info.
func NewFileRecord(path string, kind Kind, size int64, modTime time.Time) FileRecord {
	path = filepath.Clean(path)
	name := BaseName(path)
	rec := FileRecord{
		Path:      path,
		Name:      name,
		Directory: GetParentDirectoryPath(path),
		Kind:      kind,
		Size:      size,
		ModTime:   modTime,
		Hidden:    IsHiddenName(name),
	}
	if kind == KindFile {
		rec.Extension = strings.ToLower(filepath.Ext(name))
	} else {
		rec.Size = 0
	}
	return rec
}

// Fingerprint returns the change-detection pair for the record.
func (r FileRecord) Fingerprint() Fingerprint {
	return Fingerprint{ModTime: r.ModTime, Size: r.Size}
}

// IsDir reports whether the record is a directory.
func (r FileRecord) IsDir() bool {
	return r.Kind == KindDirectory
}

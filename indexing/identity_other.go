//go:build !unix

package indexing

import (
	"io/fs"
	"path/filepath"
)

// fileID identifies a physical directory. Without inode numbers the fully
// resolved path stands in for it.
type fileID struct {
	dev uint64
	ino uint64
	alt string
}

func identityOf(path string, _ fs.FileInfo) (fileID, bool) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		return fileID{}, false
	}
	abs, err := filepath.Abs(resolved)
	if err != nil {
		return fileID{}, false
	}
	return fileID{alt: abs}, true
}

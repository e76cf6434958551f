//go:build unix

package indexing

import (
	"io/fs"
	"syscall"
)

// fileID identifies a physical directory.
type fileID struct {
	dev uint64
	ino uint64
	alt string
}

func identityOf(_ string, info fs.FileInfo) (fileID, bool) {
	if info == nil {
		return fileID{}, false
	}
	if stat, ok := info.Sys().(*syscall.Stat_t); ok {
		return fileID{dev: uint64(stat.Dev), ino: uint64(stat.Ino)}, true
	}
	return fileID{}, false
}

package iteminfo

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// maxSymlinkHops bounds ResolveSymlinks so a link loop cannot spin forever.
const maxSymlinkHops = 40

var ErrSymlinkLoop = errors.New("too many levels of symbolic links")

// ResolveSymlinks resolves symlinks in the given path and returns
// the final resolved path, whether it's a directory, and any error.
func ResolveSymlinks(path string) (string, bool, error) {
	for hops := 0; hops <= maxSymlinkHops; hops++ {
		// Get the file info using os.Lstat to handle symlinks
		info, err := os.Lstat(path)
		if err != nil {
			return path, false, fmt.Errorf("could not stat path: %s, %w", path, err)
		}

		if info.Mode()&os.ModeSymlink == 0 {
			return path, info.IsDir(), nil
		}

		target, err := os.Readlink(path)
		if err != nil {
			return path, false, fmt.Errorf("could not read symlink: %s, %w", path, err)
		}
		// If target is absolute, use it directly; otherwise resolve relative to symlink's directory
		if filepath.IsAbs(target) {
			path = target
		} else {
			path = filepath.Join(filepath.Dir(path), target)
		}
	}
	return path, false, fmt.Errorf("%s: %w", path, ErrSymlinkLoop)
}

// GetParentDirectoryPath returns the parent of an absolute path, or "" when
// path is a filesystem root.
func GetParentDirectoryPath(path string) string {
	if path == "" {
		return ""
	}
	path = filepath.Clean(path)
	if IsRoot(path) {
		return ""
	}
	return filepath.Dir(path)
}

// IsRoot reports whether path is a filesystem root ("/" or a volume root such as `C:\`).
func IsRoot(path string) bool {
	path = filepath.Clean(path)
	return filepath.Dir(path) == path
}

// BaseName returns the display name of a path. Roots keep their full form.
func BaseName(path string) string {
	if IsRoot(path) {
		return path
	}
	return filepath.Base(path)
}

// IsHiddenName reports whether a name follows the dot-file convention.
func IsHiddenName(name string) bool {
	return len(name) > 0 && name[0] == '.'
}

// SubtreeBounds returns the half-open key range [lo, hi) that contains every
// path strictly below dir. It relies on the separator being followed by the
// next byte in sort order, so it works as an index range in SQL.
func SubtreeBounds(dir string) (lo, hi string) {
	dir = strings.TrimSuffix(filepath.Clean(dir), string(filepath.Separator))
	lo = dir + string(filepath.Separator)
	hi = dir + string(filepath.Separator+1)
	return lo, hi
}

// IsWithin reports whether path equals root or lies below it.
func IsWithin(path, root string) bool {
	path = filepath.Clean(path)
	root = filepath.Clean(root)
	if path == root {
		return true
	}
	if IsRoot(root) {
		return strings.HasPrefix(path, root)
	}
	return strings.HasPrefix(path, root+string(filepath.Separator))
}

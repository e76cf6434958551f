package indexing

import (
	"bufio"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"sync"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
)

// Kernel pseudo filesystems; walking them yields nothing worth finding.
var systemPaths = []string{"/proc", "/dev", "/sys", "/run"}

var networkFSTypes = map[string]struct{}{
	"nfs": {}, "nfs4": {}, "9p": {},
	"cifs": {}, "smbfs": {}, "smb2": {}, "smb3": {},
	"fuse.cifs": {}, "fuse.smb": {}, "fuse.smb3": {}, "fuse.nfs": {},
	"fuse.ceph": {}, "fuse.iscsi": {}, "fuse.sshfs": {},
}

// Octal escapes used by the kernel for whitespace and backslash in
// mountinfo paths.
var mountPathUnescaper = strings.NewReplacer(`\040`, " ", `\011`, "\t", `\012`, "\n", `\134`, `\`)

// mountEntry is one line of /proc/self/mountinfo, reduced to what the
// scanner needs.
type mountEntry struct {
	Point  string
	FSType string
	Source string
}

// network reports whether the mount is backed by a remote or block-over-IP
// filesystem. Walking one can hang on an unreachable server.
func (m mountEntry) network() bool {
	if _, ok := networkFSTypes[m.FSType]; ok {
		return true
	}
	if strings.Contains(m.FSType, "iscsi") || strings.Contains(m.Source, "iscsi") {
		return true
	}
	return strings.HasPrefix(m.Source, "//")
}

// The mount table is read once per process.
var networkMounts = sync.OnceValue(func() []mountEntry {
	if runtime.GOOS != "linux" {
		return nil
	}
	return readNetworkMounts("/proc/self/mountinfo")
})

// isSystemPath reports whether path is a kernel pseudo filesystem or a
// container overlay view that should never be indexed.
func isSystemPath(path string) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	path = filepath.Clean(path)
	for _, p := range systemPaths {
		if iteminfo.IsWithin(path, p) {
			return true
		}
	}
	// <docker root>/overlay2/<layer>/merged duplicates a whole container tree.
	return filepath.Base(path) == "merged" && filepath.Base(filepath.Dir(filepath.Dir(path))) == "overlay2"
}

func isNetworkMount(path string) bool {
	path = filepath.Clean(path)
	for _, m := range networkMounts() {
		if m.Point != "/" && iteminfo.IsWithin(path, m.Point) {
			return true
		}
	}
	return false
}

func readNetworkMounts(mountinfo string) []mountEntry {
	f, err := os.Open(mountinfo)
	if err != nil {
		logger.Warnf("unable to read mountinfo: %v", err)
		return nil
	}
	defer func() { _ = f.Close() }()

	var mounts []mountEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if m, ok := parseMountInfo(sc.Text()); ok && m.network() {
			mounts = append(mounts, m)
		}
	}
	if err := sc.Err(); err != nil {
		logger.Warnf("error while scanning mountinfo: %v", err)
	}
	if len(mounts) > 0 {
		logger.Debugf("skipping %d network mounts", len(mounts))
	}
	return mounts
}

// parseMountInfo splits a mountinfo line at the " - " separator: the mount
// point is the fifth field before it, fs type and source the first two after.
func parseMountInfo(line string) (mountEntry, bool) {
	before, after, found := strings.Cut(line, " - ")
	if !found {
		return mountEntry{}, false
	}
	pre, post := strings.Fields(before), strings.Fields(after)
	if len(pre) < 5 || len(post) < 2 {
		return mountEntry{}, false
	}
	return mountEntry{
		Point:  filepath.Clean(mountPathUnescaper.Replace(pre[4])),
		FSType: strings.ToLower(post[0]),
		Source: strings.ToLower(post[1]),
	}, true
}

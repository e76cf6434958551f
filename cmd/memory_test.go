package cmd

import (
	"strings"
	"testing"
)

func TestScanFields(t *testing.T) {
	stat := []byte("anon 4096\nfile 8192\nkernel 100\nshmem 0\n")
	got, err := scanFields(stat, func(f []string) (string, bool) {
		return f[0], len(f) == 2 && (f[0] == "anon" || f[0] == "file")
	})
	if err != nil {
		t.Fatalf("scanFields: %v", err)
	}
	if len(got) != 2 || got["anon"] != 4096 || got["file"] != 8192 {
		t.Fatalf("unexpected fields %v", got)
	}

	status := []byte("Name:\tquickfind\nVmRSS:\t  1234 kB\nThreads:\t9\n")
	got, err = scanFields(status, func(f []string) (string, bool) {
		return "rss", f[0] == "VmRSS:"
	})
	if err != nil {
		t.Fatalf("scanFields: %v", err)
	}
	if got["rss"] != 1234 {
		t.Fatalf("expected rss 1234, got %v", got)
	}

	_, err = scanFields([]byte("anon lots\n"), func(f []string) (string, bool) { return f[0], true })
	if err == nil || !strings.Contains(err.Error(), "unexpected anon format") {
		t.Fatalf("expected a format error, got %v", err)
	}
}

func TestReadMemoryStats(t *testing.T) {
	stats, warnings := readMemoryStats(false)
	if stats.GoSysBytes == 0 || stats.GoAllocBytes == 0 {
		t.Fatalf("expected Go runtime figures, got %+v", stats)
	}
	for _, w := range warnings {
		if strings.HasPrefix(w, "cgroup") {
			t.Fatalf("cgroup problems should not be reported when not requested: %q", w)
		}
	}
}

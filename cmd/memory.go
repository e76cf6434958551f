package cmd

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

type memoryStats struct {
	RSSBytes            int64  `json:"rss_bytes"`
	GoAllocBytes        uint64 `json:"go_alloc_bytes"`
	GoHeapInuseBytes    uint64 `json:"go_heap_inuse_bytes"`
	GoHeapIdleBytes     uint64 `json:"go_heap_idle_bytes"`
	GoHeapReleasedBytes uint64 `json:"go_heap_released_bytes"`
	GoSysBytes          uint64 `json:"go_sys_bytes"`
	GoNumGC             uint32 `json:"go_num_gc"`
	CgroupCurrent       int64  `json:"cgroup_memory_current_bytes,omitempty"`
	CgroupAnon          int64  `json:"cgroup_memory_anon_bytes,omitempty"`
	CgroupFile          int64  `json:"cgroup_memory_file_bytes,omitempty"`
}

// readMemoryStats never fails; what cannot be read comes back as warnings.
// Missing cgroup v2 accounting is common, so it is only reported when
// reportCgroup is set.
func readMemoryStats(reportCgroup bool) (memoryStats, []string) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	st := memoryStats{
		GoAllocBytes:        ms.Alloc,
		GoHeapInuseBytes:    ms.HeapInuse,
		GoHeapIdleBytes:     ms.HeapIdle,
		GoHeapReleasedBytes: ms.HeapReleased,
		GoSysBytes:          ms.Sys,
		GoNumGC:             ms.NumGC,
	}

	var warnings []string
	if rss, err := procSelfRSSBytes(); err != nil {
		warnings = append(warnings, fmt.Sprintf("rss unavailable: %v", err))
	} else {
		st.RSSBytes = rss
	}
	if cg, err := cgroupV2Memory(); err != nil {
		if reportCgroup {
			warnings = append(warnings, fmt.Sprintf("cgroup mem unavailable: %v", err))
		}
	} else {
		st.CgroupCurrent = cg["current"]
		st.CgroupAnon = cg["anon"]
		st.CgroupFile = cg["file"]
	}
	return st, warnings
}

// procSelfRSSBytes reads VmRSS from /proc/self/status ("VmRSS:  12345 kB").
func procSelfRSSBytes() (int64, error) {
	b, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0, err
	}
	fields, err := scanFields(b, func(f []string) (string, bool) {
		return "VmRSS", len(f) >= 2 && f[0] == "VmRSS:"
	})
	if err != nil {
		return 0, err
	}
	kb, ok := fields["VmRSS"]
	if !ok {
		return 0, fmt.Errorf("VmRSS not found")
	}
	return kb * 1024, nil
}

// cgroupV2Memory returns memory.current plus the anon and file counters
// of memory.stat for the process's cgroup.
func cgroupV2Memory() (map[string]int64, error) {
	raw, err := os.ReadFile("/proc/self/cgroup")
	if err != nil {
		return nil, err
	}
	var rel string
	for line := range strings.Lines(string(raw)) {
		if after, ok := strings.CutPrefix(strings.TrimSpace(line), "0::"); ok {
			rel = after
			break
		}
	}
	if rel == "" {
		return nil, fmt.Errorf("cgroup v2 path not found")
	}

	base := "/sys/fs/cgroup" + rel
	current, err := os.ReadFile(base + "/memory.current")
	if err != nil {
		return nil, err
	}
	cur, err := strconv.ParseInt(strings.TrimSpace(string(current)), 10, 64)
	if err != nil {
		return nil, err
	}

	stat, err := os.ReadFile(base + "/memory.stat")
	if err != nil {
		return nil, err
	}
	out, err := scanFields(stat, func(f []string) (string, bool) {
		return f[0], len(f) == 2 && (f[0] == "anon" || f[0] == "file")
	})
	if err != nil {
		return nil, err
	}
	out["current"] = cur
	return out, nil
}

// scanFields collects the integer in the second column of every line that
// pick accepts, keyed by the name pick returns.
func scanFields(b []byte, pick func([]string) (string, bool)) (map[string]int64, error) {
	out := make(map[string]int64)
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		f := strings.Fields(sc.Text())
		if len(f) == 0 {
			continue
		}
		key, ok := pick(f)
		if !ok {
			continue
		}
		v, err := strconv.ParseInt(f[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("unexpected %s format: %q", key, sc.Text())
		}
		out[key] = v
	}
	return out, sc.Err()
}

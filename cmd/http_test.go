package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mordilloSan/quickfind/coordinator"
	"github.com/mordilloSan/quickfind/indexing"
	"github.com/mordilloSan/quickfind/indexing/iteminfo"
	"github.com/mordilloSan/quickfind/indexing/testhelpers"
	"github.com/mordilloSan/quickfind/internal/config"
)

// newTestDaemon wires a daemon over root without starting listeners or the
// background worker.
func newTestDaemon(t *testing.T, root string) *daemon {
	t.Helper()
	cfg := config.Default()
	cfg.Roots = []string{root}
	cfg.Storage.DBPath = filepath.Join(t.TempDir(), "index.db")
	cfg.Server.SocketPath = "-"
	cfg.Server.Listen = ""
	cfg.Index.Interval = 0

	d, err := newDaemon(cfg, false)
	if err != nil {
		t.Fatalf("newDaemon: %v", err)
	}
	t.Cleanup(d.Close)
	return d
}

func indexOnce(t *testing.T, d *daemon) indexing.PassStats {
	t.Helper()
	stats, err := d.coord.RunOnce(context.Background(), indexing.ModeFull, nil)
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	return stats
}

// stubIndexer replaces the real indexer when a test needs to control when a
// pass ends or how it fails.
type stubIndexer struct {
	started chan struct{}
	release chan struct{}
	err     error
	runs    atomic.Int32
}

func (s *stubIndexer) Run(ctx context.Context, mode indexing.Mode, _ indexing.ProgressFunc) (indexing.PassStats, error) {
	if s.started != nil {
		select {
		case s.started <- struct{}{}:
		default:
		}
	}
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return indexing.PassStats{}, ctx.Err()
		}
	}
	s.runs.Add(1)
	return indexing.PassStats{ID: "stub", Mode: mode.String()}, s.err
}

func (s *stubIndexer) SetScanner(*indexing.Scanner) {}

func useStubIndexer(d *daemon, s *stubIndexer) {
	d.coord = coordinator.New(d.store, s, d.engine, coordinator.Options{})
}

func doRequest(t *testing.T, d *daemon, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	d.routes().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHandleSearch_BeforeFirstIndex(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateRankingStructure()
	d := newTestDaemon(t, fs.Root)

	rec := doRequest(t, d, http.MethodGet, "/search?q=report", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Fatal("expected Retry-After header")
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "indexing" {
		t.Fatalf("expected status indexing, got %v", body)
	}
}

func TestHandleSearch_RankedResults(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateRankingStructure()
	d := newTestDaemon(t, fs.Root)
	indexOnce(t, d)

	rec := doRequest(t, d, http.MethodGet, "/search?q=REPORT", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var results []iteminfo.FileRecord
	decodeBody(t, rec, &results)
	if len(results) < 4 {
		t.Fatalf("expected at least 4 matches, got %d", len(results))
	}
	// report.txt is exact by stem and leads over the shorter reports dir.
	if results[0].Name != "report.txt" {
		t.Fatalf("unexpected first result %q", results[0].Path)
	}
	if last := results[len(results)-1]; last.Name != "summary.txt" {
		t.Fatalf("expected the path-only match last, got %q", last.Path)
	}
	for _, r := range results {
		if r.Name == "unrelated.txt" {
			t.Fatalf("unrelated.txt should not match")
		}
	}

	rec = doRequest(t, d, http.MethodGet, "/search?q=report&limit=2", "")
	decodeBody(t, rec, &results)
	if len(results) != 2 {
		t.Fatalf("expected limit 2 to be honored, got %d", len(results))
	}
}

func TestHandleSearch_InitFailed(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	d := newTestDaemon(t, fs.Root)
	useStubIndexer(d, &stubIndexer{err: errors.New("disk on fire")})

	if _, err := d.coord.RunOnce(context.Background(), indexing.ModeFull, nil); err == nil {
		t.Fatal("expected the stub pass to fail")
	}
	rec := doRequest(t, d, http.MethodGet, "/search?q=x", "")
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "failed" || !strings.Contains(body["error"], "disk on fire") {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHandleSearch_MethodNotAllowed(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	d := newTestDaemon(t, fs.Root)

	for _, tc := range []struct{ method, target string }{
		{http.MethodPost, "/search?q=x"},
		{http.MethodGet, "/refresh"},
		{http.MethodGet, "/rebuild"},
		{http.MethodGet, "/vacuum"},
		{http.MethodGet, "/add"},
		{http.MethodPost, "/delete?path=" + fs.Root},
		{http.MethodPost, "/events"},
	} {
		rec := doRequest(t, d, tc.method, tc.target, "")
		if rec.Code != http.StatusMethodNotAllowed {
			t.Errorf("%s %s: expected 405, got %d", tc.method, tc.target, rec.Code)
		}
	}
}

func TestHandleRefresh_ConflictWhileIndexing(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	d := newTestDaemon(t, fs.Root)
	stub := &stubIndexer{started: make(chan struct{}, 1), release: make(chan struct{})}
	useStubIndexer(d, stub)

	// Not started yet: nothing can be scheduled.
	if rec := doRequest(t, d, http.MethodPost, "/refresh", ""); rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 before start, got %d", rec.Code)
	}

	if err := d.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-stub.started:
	case <-time.After(5 * time.Second):
		t.Fatal("initial pass never started")
	}

	if rec := doRequest(t, d, http.MethodPost, "/refresh", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 during a pass, got %d", rec.Code)
	}
	if rec := doRequest(t, d, http.MethodPost, "/vacuum", ""); rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 vacuum during a pass, got %d", rec.Code)
	}
	rec := doRequest(t, d, http.MethodPost, "/rebuild", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected rebuild to queue with 202, got %d", rec.Code)
	}

	// The initial pass, then the queued rebuild.
	close(stub.release)
	waitForCondition(t, 5*time.Second, func() bool {
		return stub.runs.Load() == 2 && !d.coord.IsIndexing()
	})
	if d.coord.State() != coordinator.Ready {
		t.Fatalf("expected ready, got %s", d.coord.State())
	}

	rec = doRequest(t, d, http.MethodPost, "/refresh", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 when idle, got %d: %s", rec.Code, rec.Body.String())
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["status"] != "scheduled" {
		t.Fatalf("unexpected body %v", body)
	}
}

func TestHandleRefresh_AfterShutdown(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	d := newTestDaemon(t, fs.Root)
	d.Close()

	if rec := doRequest(t, d, http.MethodPost, "/rebuild", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 after shutdown, got %d", rec.Code)
	}
	if rec := doRequest(t, d, http.MethodGet, "/search?q=x", ""); rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 search after shutdown, got %d", rec.Code)
	}
}

func TestHandleVacuum(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateStandardTestStructure()
	d := newTestDaemon(t, fs.Root)
	indexOnce(t, d)

	rec := doRequest(t, d, http.MethodPost, "/vacuum", "")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rec.Code)
	}
	d.jobs.Wait()

	// The index is still intact afterwards.
	rec = doRequest(t, d, http.MethodGet, "/search?q=readme", "")
	var results []iteminfo.FileRecord
	decodeBody(t, rec, &results)
	if len(results) != 1 || results[0].Name != "readme.txt" {
		t.Fatalf("expected readme.txt after vacuum, got %+v", results)
	}
}

func TestHandleEntry(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateStandardTestStructure()
	d := newTestDaemon(t, fs.Root)
	indexOnce(t, d)

	rec := doRequest(t, d, http.MethodGet, "/entry?path="+fs.Path("documents/notes.txt"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var got iteminfo.FileRecord
	decodeBody(t, rec, &got)
	if got.Kind != iteminfo.KindFile || got.Size != fs.GetFileSize("documents/notes.txt") {
		t.Fatalf("unexpected record %+v", got)
	}

	rec = doRequest(t, d, http.MethodGet, "/entry?path="+fs.Path("documents"), "")
	decodeBody(t, rec, &got)
	if !got.IsDir() {
		t.Fatalf("expected documents to be a directory, got %+v", got)
	}

	if rec := doRequest(t, d, http.MethodGet, "/entry?path="+fs.Path("nope.txt"), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
	if rec := doRequest(t, d, http.MethodGet, "/entry?path=relative/path", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for relative path, got %d", rec.Code)
	}
	if rec := doRequest(t, d, http.MethodGet, "/entry", ""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for missing path, got %d", rec.Code)
	}
}

func TestHandleAddAndDelete(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateStandardTestStructure()
	d := newTestDaemon(t, fs.Root)
	indexOnce(t, d)

	added := fs.Path("documents/quarterly_budget.xlsx")
	rec := doRequest(t, d, http.MethodPost, "/add",
		`{"path":"`+added+`","kind":"file","size":2048,"modUnix":1700000000}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, d, http.MethodGet, "/search?q=budget", "")
	var results []iteminfo.FileRecord
	decodeBody(t, rec, &results)
	if len(results) != 1 || results[0].Path != added {
		t.Fatalf("expected the added record to be searchable, got %+v", results)
	}
	if results[0].Size != 2048 || results[0].ModTime.Unix() != 1700000000 {
		t.Fatalf("unexpected stored fields %+v", results[0])
	}

	// No kind: taken from disk.
	rec = doRequest(t, d, http.MethodPost, "/add", `{"path":"`+fs.Path("photos")+`"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var photos iteminfo.FileRecord
	decodeBody(t, doRequest(t, d, http.MethodGet, "/entry?path="+fs.Path("photos"), ""), &photos)
	if !photos.IsDir() {
		t.Fatalf("expected photos to stay a directory, got %+v", photos)
	}

	outside := filepath.Join(t.TempDir(), "elsewhere.txt")
	if rec := doRequest(t, d, http.MethodPost, "/add", `{"path":"`+outside+`","kind":"file"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 outside roots, got %d", rec.Code)
	}
	if rec := doRequest(t, d, http.MethodPost, "/add", `{not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad body, got %d", rec.Code)
	}

	rec = doRequest(t, d, http.MethodDelete, "/delete?path="+added, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec := doRequest(t, d, http.MethodGet, "/entry?path="+added, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected deleted record to be gone, got %d", rec.Code)
	}

	rec = doRequest(t, d, http.MethodDelete, "/delete?recursive=true&path="+fs.Path("documents/archive"), "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Status  string `json:"status"`
		Deleted int64  `json:"deleted"`
	}
	decodeBody(t, rec, &body)
	// archive, archive/old.txt, archive/2023 and its two files.
	if body.Deleted != 5 {
		t.Fatalf("expected 5 records deleted, got %d", body.Deleted)
	}
	if rec := doRequest(t, d, http.MethodGet, "/entry?path="+fs.Path("documents/archive/2023/jan.txt"), ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected subtree to be gone, got %d", rec.Code)
	}
}

func TestHandleAddAndDelete_ConflictWhileIndexing(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateStandardTestStructure()
	d := newTestDaemon(t, fs.Root)
	indexOnce(t, d)
	stub := &stubIndexer{started: make(chan struct{}, 1), release: make(chan struct{})}
	useStubIndexer(d, stub)

	if err := d.coord.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := d.coord.TriggerRefresh(); err != nil {
		t.Fatalf("TriggerRefresh: %v", err)
	}
	select {
	case <-stub.started:
	case <-time.After(5 * time.Second):
		t.Fatal("refresh never started")
	}

	added := fs.Path("documents/draft.txt")
	rec := doRequest(t, d, http.MethodPost, "/add", `{"path":"`+added+`","kind":"file","size":1}`)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for add during a pass, got %d: %s", rec.Code, rec.Body.String())
	}
	notes := fs.Path("documents/notes.txt")
	rec = doRequest(t, d, http.MethodDelete, "/delete?path="+notes, "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for delete during a pass, got %d", rec.Code)
	}
	rec = doRequest(t, d, http.MethodDelete, "/delete?recursive=true&path="+fs.Path("documents"), "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for recursive delete during a pass, got %d", rec.Code)
	}

	// Neither write reached the store.
	if rec := doRequest(t, d, http.MethodGet, "/entry?path="+added, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("rejected add was stored, got %d", rec.Code)
	}
	if rec := doRequest(t, d, http.MethodGet, "/entry?path="+notes, ""); rec.Code != http.StatusOK {
		t.Fatalf("rejected delete removed the record, got %d", rec.Code)
	}

	close(stub.release)
	waitForCondition(t, 5*time.Second, func() bool { return !d.coord.Busy() })

	rec = doRequest(t, d, http.MethodPost, "/add", `{"path":"`+added+`","kind":"file","size":1}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 once idle, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestHandleStatus(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	fs.CreateStandardTestStructure()
	d := newTestDaemon(t, fs.Root)
	stats := indexOnce(t, d)
	count, err := d.store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count: %v", err)
	}

	rec := doRequest(t, d, http.MethodGet, "/status", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var body struct {
		State    string   `json:"state"`
		HasIndex bool     `json:"has_index"`
		Roots    []string `json:"roots"`
		LastPass *struct {
			ID string `json:"id"`
		} `json:"last_pass"`
		Store struct {
			TotalEntries int64 `json:"total_entries"`
		} `json:"store"`
		Memory struct {
			GoSysBytes uint64 `json:"go_sys_bytes"`
		} `json:"memory"`
		Version struct {
			Version string `json:"version"`
		} `json:"version"`
	}
	decodeBody(t, rec, &body)

	if body.State != "ready" || !body.HasIndex {
		t.Fatalf("expected ready with an index, got %q has_index=%v", body.State, body.HasIndex)
	}
	if len(body.Roots) != 1 || body.Roots[0] != fs.Root {
		t.Fatalf("unexpected roots %v", body.Roots)
	}
	if body.LastPass == nil || body.LastPass.ID != stats.ID {
		t.Fatalf("expected last pass %q, got %+v", stats.ID, body.LastPass)
	}
	if body.Store.TotalEntries == 0 || body.Store.TotalEntries != count {
		t.Fatalf("expected %d entries, got %d", count, body.Store.TotalEntries)
	}
	if body.Memory.GoSysBytes == 0 {
		t.Fatal("expected Go memory stats")
	}
	if body.Version.Version == "" {
		t.Fatal("expected version info")
	}
}

func TestServeOpenapi(t *testing.T) {
	fs := testhelpers.NewMockFileSystem(t)
	d := newTestDaemon(t, fs.Root)

	rec := doRequest(t, d, http.MethodGet, "/openapi.json", "")
	var doc struct {
		Paths map[string]json.RawMessage `json:"paths"`
	}
	decodeBody(t, rec, &doc)
	for _, p := range []string{"/search", "/status", "/refresh", "/rebuild", "/events"} {
		if _, ok := doc.Paths[p]; !ok {
			t.Errorf("openapi document is missing %s", p)
		}
	}
}

func TestQueryInt(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 7},
		{"12", 12},
		{"0", 7},
		{"-3", 7},
		{"abc", 7},
	}
	for _, tc := range cases {
		if got := queryInt(tc.in, 7, 1); got != tc.want {
			t.Errorf("queryInt(%q) = %d, want %d", tc.in, got, tc.want)
		}
	}
}

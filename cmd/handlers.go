package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/quickfind/coordinator"
	"github.com/mordilloSan/quickfind/indexing/iteminfo"
	"github.com/mordilloSan/quickfind/internal/version"
	"github.com/mordilloSan/quickfind/search"
	"github.com/mordilloSan/quickfind/storage"
)

func (d *daemon) routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/openapi.json", serveOpenapi)
	mux.HandleFunc("/search", d.handleSearch)
	mux.HandleFunc("/status", d.handleStatus)
	mux.HandleFunc("/refresh", d.handleRefresh)
	mux.HandleFunc("/rebuild", d.handleRebuild)
	mux.HandleFunc("/vacuum", d.handleVacuum)
	mux.HandleFunc("/entry", d.handleEntry)
	mux.HandleFunc("/add", d.handleAdd)
	mux.HandleFunc("/delete", d.handleDelete)
	mux.HandleFunc("/events", d.handleEvents)
	return mux
}

func (d *daemon) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "use GET", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query().Get("q")
	limit := queryInt(r.URL.Query().Get("limit"), 0, 1)

	results, err := d.coord.Query(r.Context(), q, limit)
	switch {
	case err == nil:
		writeJSON(w, results)
	case errors.Is(err, coordinator.ErrIndexing):
		w.Header().Set("Retry-After", "1")
		writeJSONStatus(w, http.StatusServiceUnavailable, map[string]string{"status": "indexing"})
	case errors.Is(err, coordinator.ErrInitFailed):
		writeJSONStatus(w, http.StatusInternalServerError, map[string]string{
			"status": "failed",
			"error":  err.Error(),
		})
	case errors.Is(err, coordinator.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled):
		// Client went away; nothing to answer.
	default:
		logger.Warnf("search %q failed: %v", q, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

type statusResponse struct {
	coordinator.Status
	Roots   []string          `json:"roots"`
	Store   *storage.Stats    `json:"store,omitempty"`
	Cache   search.CacheStats `json:"cache"`
	Memory  memoryStats       `json:"memory"`
	Version version.Info      `json:"version"`
	Warning string            `json:"warning,omitempty"`
}

func (d *daemon) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:  d.coord.Status(),
		Roots:   d.cfg.Roots,
		Cache:   d.engine.CacheStats(),
		Version: version.Get(),
	}
	addWarning := func(msg string) {
		if resp.Warning == "" {
			resp.Warning = msg
		} else {
			resp.Warning += "; " + msg
		}
	}

	stats, err := d.store.Stats(r.Context())
	if err != nil {
		// A long write transaction can make the counts briefly unavailable;
		// the rest of the report is still useful.
		var ioe *storage.IOError
		busy := errors.As(err, &ioe) && ioe.Busy()
		if !resp.Indexing && !busy {
			http.Error(w, fmt.Sprintf("error loading stats: %v", err), http.StatusInternalServerError)
			return
		}
		addWarning(fmt.Sprintf("stats unavailable: %v", err))
		logger.Warnf("Status: stats unavailable while indexing: %v", err)
	}
	resp.Store = stats

	var memWarnings []string
	resp.Memory, memWarnings = readMemoryStats(!resp.Indexing)
	for _, msg := range memWarnings {
		addWarning(msg)
	}

	writeJSON(w, resp)
}

func (d *daemon) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if d.coord.IsIndexing() {
		http.Error(w, coordinator.ErrAlreadyRunning.Error(), http.StatusConflict)
		return
	}
	d.trigger(w, d.coord.TriggerRefresh)
}

// handleRebuild always queues: a full pass supersedes whatever is pending.
func (d *daemon) handleRebuild(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	d.trigger(w, d.coord.TriggerFullRebuild)
}

func (d *daemon) trigger(w http.ResponseWriter, fn func() error) {
	if err := fn(); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, coordinator.ErrClosed) {
			code = http.StatusServiceUnavailable
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (d *daemon) handleVacuum(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	if d.coord.Busy() {
		http.Error(w, coordinator.ErrAlreadyRunning.Error(), http.StatusConflict)
		return
	}

	d.goJob(time.Hour, func(ctx context.Context) {
		if err := d.coord.Maintain(ctx, "vacuum", d.vacuum); err != nil {
			logger.Errorf("vacuum failed: %v", err)
		}
	})

	writeJSONStatus(w, http.StatusAccepted, map[string]string{"status": "running"})
}

// vacuum checkpoints the WAL around VACUUM so the reclaimed space shows up
// in the main file.
func (d *daemon) vacuum(ctx context.Context) error {
	db := d.store.DB()
	if _, err := storage.WALCheckpointTruncate(ctx, db); err != nil {
		logger.Warnf("vacuum: wal checkpoint (pre) failed: %v", err)
	}
	vs, err := storage.Vacuum(ctx, db)
	if err != nil {
		return err
	}
	logger.Infof("VACUUM took %v", vs.Duration)
	if _, err := storage.WALCheckpointTruncate(ctx, db); err != nil {
		logger.Warnf("vacuum: wal checkpoint (post) failed: %v", err)
	}
	_ = storage.ReleaseSQLiteMemory(ctx, db)
	d.engine.Purge()
	return nil
}

func (d *daemon) handleEntry(w http.ResponseWriter, r *http.Request) {
	path, ok := d.pathParam(w, r)
	if !ok {
		return
	}
	rec, err := d.store.Get(r.Context(), path)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, rec)
}

// handleAdd records a single path reported by a client, for example a file
// the user just created, without waiting for the next pass. Without a kind
// the path is looked up on disk, following symlinks.
func (d *daemon) handleAdd(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "use POST", http.StatusMethodNotAllowed)
		return
	}
	var payload struct {
		Path    string         `json:"path"`
		Kind    *iteminfo.Kind `json:"kind"`
		Size    int64          `json:"size"`
		ModUnix int64          `json:"modUnix"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	path, err := d.checkPath(payload.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	modTime := time.Now()
	if payload.ModUnix != 0 {
		modTime = time.Unix(payload.ModUnix, 0)
	}
	kind := iteminfo.KindFile
	if payload.Kind != nil {
		kind = *payload.Kind
	} else if _, isDir, err := iteminfo.ResolveSymlinks(path); err == nil && isDir {
		kind = iteminfo.KindDirectory
	}
	rec := iteminfo.NewFileRecord(path, kind, payload.Size, modTime)
	rec.IndexedAt = time.Now()

	err = d.coord.Apply(r.Context(), func(ctx context.Context) error {
		return d.store.Upsert(ctx, rec)
	})
	if err != nil {
		writeApplyError(w, "upsert", err)
		return
	}
	writeJSON(w, map[string]string{"status": "ok"})
}

func (d *daemon) handleDelete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		http.Error(w, "use DELETE", http.StatusMethodNotAllowed)
		return
	}
	path, ok := d.pathParam(w, r)
	if !ok {
		return
	}

	recursive := r.URL.Query().Get("recursive") == "true"
	var deleted int64
	err := d.coord.Apply(r.Context(), func(ctx context.Context) error {
		if recursive {
			var err error
			deleted, err = d.store.DeleteTree(ctx, path)
			return err
		}
		return d.store.Delete(ctx, path)
	})
	if err != nil {
		writeApplyError(w, "delete", err)
		return
	}
	writeJSON(w, map[string]any{"status": "ok", "deleted": deleted})
}

// writeApplyError maps a single-path write that lost the race for the index
// to 409, so the client can retry once the pass is done.
func writeApplyError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, coordinator.ErrAlreadyRunning):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, coordinator.ErrClosed):
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	default:
		http.Error(w, fmt.Sprintf("%s failed: %v", op, err), http.StatusInternalServerError)
	}
}

func (d *daemon) pathParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	path, err := d.checkPath(r.URL.Query().Get("path"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return "", false
	}
	return path, true
}

// checkPath accepts absolute paths under a configured root.
func (d *daemon) checkPath(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", errors.New("path is required")
	}
	if !filepath.IsAbs(raw) {
		return "", fmt.Errorf("path %q must be absolute", raw)
	}
	path := filepath.Clean(raw)
	for _, root := range d.cfg.Roots {
		if iteminfo.IsWithin(path, root) {
			return path, nil
		}
	}
	return "", fmt.Errorf("path %q is outside the indexed roots", path)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func writeJSONStatus(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// queryInt parses an integer query parameter with default and minimum value.
func queryInt(q string, def int, min int) int {
	if q == "" {
		return def
	}
	v, err := strconv.Atoi(q)
	if err != nil || v < min {
		return def
	}
	return v
}

// Minimal OpenAPI spec served at /openapi.json.
func serveOpenapi(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(openapiSpec))
}

const openapiSpec = `{
  "openapi": "3.0.0",
  "info": { "title": "quickfind API", "version": "1.0.0" },
  "paths": {
    "/search": { "get": { "summary": "Search file and directory names", "parameters": [{ "in": "query", "name": "q", "schema": {"type": "string"} }, { "in": "query", "name": "limit", "schema": {"type": "integer"} }], "responses": { "200": {"description": "Ranked records"}, "503": {"description": "Initial index still being built"}, "500": {"description": "Initial index failed"} } } },
    "/status": { "get": { "summary": "Coordinator state, store and memory statistics", "responses": { "200": {"description": "Status"} } } },
    "/refresh": { "post": { "summary": "Schedule an incremental pass", "responses": { "202": {"description": "Scheduled"}, "409": {"description": "Already running"} } } },
    "/rebuild": { "post": { "summary": "Schedule a full pass", "responses": { "202": {"description": "Scheduled"} } } },
    "/vacuum": { "post": { "summary": "Reclaim disk space (VACUUM)", "responses": { "202": {"description": "Started"}, "409": {"description": "Already running"} } } },
    "/entry": { "get": { "summary": "Stored record for one path", "parameters": [{ "in": "query", "name": "path", "required": true, "schema": {"type": "string"} }], "responses": { "200": {"description": "Record"}, "404": {"description": "Not indexed"} } } },
    "/add": { "post": { "summary": "Upsert one path", "responses": { "200": {"description": "OK"}, "400": {"description": "Invalid path"}, "409": {"description": "A pass is running; retry"} } } },
    "/delete": { "delete": { "summary": "Delete one path", "parameters": [{ "in": "query", "name": "path", "required": true, "schema": {"type": "string"} }, { "in": "query", "name": "recursive", "schema": {"type": "boolean"} }], "responses": { "200": {"description": "OK"}, "409": {"description": "A pass is running; retry"} } } },
    "/events": { "get": { "summary": "Server-sent coordinator events", "responses": { "200": {"description": "text/event-stream"} } } }
  }
}`

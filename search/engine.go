package search

import (
	"context"
	"fmt"
	"slices"

	"github.com/maypok86/otter"
	"github.com/mordilloSan/go_logger/logger"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
)

const (
	DefaultLimit     = 30
	DefaultMaxLimit  = 500
	DefaultOverfetch = 4
	DefaultCacheSize = 1024

	// minCandidates keeps re-ranking headroom for very small limits.
	minCandidates = 64
)

// Searcher is the read side of the store the engine needs.
type Searcher interface {
	Search(ctx context.Context, term string, limit int) ([]iteminfo.FileRecord, error)
	// Generation changes after every committed write.
	Generation() uint64
}

type Options struct {
	DefaultLimit int
	MaxLimit     int
	// Overfetch multiplies the limit to size the candidate set.
	Overfetch int
	// CacheSize is the number of result lists kept; 0 disables caching.
	CacheSize int
}

func (o Options) withDefaults() Options {
	if o.DefaultLimit <= 0 {
		o.DefaultLimit = DefaultLimit
	}
	if o.MaxLimit <= 0 {
		o.MaxLimit = DefaultMaxLimit
	}
	if o.DefaultLimit > o.MaxLimit {
		o.DefaultLimit = o.MaxLimit
	}
	if o.Overfetch <= 0 {
		o.Overfetch = DefaultOverfetch
	}
	if o.CacheSize < 0 {
		o.CacheSize = 0
	}
	return o
}

type cacheKey struct {
	gen   uint64
	term  string
	limit int
}

// Engine answers interactive queries. It is safe for concurrent use.
type Engine struct {
	store Searcher
	opts  Options
	cache *otter.Cache[cacheKey, []iteminfo.FileRecord]
}

// CacheStats reports result cache effectiveness.
type CacheStats struct {
	Size   int     `json:"size"`
	Hits   int64   `json:"hits"`
	Misses int64   `json:"misses"`
	Ratio  float64 `json:"ratio"`
}

func NewEngine(store Searcher, opts Options) (*Engine, error) {
	e := &Engine{store: store, opts: opts.withDefaults()}
	if e.opts.CacheSize > 0 {
		c, err := otter.MustBuilder[cacheKey, []iteminfo.FileRecord](e.opts.CacheSize).
			CollectStats().
			Build()
		if err != nil {
			return nil, fmt.Errorf("build result cache: %w", err)
		}
		e.cache = &c
	}
	return e, nil
}

// Options returns the effective options.
func (e *Engine) Options() Options { return e.opts }

// Limit clamps a requested limit; zero or negative selects the default.
func (e *Engine) Limit(limit int) int {
	if limit <= 0 {
		return e.opts.DefaultLimit
	}
	return min(limit, e.opts.MaxLimit)
}

// Query returns at most limit records matching text, best first. Blank
// text yields an empty list without touching the store.
func (e *Engine) Query(ctx context.Context, text string, limit int) ([]iteminfo.FileRecord, error) {
	q := ParseQuery(text)
	if q.Empty() {
		return []iteminfo.FileRecord{}, nil
	}
	limit = e.Limit(limit)

	// Read the generation first: a write committed after this point can only
	// make the entry look older than it is, never newer.
	key := cacheKey{gen: e.store.Generation(), term: q.Term, limit: limit}
	if e.cache != nil {
		if hit, ok := e.cache.Get(key); ok {
			return slices.Clone(hit), nil
		}
	}

	candidates, err := e.store.Search(ctx, q.Term, max(limit*e.opts.Overfetch, minCandidates))
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", q.Term, err)
	}
	results := Rank(candidates, q.Term)
	if len(results) > limit {
		results = results[:limit:limit]
	}
	logger.Debugf("query %q: %d candidates, %d results", q.Term, len(candidates), len(results))

	if e.cache != nil {
		e.cache.Set(key, results)
	}
	return slices.Clone(results), nil
}

// Purge drops every cached result.
func (e *Engine) Purge() {
	if e.cache != nil {
		e.cache.Clear()
	}
}

func (e *Engine) CacheStats() CacheStats {
	if e.cache == nil {
		return CacheStats{}
	}
	st := e.cache.Stats()
	return CacheStats{
		Size:   e.cache.Size(),
		Hits:   st.Hits(),
		Misses: st.Misses(),
		Ratio:  st.Ratio(),
	}
}

// Close releases the cache's background resources.
func (e *Engine) Close() {
	if e.cache != nil {
		e.cache.Close()
	}
}

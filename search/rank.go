package search

import (
	"cmp"
	"path/filepath"
	"slices"
	"strings"
	"unicode/utf8"

	"github.com/mordilloSan/quickfind/indexing/iteminfo"
)

// Tier is the coarse match class of a result. Lower is better.
type Tier uint8

const (
	TierExact Tier = iota
	TierPrefix
	TierContains
	TierPath
	TierNone
)

func (t Tier) String() string {
	switch t {
	case TierExact:
		return "exact"
	case TierPrefix:
		return "prefix"
	case TierContains:
		return "contains"
	case TierPath:
		return "path"
	default:
		return "none"
	}
}

// Score orders matches: tier first, then match position within the name.
type Score struct {
	Tier Tier
	// Pos is the rune offset of the match in the name; only meaningful for TierContains.
	Pos int
}

// ScoreRecord classifies rec against a lowercase term. A name is an exact
// match when it, or its stem without the final extension, equals the term:
// "report.txt" is exact for both "report" and "report.txt".
func ScoreRecord(rec iteminfo.FileRecord, term string) Score {
	if term == "" {
		return Score{Tier: TierNone}
	}
	name := strings.ToLower(rec.Name)
	switch i := strings.Index(name, term); {
	case i == 0 && isExactName(name, term):
		return Score{Tier: TierExact}
	case i == 0:
		return Score{Tier: TierPrefix}
	case i > 0:
		return Score{Tier: TierContains, Pos: utf8.RuneCountInString(name[:i])}
	}
	if strings.Contains(strings.ToLower(rec.Path), term) {
		return Score{Tier: TierPath}
	}
	return Score{Tier: TierNone}
}

func isExactName(name, term string) bool {
	if name == term {
		return true
	}
	ext := filepath.Ext(name)
	return ext != "" && name[:len(name)-len(ext)] == term
}

type ranked struct {
	rec   iteminfo.FileRecord
	score Score
	plen  int
}

// Rank sorts records best first and drops non-matches. Ties go to the
// shorter path, then the lexicographically smaller one.
func Rank(records []iteminfo.FileRecord, term string) []iteminfo.FileRecord {
	items := make([]ranked, 0, len(records))
	for _, rec := range records {
		s := ScoreRecord(rec, term)
		if s.Tier == TierNone {
			continue
		}
		items = append(items, ranked{rec: rec, score: s, plen: utf8.RuneCountInString(rec.Path)})
	}
	slices.SortFunc(items, func(a, b ranked) int {
		return cmp.Or(
			cmp.Compare(a.score.Tier, b.score.Tier),
			cmp.Compare(a.score.Pos, b.score.Pos),
			cmp.Compare(a.plen, b.plen),
			strings.Compare(a.rec.Path, b.rec.Path),
		)
	})
	out := make([]iteminfo.FileRecord, len(items))
	for i, it := range items {
		out[i] = it.rec
	}
	return out
}

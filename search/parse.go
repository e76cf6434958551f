package search

import (
	"strings"
	"unicode"
)

// Query is a normalised search request.
type Query struct {
	Raw  string
	Term string
}

// Empty reports whether there is nothing to search for.
func (q Query) Empty() bool { return q.Term == "" }

// ParseQuery trims surrounding whitespace and lowercases the rest. Every
// other character, including SQL and glob metacharacters and the tabs or
// newlines a Linux name may hold, is matched literally; no input is rejected.
func ParseQuery(value string) Query {
	term := strings.TrimFunc(value, unicode.IsSpace)
	return Query{Raw: value, Term: strings.ToLower(term)}
}

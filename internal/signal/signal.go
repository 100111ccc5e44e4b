// Package signal defines the context events the engine consumes and the
// coalescing queue that feeds evaluation ticks.
package signal

import (
	"strings"
	"unicode"
)

// Kind is the closed set of context signal kinds.
type Kind string

const (
	Keyword          Kind = "keyword"
	FileTouched      Kind = "file_touched"
	DirectoryEntered Kind = "directory_entered"
	ExplicitLoad     Kind = "explicit_load"
	ExplicitUnload   Kind = "explicit_unload"
)

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	switch k {
	case Keyword, FileTouched, DirectoryEntered, ExplicitLoad, ExplicitUnload:
		return true
	}
	return false
}

// Signal is one context event. Tick is a session-monotonic counter assigned
// at enqueue time, used for recency weighting and tie-breaks.
type Signal struct {
	Kind  Kind   `json:"kind"`
	Value string `json:"value"`
	Tick  uint64 `json:"tick"`
}

// minTokenLen drops noise words like "a", "to", "of".
const minTokenLen = 3

// Tokenize splits free text into keyword tokens: lowercased, split on any
// non-letter/digit rune, short tokens dropped, duplicates kept out while
// preserving first-occurrence order.
func Tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})

	seen := make(map[string]struct{}, len(fields))
	var tokens []string
	for _, f := range fields {
		if len([]rune(f)) < minTokenLen {
			continue
		}
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

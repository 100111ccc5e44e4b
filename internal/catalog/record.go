package catalog

import (
	"fmt"
	"sort"
	"strings"
)

// Record is one catalog entry: a unit of loadable content plus the metadata
// the engine selects on. Records are immutable once the catalog is built.
type Record struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`

	// Tier is the operator-assigned priority class. Lower is more
	// important; tier 0 is reserved for always-on core records.
	Tier int `json:"tier"`

	// TokenCost is the number of context tokens the record occupies
	// while active.
	TokenCost int `json:"token_cost"`

	// Capabilities names the external connections the record needs
	// while active (e.g. "context7", "stripe"). May be empty.
	Capabilities []string `json:"capabilities,omitempty"`

	Trigger Trigger `json:"trigger"`

	Source string `json:"source"` // "builtin", "dir", "postgres"
}

// Trigger is the predicate that makes a record a match candidate.
// The three matchers combine with OR semantics; explicit load bypasses
// all of them.
type Trigger struct {
	Keywords    []string `json:"keywords,omitempty"`
	Extensions  []string `json:"extensions,omitempty"`
	DirPrefixes []string `json:"directories,omitempty"`
}

// Empty reports whether the trigger has no matchers at all. Such a record
// can only be activated explicitly.
func (t Trigger) Empty() bool {
	return len(t.Keywords) == 0 && len(t.Extensions) == 0 && len(t.DirPrefixes) == 0
}

// normalize lowercases and sorts all matcher sets so matching never depends
// on authoring order, and extensions always carry their leading dot.
func (t *Trigger) normalize() {
	t.Keywords = normalizeSet(t.Keywords, func(s string) string {
		return strings.ToLower(strings.TrimSpace(s))
	})
	t.Extensions = normalizeSet(t.Extensions, func(s string) string {
		s = strings.ToLower(strings.TrimSpace(s))
		if s != "" && !strings.HasPrefix(s, ".") {
			s = "." + s
		}
		return s
	})
	t.DirPrefixes = normalizeSet(t.DirPrefixes, func(s string) string {
		s = strings.TrimSpace(strings.ToLower(s))
		s = strings.ReplaceAll(s, "\\", "/")
		return strings.Trim(s, "/")
	})
}

func normalizeSet(in []string, fn func(string) string) []string {
	seen := make(map[string]struct{}, len(in))
	var out []string
	for _, v := range in {
		v = fn(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

// Validate checks a record for the defects that exclude it from a session.
func (r *Record) Validate() error {
	if strings.TrimSpace(r.ID) == "" {
		return fmt.Errorf("record has empty id")
	}
	if r.Tier < 0 {
		return fmt.Errorf("record %s: negative tier %d", r.ID, r.Tier)
	}
	if r.TokenCost <= 0 {
		return fmt.Errorf("record %s: non-positive token cost %d", r.ID, r.TokenCost)
	}
	// An empty trigger is fine (explicit-only record), but a matcher set
	// authored with entries that all trim to nothing would silently turn
	// an automatic record into an explicit-only one.
	if blankMatcher(r.Trigger.Keywords) {
		return fmt.Errorf("record %s: keyword trigger entries are all blank", r.ID)
	}
	if blankMatcher(r.Trigger.Extensions) {
		return fmt.Errorf("record %s: extension trigger entries are all blank", r.ID)
	}
	if blankMatcher(r.Trigger.DirPrefixes) {
		return fmt.Errorf("record %s: directory trigger entries are all blank", r.ID)
	}
	return nil
}

func blankMatcher(set []string) bool {
	if len(set) == 0 {
		return false
	}
	for _, v := range set {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

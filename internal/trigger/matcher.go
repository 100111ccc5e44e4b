// Package trigger evaluates catalog record predicates against context
// signals. Matching is pure: no state, no side effects, and deterministic
// for a fixed signal slice.
package trigger

import (
	"path/filepath"
	"strings"

	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/signal"
)

// MatchKind tags which matcher fired. A result can carry several.
type MatchKind string

const (
	MatchKeyword   MatchKind = "keyword"
	MatchExtension MatchKind = "extension"
	MatchDirectory MatchKind = "directory"
	MatchExplicit  MatchKind = "explicit"
)

// Result describes how a record matched the current signal window.
type Result struct {
	RecordID string
	// Kinds lists the matchers that fired, in keyword/extension/
	// directory/explicit order.
	Kinds []MatchKind
	// Contributors is the number of distinct signals that hit one of the
	// record's matchers; it feeds specificity scoring.
	Contributors int
	// LatestTick is the newest contributing signal's tick, feeding
	// recency scoring.
	LatestTick uint64
	// Explicit marks an explicit-load match, which bypasses the
	// predicate and is exempt from budget eviction.
	Explicit bool
}

// Match evaluates one record against the signal window. Returns nil when
// nothing fires. Signals must already be limited to the recency window by
// the caller.
func Match(r *catalog.Record, signals []signal.Signal) *Result {
	res := Result{RecordID: r.ID}
	var keyword, extension, directory bool

	for _, s := range signals {
		switch s.Kind {
		case signal.ExplicitLoad:
			if s.Value == r.ID {
				res.Explicit = true
				res.Contributors++
				if s.Tick > res.LatestTick {
					res.LatestTick = s.Tick
				}
			}
		case signal.Keyword:
			if containsToken(r.Trigger.Keywords, s.Value) {
				keyword = true
				res.Contributors++
				if s.Tick > res.LatestTick {
					res.LatestTick = s.Tick
				}
			}
		case signal.FileTouched:
			if containsToken(r.Trigger.Extensions, strings.ToLower(filepath.Ext(s.Value))) {
				extension = true
				res.Contributors++
				if s.Tick > res.LatestTick {
					res.LatestTick = s.Tick
				}
			}
		case signal.DirectoryEntered:
			if matchesDirPrefix(r.Trigger.DirPrefixes, s.Value) {
				directory = true
				res.Contributors++
				if s.Tick > res.LatestTick {
					res.LatestTick = s.Tick
				}
			}
		}
	}

	if keyword {
		res.Kinds = append(res.Kinds, MatchKeyword)
	}
	if extension {
		res.Kinds = append(res.Kinds, MatchExtension)
	}
	if directory {
		res.Kinds = append(res.Kinds, MatchDirectory)
	}
	if res.Explicit {
		res.Kinds = append(res.Kinds, MatchExplicit)
	}

	if len(res.Kinds) == 0 {
		return nil
	}
	return &res
}

// containsToken does a whole-token, case-insensitive lookup in a normalized
// (lowercased, sorted) set.
func containsToken(set []string, token string) bool {
	token = strings.ToLower(token)
	if token == "" {
		return false
	}
	for _, v := range set {
		if v == token {
			return true
		}
	}
	return false
}

// matchesDirPrefix reports whether any configured prefix is a path prefix
// of the signal's directory. Comparison happens on cleaned, slash-normalized,
// lowercased paths so "src/Billing/" matches the "billing" prefix the same
// way on every platform.
func matchesDirPrefix(prefixes []string, dir string) bool {
	dir = strings.Trim(strings.ToLower(filepath.ToSlash(filepath.Clean(dir))), "/")
	if dir == "" || dir == "." {
		return false
	}
	parts := strings.Split(dir, "/")
	for _, p := range prefixes {
		if hasPathPrefix(parts, strings.Split(p, "/")) || containsSegments(parts, strings.Split(p, "/")) {
			return true
		}
	}
	return false
}

func hasPathPrefix(parts, prefix []string) bool {
	if len(prefix) > len(parts) {
		return false
	}
	for i := range prefix {
		if parts[i] != prefix[i] {
			return false
		}
	}
	return true
}

// containsSegments matches a prefix anywhere in the path, so the configured
// "migrations" fires for "backend/db/migrations/0001".
func containsSegments(parts, sub []string) bool {
	if len(sub) == 0 || len(sub) > len(parts) {
		return false
	}
	for i := 0; i+len(sub) <= len(parts); i++ {
		ok := true
		for j := range sub {
			if parts[i+j] != sub[j] {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

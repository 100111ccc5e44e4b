// Package score converts trigger match results into comparable relevance
// scores. Scoring is deterministic and explainable: a weighted sum of tier,
// specificity, and recency, with tier strictly dominant.
package score

import (
	"fmt"

	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/trigger"
)

// ExemptScore is the sentinel score for explicitly loaded records. It is
// finite so activation entries stay JSON-encodable, but above any score the
// weighted sum can produce.
const ExemptScore = 1e9

// Weights configures the scorer. The tier step must strictly dominate the
// combined maximum of the other terms so an operator's priority order can
// never be outweighed by match strength.
type Weights struct {
	// TierStep is the score distance between adjacent tiers.
	TierStep float64 `json:"tier_step"`
	// Specificity scales the diminishing-returns contributor term, which
	// lives in [0, 1).
	Specificity float64 `json:"specificity"`
	// Recency scales the linear freshness term, which lives in [0, 1].
	Recency float64 `json:"recency"`
	// Window is the tick horizon: contributions older than this score
	// zero recency, and the session drops them from the match window.
	Window uint64 `json:"window"`
	// MaxTier is the lowest-priority tier the catalog may use.
	MaxTier int `json:"max_tier"`
}

// DefaultWeights mirrors the tier vocabulary of the skill corpus: tiers 0-4,
// a 50-tick context horizon, and a tier step comfortably above the sum of
// the other terms.
func DefaultWeights() Weights {
	return Weights{
		TierStep:    100,
		Specificity: 10,
		Recency:     5,
		Window:      50,
		MaxTier:     4,
	}
}

// Validate rejects weight sets that break tier dominance or are degenerate.
func (w Weights) Validate() error {
	if w.TierStep <= w.Specificity+w.Recency {
		return fmt.Errorf("tier step %.1f must exceed specificity+recency %.1f",
			w.TierStep, w.Specificity+w.Recency)
	}
	if w.Window == 0 {
		return fmt.Errorf("recency window must be positive")
	}
	if w.MaxTier < 0 {
		return fmt.Errorf("max tier must be non-negative")
	}
	return nil
}

// Score is a record's computed relevance plus the components the admission
// sort breaks ties on.
type Score struct {
	RecordID    string  `json:"record_id"`
	Value       float64 `json:"value"`
	Tier        int     `json:"tier"`
	Specificity int     `json:"specificity"`
	LatestTick  uint64  `json:"latest_tick"`
	Exempt      bool    `json:"exempt"`
}

// Compute scores one match result at the given tick. Returns a zero-value
// score with Value 0 when the match is entirely stale (outside the window).
func Compute(w Weights, r *catalog.Record, m *trigger.Result, now uint64) Score {
	s := Score{
		RecordID:    r.ID,
		Tier:        r.Tier,
		Specificity: m.Contributors,
		LatestTick:  m.LatestTick,
	}

	if m.Explicit {
		s.Exempt = true
		s.Value = ExemptScore
		return s
	}

	tier := r.Tier
	if tier > w.MaxTier {
		tier = w.MaxTier
	}
	s.Value = w.TierStep * float64(w.MaxTier-tier)

	// Diminishing returns: 1 - 1/(1+n) approaches but never reaches 1,
	// so a flood of one signal kind cannot outrank a combined match plus
	// anything structural.
	n := float64(m.Contributors)
	s.Value += w.Specificity * (1 - 1/(1+n))

	age := now - m.LatestTick
	if age < w.Window {
		s.Value += w.Recency * (1 - float64(age)/float64(w.Window))
	}

	return s
}

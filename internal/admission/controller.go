// Package admission implements the budgeted selection core: given scored
// candidates and a token ceiling, it decides which records are active,
// evicting lower-scored entries when higher-scored ones must be admitted.
package admission

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/score"
)

// Entry is one currently active record.
type Entry struct {
	RecordID    string      `json:"record_id"`
	Score       score.Score `json:"score"`
	AdmittedAt  uint64      `json:"admitted_at"`
	LastMatched uint64      `json:"last_matched"`
	Exempt      bool        `json:"exempt"`
	// Degraded marks an entry whose required capability failed to
	// connect. It stays admitted and budgeted, but is flagged.
	Degraded bool `json:"degraded"`
}

// Warning is a non-fatal condition surfaced with a tick's diff.
type WarningKind string

const (
	// WarnBudgetOverCeiling fires when exempt entries push total usage
	// past the ceiling. Exempt entries are never evicted to compensate.
	WarnBudgetOverCeiling WarningKind = "budget_over_ceiling"
)

type Warning struct {
	Kind     WarningKind `json:"kind"`
	RecordID string      `json:"record_id,omitempty"`
	Message  string      `json:"message"`
}

// Diff is the activation delta a tick produces. Evicted entries must have
// their connections released before admitted ones acquire theirs.
type Diff struct {
	Tick      uint64    `json:"tick"`
	Admitted  []string  `json:"admitted"`
	Evicted   []string  `json:"evicted"`
	Unchanged []string  `json:"unchanged"`
	Warnings  []Warning `json:"warnings,omitempty"`
	Used      int       `json:"used"`
	Ceiling   int       `json:"ceiling"`
}

// Empty reports whether the tick changed nothing and raised nothing.
func (d *Diff) Empty() bool {
	return len(d.Admitted) == 0 && len(d.Evicted) == 0 && len(d.Warnings) == 0
}

// Controller owns the active set and the budget. It is not goroutine-safe:
// the session serializes ticks through it (single-writer).
type Controller struct {
	cat     *catalog.Catalog
	ceiling int
	active  map[string]*Entry
	// selection keeps the most recent admission order for snapshots.
	selection []string
	// overCeiling remembers whether the last applied tick was over
	// budget, so the warning fires on the transition rather than on
	// every unchanged tick.
	overCeiling bool
	logger      *zap.Logger
}

// New creates a controller with an empty active set.
func New(cat *catalog.Catalog, ceiling int, logger *zap.Logger) *Controller {
	return &Controller{
		cat:     cat,
		ceiling: ceiling,
		active:  make(map[string]*Entry),
		logger:  logger,
	}
}

// Ceiling returns the configured token budget.
func (c *Controller) Ceiling() int { return c.ceiling }

// Used recomputes total token usage from the active set. It is never stored:
// deriving it on demand keeps the accounting drift-proof.
func (c *Controller) Used() int {
	total := 0
	for _, e := range c.active {
		if r := c.cat.Get(e.RecordID); r != nil {
			total += r.TokenCost
		}
	}
	return total
}

// usedNonExempt is the portion of usage the ceiling binds.
func (c *Controller) usedNonExempt() int {
	total := 0
	for _, e := range c.active {
		if e.Exempt {
			continue
		}
		if r := c.cat.Get(e.RecordID); r != nil {
			total += r.TokenCost
		}
	}
	return total
}

// Plan computes the next active set for the given scores without mutating
// state. The caller releases connections for the planned evictions first,
// then commits with Apply; that ordering keeps the budget invariant from
// being violated even transiently.
func (c *Controller) Plan(now uint64, scores []score.Score) (*Diff, *planState) {
	exempt, scored := partition(scores)

	// Exempt entries persist until explicitly unloaded, even when no
	// fresh explicit signal arrived this tick.
	planned := make(map[string]score.Score)
	for _, s := range exempt {
		planned[s.RecordID] = s
	}
	for id, e := range c.active {
		if e.Exempt {
			if _, ok := planned[id]; !ok {
				planned[id] = e.Score
			}
		}
	}

	sortCandidates(scored)

	diff := &Diff{Tick: now, Ceiling: c.ceiling}

	// Greedy admission. Tier weighting already encodes the operator's
	// priority order, so greedy-by-score is correct by intent and avoids
	// the pseudo-polynomial knapsack DP.
	budget := 0
	var order []string
	exemptIDs := make([]string, 0, len(planned))
	for id := range planned {
		exemptIDs = append(exemptIDs, id)
	}
	sort.Strings(exemptIDs)
	order = append(order, exemptIDs...)

	for _, s := range scored {
		if _, ok := planned[s.RecordID]; ok {
			continue // already admitted as exempt
		}
		r := c.cat.Get(s.RecordID)
		if r == nil {
			continue
		}
		if budget+r.TokenCost > c.ceiling {
			continue
		}
		budget += r.TokenCost
		planned[s.RecordID] = s
		order = append(order, s.RecordID)
	}

	// Classify against the current active set. Evictions are listed
	// before admissions; callers must honor that ordering.
	for id := range c.active {
		if _, keep := planned[id]; !keep {
			diff.Evicted = append(diff.Evicted, id)
		}
	}
	sort.Strings(diff.Evicted)

	for _, id := range order {
		if _, was := c.active[id]; was {
			diff.Unchanged = append(diff.Unchanged, id)
		} else {
			diff.Admitted = append(diff.Admitted, id)
		}
	}

	used := 0
	for id := range planned {
		if r := c.cat.Get(id); r != nil {
			used += r.TokenCost
		}
	}
	diff.Used = used
	if used > c.ceiling && !c.overCeiling {
		diff.Warnings = append(diff.Warnings, Warning{
			Kind:    WarnBudgetOverCeiling,
			Message: overCeilingMessage(used, c.ceiling),
		})
	}

	return diff, &planState{scores: planned, order: order}
}

// planState carries the planned selection from Plan to Apply.
type planState struct {
	scores map[string]score.Score
	order  []string
}

// Apply commits a planned selection. Entries that survive keep their
// admission tick; everything else is created or dropped.
func (c *Controller) Apply(now uint64, diff *Diff, plan *planState) {
	next := make(map[string]*Entry, len(plan.scores))
	for id, s := range plan.scores {
		if prev, ok := c.active[id]; ok {
			prev.Score = s
			prev.LastMatched = now
			prev.Exempt = prev.Exempt || s.Exempt
			next[id] = prev
			continue
		}
		next[id] = &Entry{
			RecordID:    id,
			Score:       s,
			AdmittedAt:  now,
			LastMatched: now,
			Exempt:      s.Exempt,
		}
	}
	c.active = next
	c.selection = plan.order
	c.overCeiling = diff.Used > c.ceiling

	if !diff.Empty() {
		c.logger.Debug("admission applied",
			zap.Uint64("tick", now),
			zap.Int("admitted", len(diff.Admitted)),
			zap.Int("evicted", len(diff.Evicted)),
			zap.Int("used", diff.Used),
			zap.Int("ceiling", c.ceiling))
	}
}

// Unload removes an entry regardless of exempt status. Returns the removed
// entry, or nil if the record was not active.
func (c *Controller) Unload(id string) *Entry {
	e, ok := c.active[id]
	if !ok {
		return nil
	}
	delete(c.active, id)
	for i, sel := range c.selection {
		if sel == id {
			c.selection = append(c.selection[:i], c.selection[i+1:]...)
			break
		}
	}
	return e
}

// SetDegraded flags or clears an entry's degraded state. Reports whether
// the entry exists.
func (c *Controller) SetDegraded(id string, degraded bool) bool {
	e, ok := c.active[id]
	if !ok {
		return false
	}
	e.Degraded = degraded
	return true
}

// Get returns the active entry for a record id, or nil.
func (c *Controller) Get(id string) *Entry {
	return c.active[id]
}

// Snapshot returns the active set in selection order (exempt entries first
// by id, then scored entries in admission order).
func (c *Controller) Snapshot() []Entry {
	out := make([]Entry, 0, len(c.active))
	for _, id := range c.selection {
		if e, ok := c.active[id]; ok {
			out = append(out, *e)
		}
	}
	return out
}

// Clear drops every entry. Used by session teardown after connections are
// released.
func (c *Controller) Clear() {
	c.active = make(map[string]*Entry)
	c.selection = nil
}

func overCeilingMessage(used, ceiling int) string {
	return fmt.Sprintf("exempt entries push usage to %d over ceiling %d", used, ceiling)
}

func partition(scores []score.Score) (exempt, scored []score.Score) {
	for _, s := range scores {
		if s.Exempt {
			exempt = append(exempt, s)
		} else {
			scored = append(scored, s)
		}
	}
	return exempt, scored
}

// sortCandidates orders by score descending, then tier ascending,
// specificity descending, recency descending, and finally record id
// ascending. The id tie-break guarantees reproducible selection across runs
// with identical inputs.
func sortCandidates(scored []score.Score) {
	sort.Slice(scored, func(i, j int) bool {
		a, b := scored[i], scored[j]
		if a.Value != b.Value {
			return a.Value > b.Value
		}
		if a.Tier != b.Tier {
			return a.Tier < b.Tier
		}
		if a.Specificity != b.Specificity {
			return a.Specificity > b.Specificity
		}
		if a.LatestTick != b.LatestTick {
			return a.LatestTick > b.LatestTick
		}
		return a.RecordID < b.RecordID
	})
}

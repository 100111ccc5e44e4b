// Package session orchestrates the evaluation loop: signals in, activation
// diffs out. One Session owns one active set, one budget, and one
// capability pool; multiple sessions run independently.
package session

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/admission"
	"github.com/opus67/loadout/internal/capability"
	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/score"
	"github.com/opus67/loadout/internal/signal"
	"github.com/opus67/loadout/internal/trigger"
)

// Phase is the session lifecycle state.
type Phase string

const (
	PhaseIdle        Phase = "idle"
	PhaseEvaluating  Phase = "evaluating"
	PhaseStable      Phase = "stable"
	PhaseTearingDown Phase = "tearing_down"
)

// WarnCapabilityDegraded is emitted when a required connection fails after
// its bounded retries. The owning entries stay admitted and budgeted.
const WarnCapabilityDegraded admission.WarningKind = "capability_degraded"

// Snapshot is a point-in-time view of a session for external consumers.
type Snapshot struct {
	ID      string              `json:"id"`
	Phase   Phase               `json:"phase"`
	Tick    uint64              `json:"tick"`
	Used    int                 `json:"used"`
	Ceiling int                 `json:"ceiling"`
	Active  []admission.Entry   `json:"active"`
	Pool    []capability.Status `json:"pool"`
}

// Session runs the matcher → scorer → admission → connection pipeline over
// an incoming signal stream. Ticks are strictly sequential: the session's
// run goroutine is the single writer for all selection state.
type Session struct {
	ID string

	cat     *catalog.Catalog
	queue   *signal.Queue
	ctrl    *admission.Controller
	pool    *capability.Pool
	weights score.Weights

	mu       sync.Mutex
	phase    Phase
	window   []signal.Signal
	lastTick uint64
	lastDiff *admission.Diff
	subs     map[int]chan *admission.Diff
	nextSub  int

	cancel   context.CancelFunc
	done     chan struct{}
	teardown sync.Once

	logger *zap.Logger
}

// New creates a session and starts its evaluation loop.
func New(cat *catalog.Catalog, registry *capability.Registry, ceiling int, weights score.Weights, logger *zap.Logger) (*Session, error) {
	if err := weights.Validate(); err != nil {
		return nil, fmt.Errorf("scorer weights: %w", err)
	}
	if ceiling <= 0 {
		return nil, fmt.Errorf("budget ceiling must be positive, got %d", ceiling)
	}

	id := uuid.New().String()
	s := &Session{
		ID:      id,
		cat:     cat,
		queue:   signal.NewQueue(),
		ctrl:    admission.New(cat, ceiling, logger),
		weights: weights,
		phase:   PhaseIdle,
		subs:    make(map[int]chan *admission.Diff),
		done:    make(chan struct{}),
		logger:  logger.With(zap.String("session", id)),
	}
	s.pool = capability.NewPool(registry, s.onCapabilityState, s.logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)

	s.logger.Info("session started", zap.Int("ceiling", ceiling), zap.Int("catalog", cat.Len()))
	return s, nil
}

// Signal enqueues one context signal. Never blocks; returns the assigned
// tick (0 if the signal was invalid or the session is tearing down).
func (s *Session) Signal(kind signal.Kind, value string) uint64 {
	if s.Phase() == PhaseTearingDown {
		return 0
	}
	return s.queue.Enqueue(kind, value)
}

// Load requests explicit activation of a record. The record is admitted
// even over budget and is exempt from eviction until unloaded.
func (s *Session) Load(recordID string) error {
	if s.cat.Get(recordID) == nil {
		return fmt.Errorf("load %s: %w", recordID, ErrRecordNotFound)
	}
	s.Signal(signal.ExplicitLoad, recordID)
	return nil
}

// Unload removes a record from the active set, exempt or not.
func (s *Session) Unload(recordID string) error {
	if s.cat.Get(recordID) == nil {
		return fmt.Errorf("unload %s: %w", recordID, ErrRecordNotFound)
	}
	s.Signal(signal.ExplicitUnload, recordID)
	return nil
}

// Subscribe registers a diff listener. The returned cancel function must be
// called to release the channel. Slow subscribers miss diffs rather than
// blocking the tick pipeline.
func (s *Session) Subscribe() (<-chan *admission.Diff, func()) {
	ch := make(chan *admission.Diff, 16)
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	s.mu.Unlock()

	return ch, func() {
		s.mu.Lock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
		s.mu.Unlock()
	}
}

// Phase returns the current lifecycle phase.
func (s *Session) Phase() Phase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.phase
}

// LastDiff returns the most recent tick's diff, or nil before the first
// evaluation.
func (s *Session) LastDiff() *admission.Diff {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDiff
}

// Snapshot returns the session's current activation set and pool state.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		ID:      s.ID,
		Phase:   s.phase,
		Tick:    s.lastTick,
		Used:    s.ctrl.Used(),
		Ceiling: s.ctrl.Ceiling(),
		Active:  s.ctrl.Snapshot(),
		Pool:    s.pool.Statuses(),
	}
}

// Teardown stops the loop, cancels in-flight connection attempts, and
// releases every active entry's capabilities. Safe to call multiple times.
func (s *Session) Teardown() {
	s.teardown.Do(func() {
		s.mu.Lock()
		s.phase = PhaseTearingDown
		s.mu.Unlock()

		s.cancel()
		<-s.done

		s.mu.Lock()
		s.ctrl.Clear()
		for _, ch := range s.subs {
			close(ch)
		}
		s.subs = make(map[int]chan *admission.Diff)
		s.mu.Unlock()

		s.pool.Close()
		s.logger.Info("session torn down")
	})
}

// run is the single-writer evaluation loop. Ticks never overlap.
func (s *Session) run(ctx context.Context) {
	defer close(s.done)
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.queue.Wait():
			for s.queue.Len() > 0 {
				select {
				case <-ctx.Done():
					return
				default:
				}
				s.evaluate()
			}
		}
	}
}

// evaluate runs one tick of the pipeline: drain → window → match → score →
// plan → release evicted → apply → acquire admitted → publish.
func (s *Session) evaluate() {
	batch := s.queue.Drain()
	if len(batch) == 0 {
		return
	}
	now := s.queue.Tick()

	s.mu.Lock()
	s.phase = PhaseEvaluating
	unloaded := s.applyUnloads(batch)
	s.mergeWindow(batch, now)
	window := make([]signal.Signal, len(s.window))
	copy(window, s.window)
	s.mu.Unlock()

	scores := s.scoreCatalog(window, now)

	s.mu.Lock()
	defer s.mu.Unlock()

	diff, plan := s.ctrl.Plan(now, scores)

	// Evict before admit: connections of outgoing entries are released
	// ahead of any new admission, so the non-exempt budget never exceeds
	// the ceiling even transiently. A release failure means the pool and
	// the active set disagree, so the tick is aborted without applying
	// and retried on the next signal.
	if err := s.releaseEvicted(diff.Evicted); err != nil {
		s.logger.Error("tick aborted: eviction would orphan connection state",
			zap.Uint64("tick", now), zap.Error(err))
		s.phase = PhaseStable
		return
	}

	// Unloads were removed from the active set before planning; fold them
	// into the diff so subscribers see the departure. Their connections
	// are already released. A record the planner re-admitted on this same
	// tick (still matching via non-explicit signals) is not a departure.
	if len(unloaded) > 0 {
		selected := make(map[string]bool, len(diff.Admitted)+len(diff.Unchanged))
		for _, id := range diff.Admitted {
			selected[id] = true
		}
		for _, id := range diff.Unchanged {
			selected[id] = true
		}
		for _, id := range unloaded {
			if !selected[id] {
				diff.Evicted = append(diff.Evicted, id)
			}
		}
		sort.Strings(diff.Evicted)
	}

	s.ctrl.Apply(now, diff, plan)
	s.acquireAdmitted(diff.Admitted)

	s.lastTick = now
	s.lastDiff = diff
	s.phase = PhaseStable

	if !diff.Empty() {
		s.logger.Info("activation changed",
			zap.Uint64("tick", now),
			zap.Strings("admitted", diff.Admitted),
			zap.Strings("evicted", diff.Evicted),
			zap.Int("used", diff.Used))
	}
	s.publishLocked(diff)
}

// applyUnloads handles explicit unloads from the batch before scoring, and
// scrubs matching explicit-load signals from the window so the record does
// not bounce back on the same tick. Returns the ids actually removed.
func (s *Session) applyUnloads(batch []signal.Signal) []string {
	var unloaded []string
	for _, sig := range batch {
		if sig.Kind != signal.ExplicitUnload {
			continue
		}
		id := sig.Value
		kept := s.window[:0]
		for _, w := range s.window {
			if w.Kind == signal.ExplicitLoad && w.Value == id {
				continue
			}
			kept = append(kept, w)
		}
		s.window = kept

		if e := s.ctrl.Unload(id); e != nil {
			if err := s.releaseEntry(id); err != nil {
				s.logger.Error("unload left orphaned connection state",
					zap.String("record", id), zap.Error(err))
			}
			unloaded = append(unloaded, id)
			s.logger.Info("record unloaded", zap.String("record", id))
		}
	}
	return unloaded
}

// mergeWindow folds the drained batch into the signal window, keeping the
// newest tick per kind+value and dropping anything older than the recency
// horizon. Explicit unloads are consumed by applyUnloads and never enter
// the window.
func (s *Session) mergeWindow(batch []signal.Signal, now uint64) {
	type key struct {
		kind  signal.Kind
		value string
	}
	newest := make(map[key]uint64, len(s.window)+len(batch))
	for _, w := range s.window {
		newest[key{w.Kind, w.Value}] = w.Tick
	}
	for _, b := range batch {
		if b.Kind == signal.ExplicitUnload {
			continue
		}
		k := key{b.Kind, b.Value}
		if b.Tick > newest[k] {
			newest[k] = b.Tick
		}
	}

	merged := make([]signal.Signal, 0, len(newest))
	for k, tick := range newest {
		if now-tick >= s.weights.Window {
			continue
		}
		merged = append(merged, signal.Signal{Kind: k.kind, Value: k.value, Tick: tick})
	}
	// Deterministic window order regardless of map iteration.
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Tick != merged[j].Tick {
			return merged[i].Tick < merged[j].Tick
		}
		if merged[i].Kind != merged[j].Kind {
			return merged[i].Kind < merged[j].Kind
		}
		return merged[i].Value < merged[j].Value
	})
	s.window = merged
}

// scoreCatalog matches and scores every record against the window. Every
// record is re-scored each tick; being active earns no credit.
func (s *Session) scoreCatalog(window []signal.Signal, now uint64) []score.Score {
	var scores []score.Score
	for _, r := range s.cat.Records() {
		m := trigger.Match(r, window)
		if m == nil {
			continue
		}
		scores = append(scores, score.Compute(s.weights, r, m, now))
	}
	return scores
}

func (s *Session) releaseEvicted(evicted []string) error {
	for _, id := range evicted {
		if err := s.releaseEntry(id); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) releaseEntry(id string) error {
	r := s.cat.Get(id)
	if r == nil {
		return nil
	}
	for _, cap := range r.Capabilities {
		if err := s.pool.Release(cap); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) acquireAdmitted(admitted []string) {
	for _, id := range admitted {
		r := s.cat.Get(id)
		if r == nil {
			continue
		}
		for _, cap := range r.Capabilities {
			if state := s.pool.Acquire(cap); state == capability.StateDegraded {
				s.ctrl.SetDegraded(id, true)
			}
		}
	}
}

// onCapabilityState runs on the pool's dial goroutines. It re-derives the
// degraded flag for every active entry requiring the capability and
// notifies subscribers when something flips.
func (s *Session) onCapabilityState(cap string, state capability.State) {
	if state != capability.StateDegraded && state != capability.StateReady {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.phase == PhaseTearingDown {
		return
	}

	var warnings []admission.Warning
	for _, e := range s.ctrl.Snapshot() {
		r := s.cat.Get(e.RecordID)
		if r == nil || !requires(r, cap) {
			continue
		}
		degraded := state == capability.StateDegraded
		if e.Degraded == degraded {
			continue
		}
		s.ctrl.SetDegraded(e.RecordID, degraded)
		if degraded {
			warnings = append(warnings, admission.Warning{
				Kind:     WarnCapabilityDegraded,
				RecordID: e.RecordID,
				Message:  fmt.Sprintf("capability %s unavailable; %s is active but non-functional", cap, e.RecordID),
			})
		}
	}

	if len(warnings) > 0 {
		s.logger.Warn("capability degraded",
			zap.String("capability", cap),
			zap.Int("affected", len(warnings)))
		s.publishLocked(&admission.Diff{
			Tick:     s.lastTick,
			Warnings: warnings,
			Used:     s.ctrl.Used(),
			Ceiling:  s.ctrl.Ceiling(),
		})
	}
}

func requires(r *catalog.Record, cap string) bool {
	for _, c := range r.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// publishLocked fans a diff out to subscribers. Callers hold s.mu.
func (s *Session) publishLocked(d *admission.Diff) {
	for _, ch := range s.subs {
		select {
		case ch <- d:
		default:
		}
	}
}

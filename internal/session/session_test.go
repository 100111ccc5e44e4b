package session

import (
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/admission"
	"github.com/opus67/loadout/internal/capability"
	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/score"
	"github.com/opus67/loadout/internal/signal"
)

func testCatalog() *catalog.Catalog {
	records := []*catalog.Record{
		{
			ID: "code-review", Name: "Code Review", Tier: 1, TokenCost: 100,
			Trigger: catalog.Trigger{Keywords: []string{"review"}},
			Source:  "builtin",
		},
		{
			ID: "payments", Name: "Payments", Tier: 0, TokenCost: 60,
			Capabilities: []string{"stripe"},
			Trigger:      catalog.Trigger{Keywords: []string{"payment"}},
			Source:       "builtin",
		},
		{
			ID: "migrations", Name: "Migrations", Tier: 2, TokenCost: 60,
			Capabilities: []string{"supabase"},
			Trigger:      catalog.Trigger{Keywords: []string{"migration"}},
			Source:       "builtin",
		},
		{
			ID: "manual-only", Name: "Manual Only", Tier: 3, TokenCost: 100,
			Source: "builtin",
		},
	}
	return catalog.Build(records, zap.NewNop())
}

func newTestSession(t *testing.T, ceiling int, weights score.Weights, fail map[string]bool) *Session {
	t.Helper()
	logger := zap.NewNop()
	registry := capability.NewRegistry(logger)
	registry.Register(&capability.StaticProvider{Fail: fail})

	s, err := New(testCatalog(), registry, ceiling, weights, logger)
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(s.Teardown)
	return s
}

// waitDiff reads diffs until pred accepts one.
func waitDiff(t *testing.T, ch <-chan *admission.Diff, pred func(*admission.Diff) bool) *admission.Diff {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case d, ok := <-ch:
			if !ok {
				t.Fatal("diff channel closed while waiting")
			}
			if pred(d) {
				return d
			}
		case <-deadline:
			t.Fatal("no matching diff within deadline")
		}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached within deadline")
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func TestSignalAdmitsMatchingRecord(t *testing.T) {
	s := newTestSession(t, 1000, score.DefaultWeights(), nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	if tick := s.Signal(signal.Keyword, "review"); tick == 0 {
		t.Fatal("signal rejected")
	}

	d := waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Admitted, "code-review")
	})
	if d.Used != 100 {
		t.Errorf("used = %d, want 100", d.Used)
	}

	snap := s.Snapshot()
	if snap.Phase != PhaseStable {
		t.Errorf("phase = %s, want stable", snap.Phase)
	}
	if len(snap.Active) != 1 || snap.Active[0].RecordID != "code-review" {
		t.Errorf("active = %+v, want code-review only", snap.Active)
	}
}

func TestLoadAdmitsOverBudgetWithWarning(t *testing.T) {
	s := newTestSession(t, 50, score.DefaultWeights(), nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	if err := s.Load("manual-only"); err != nil {
		t.Fatalf("load: %v", err)
	}

	d := waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Admitted, "manual-only")
	})
	warned := false
	for _, w := range d.Warnings {
		if w.Kind == admission.WarnBudgetOverCeiling {
			warned = true
		}
	}
	if !warned {
		t.Error("no over-ceiling warning on exempt admission past the ceiling")
	}

	snap := s.Snapshot()
	if snap.Used != 100 {
		t.Errorf("used = %d, want 100", snap.Used)
	}
	if len(snap.Active) != 1 || !snap.Active[0].Exempt {
		t.Errorf("active = %+v, want one exempt entry", snap.Active)
	}
}

func TestLoadUnknownRecord(t *testing.T) {
	s := newTestSession(t, 1000, score.DefaultWeights(), nil)

	if err := s.Load("ghost"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("load err = %v, want ErrRecordNotFound", err)
	}
	if err := s.Unload("ghost"); !errors.Is(err, ErrRecordNotFound) {
		t.Errorf("unload err = %v, want ErrRecordNotFound", err)
	}
}

func TestUnloadRemovesExemptEntry(t *testing.T) {
	s := newTestSession(t, 1000, score.DefaultWeights(), nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	if err := s.Load("manual-only"); err != nil {
		t.Fatalf("load: %v", err)
	}
	waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Admitted, "manual-only")
	})

	if err := s.Unload("manual-only"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	waitFor(t, func() bool { return len(s.Snapshot().Active) == 0 })

	// The scrubbed load signal must not resurrect the record on a later
	// tick.
	s.Signal(signal.Keyword, "review")
	waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Admitted, "code-review")
	})
	for _, e := range s.Snapshot().Active {
		if e.RecordID == "manual-only" {
			t.Fatal("unloaded record came back without a fresh load")
		}
	}
}

func TestEvictionReleasesCapability(t *testing.T) {
	s := newTestSession(t, 100, score.DefaultWeights(), nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Signal(signal.Keyword, "migration")
	waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Admitted, "migrations")
	})
	waitFor(t, func() bool { return s.pool.Holds("supabase") })

	// A tier-0 match squeezes the tier-2 record out of the budget.
	s.Signal(signal.Keyword, "payment")
	d := waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Admitted, "payments")
	})
	if !contains(d.Evicted, "migrations") {
		t.Errorf("evicted = %v, want migrations", d.Evicted)
	}

	if s.pool.Holds("supabase") {
		t.Error("evicted record's capability still held")
	}
	waitFor(t, func() bool { return s.pool.Holds("stripe") })
}

func TestDegradedCapabilityWarning(t *testing.T) {
	s := newTestSession(t, 1000, score.DefaultWeights(), map[string]bool{"stripe": true})
	s.pool.SetDialRetry(1, time.Millisecond)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Signal(signal.Keyword, "payment")

	waitDiff(t, ch, func(d *admission.Diff) bool {
		for _, w := range d.Warnings {
			if w.Kind == WarnCapabilityDegraded && w.RecordID == "payments" {
				return true
			}
		}
		return false
	})

	// Degraded entries stay admitted and budgeted.
	snap := s.Snapshot()
	if len(snap.Active) != 1 || !snap.Active[0].Degraded {
		t.Errorf("active = %+v, want one degraded entry", snap.Active)
	}
	if snap.Used != 60 {
		t.Errorf("used = %d, want 60", snap.Used)
	}
}

func TestStaleSignalsEvict(t *testing.T) {
	w := score.DefaultWeights()
	w.Window = 3
	s := newTestSession(t, 1000, w, nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Signal(signal.Keyword, "review")
	waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Admitted, "code-review")
	})

	// Push the review signal past the recency horizon with noise.
	for _, noise := range []string{"alpha", "beta", "gamma", "delta"} {
		s.Signal(signal.Keyword, noise)
	}

	waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Evicted, "code-review")
	})
	waitFor(t, func() bool { return len(s.Snapshot().Active) == 0 })
}

func TestTeardownIsTerminal(t *testing.T) {
	s := newTestSession(t, 1000, score.DefaultWeights(), nil)
	ch, cancel := s.Subscribe()
	defer cancel()

	s.Signal(signal.Keyword, "review")
	waitDiff(t, ch, func(d *admission.Diff) bool {
		return contains(d.Admitted, "code-review")
	})

	s.Teardown()
	s.Teardown()

	if s.Phase() != PhaseTearingDown {
		t.Errorf("phase = %s, want tearing_down", s.Phase())
	}
	if tick := s.Signal(signal.Keyword, "review"); tick != 0 {
		t.Errorf("signal after teardown returned tick %d, want 0", tick)
	}
	if s.pool.Holds("stripe") || s.pool.Holds("supabase") {
		t.Error("pool still holds capabilities after teardown")
	}
}

func TestRejectsInvalidConfig(t *testing.T) {
	logger := zap.NewNop()
	registry := capability.NewRegistry(logger)
	registry.Register(capability.NewStaticProvider())

	if _, err := New(testCatalog(), registry, 0, score.DefaultWeights(), logger); err == nil {
		t.Error("accepted non-positive ceiling")
	}

	bad := score.DefaultWeights()
	bad.TierStep = 1
	if _, err := New(testCatalog(), registry, 1000, bad, logger); err == nil {
		t.Error("accepted non-dominant tier step")
	}
}

func TestManagerLifecycle(t *testing.T) {
	logger := zap.NewNop()
	registry := capability.NewRegistry(logger)
	registry.Register(capability.NewStaticProvider())
	m := NewManager(testCatalog(), registry, 1000, score.DefaultWeights(), logger)
	t.Cleanup(m.Close)

	var created []string
	m.OnCreate(func(s *Session) { created = append(created, s.ID) })

	a, err := m.Create(0) // falls back to the manager default
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	b, err := m.Create(500)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(created) != 2 {
		t.Errorf("onCreate fired %d times, want 2", len(created))
	}

	if got, err := m.Get(a.ID); err != nil || got != a {
		t.Errorf("get = %v, %v", got, err)
	}
	if got := a.Snapshot().Ceiling; got != 1000 {
		t.Errorf("default ceiling = %d, want 1000", got)
	}
	if got := b.Snapshot().Ceiling; got != 500 {
		t.Errorf("ceiling = %d, want 500", got)
	}

	snaps := m.List()
	if len(snaps) != 2 {
		t.Fatalf("list = %d sessions, want 2", len(snaps))
	}
	if snaps[0].ID > snaps[1].ID {
		t.Error("list not ordered by id")
	}

	if err := m.Remove(a.ID); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := m.Get(a.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("get removed = %v, want ErrSessionNotFound", err)
	}
	if err := m.Remove(a.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("double remove = %v, want ErrSessionNotFound", err)
	}
	if a.Phase() != PhaseTearingDown {
		t.Error("removed session not torn down")
	}
}

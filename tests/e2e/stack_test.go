package e2e

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/admission"
	"github.com/opus67/loadout/internal/capability"
	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/command"
	"github.com/opus67/loadout/internal/feed"
	"github.com/opus67/loadout/internal/gateway"
	"github.com/opus67/loadout/internal/router"
	"github.com/opus67/loadout/internal/score"
	"github.com/opus67/loadout/internal/session"
	"github.com/opus67/loadout/internal/signal"
	pgstore "github.com/opus67/loadout/internal/store"
)

func TestMain(m *testing.M) {
	ctx := context.Background()
	testLogger, _ = zap.NewDevelopment()

	pgDSN, pgCleanup, err := startPostgres(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "postgres: %v\n", err)
		os.Exit(1)
	}
	defer pgCleanup()

	testStore, err = pgstore.New(pgDSN, testLogger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "pg store: %v\n", err)
		os.Exit(1)
	}
	defer testStore.Close()

	if err := testStore.Migrate(ctx, "../../migrations"); err != nil {
		fmt.Fprintf(os.Stderr, "migrate: %v\n", err)
		os.Exit(1)
	}

	redisURL, redisCleanup, err := startRedis(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "redis: %v\n", err)
		os.Exit(1)
	}
	defer redisCleanup()
	testRedisURL = redisURL

	os.Exit(m.Run())
}

func newManager(ceiling int) *session.Manager {
	registry := capability.NewRegistry(testLogger)
	registry.Register(capability.NewStaticProvider())
	cat := catalog.Build(catalog.Builtins(), testLogger)
	return session.NewManager(cat, registry, ceiling, score.DefaultWeights(), testLogger)
}

func TestRecordPersistence(t *testing.T) {
	ctx := context.Background()

	records := []catalog.Record{
		{
			ID: "terraform", Name: "Terraform", Description: "Infra modules",
			Tier: 2, TokenCost: 2000,
			Capabilities: []string{"context7"},
			Trigger: catalog.Trigger{
				Keywords:    []string{"terraform", "plan"},
				Extensions:  []string{".tf"},
				DirPrefixes: []string{"infra"},
			},
		},
		{
			ID: "grafana", Name: "Grafana", Tier: 3, TokenCost: 1500,
			Trigger: catalog.Trigger{Keywords: []string{"dashboard"}},
		},
	}
	for _, r := range records {
		if err := testStore.UpsertRecord(ctx, r); err != nil {
			t.Fatalf("upsert %s: %v", r.ID, err)
		}
	}

	// Upsert with the same id updates in place.
	records[1].TokenCost = 1800
	if err := testStore.UpsertRecord(ctx, records[1]); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	loaded, err := testStore.LoadRecords(ctx)
	if err != nil {
		t.Fatalf("load records: %v", err)
	}
	if len(loaded) != 2 {
		t.Fatalf("loaded %d records, want 2", len(loaded))
	}
	if loaded[0].ID != "grafana" || loaded[1].ID != "terraform" {
		t.Errorf("order = [%s %s], want ordered by id", loaded[0].ID, loaded[1].ID)
	}
	if loaded[0].TokenCost != 1800 {
		t.Errorf("token_cost = %d, want updated 1800", loaded[0].TokenCost)
	}
	tf := loaded[1]
	if len(tf.Capabilities) != 1 || tf.Capabilities[0] != "context7" {
		t.Errorf("capabilities = %v", tf.Capabilities)
	}
	if len(tf.Trigger.Keywords) != 2 || len(tf.Trigger.Extensions) != 1 || len(tf.Trigger.DirPrefixes) != 1 {
		t.Errorf("trigger = %+v", tf.Trigger)
	}
	if tf.Source != "postgres" {
		t.Errorf("source = %q, want postgres", tf.Source)
	}

	for _, r := range records {
		if err := testStore.DeleteRecord(ctx, r.ID); err != nil {
			t.Fatalf("delete %s: %v", r.ID, err)
		}
	}
	if err := testStore.DeleteRecord(ctx, "ghost"); err == nil {
		t.Error("delete of missing record succeeded")
	}
}

func TestActivationLog(t *testing.T) {
	ctx := context.Background()
	sessionID := "e2e-activation-log"

	for tick := uint64(1); tick <= 3; tick++ {
		d := &admission.Diff{
			Tick:     tick,
			Admitted: []string{fmt.Sprintf("rec-%d", tick)},
			Used:     int(tick) * 100,
			Ceiling:  30000,
		}
		if err := testStore.AppendDiff(ctx, sessionID, d); err != nil {
			t.Fatalf("append tick %d: %v", tick, err)
		}
	}

	events, err := testStore.RecentDiffs(ctx, sessionID, 2)
	if err != nil {
		t.Fatalf("recent diffs: %v", err)
	}
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Tick != 3 || events[1].Tick != 2 {
		t.Errorf("ticks = [%d %d], want newest first", events[0].Tick, events[1].Tick)
	}
	if events[0].Diff == nil || events[0].Diff.Admitted[0] != "rec-3" {
		t.Errorf("diff payload = %+v", events[0].Diff)
	}

	other, err := testStore.RecentDiffs(ctx, "some-other-session", 10)
	if err != nil {
		t.Fatalf("recent diffs: %v", err)
	}
	if len(other) != 0 {
		t.Errorf("foreign session returned %d events", len(other))
	}
}

func TestFeedSignalStream(t *testing.T) {
	f, err := feed.New(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch := f.Signals(ctx, "stream-test")
	// XRead starts at the stream tail; give the reader a moment to block
	// before publishing.
	time.Sleep(300 * time.Millisecond)

	want := []feed.SignalEvent{
		{Kind: signal.Keyword, Value: "review"},
		{Kind: signal.FileTouched, Value: "main.go"},
	}
	for i := range want {
		if err := f.PublishSignal(ctx, "stream-test", &want[i]); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	for i := range want {
		select {
		case got := <-ch:
			if got.Kind != want[i].Kind || got.Value != want[i].Value {
				t.Errorf("event %d = %+v, want %+v", i, got, want[i])
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestFeedSessionAttach(t *testing.T) {
	f, err := feed.New(testRedisURL, testLogger)
	if err != nil {
		t.Fatalf("feed: %v", err)
	}
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	manager := newManager(30000)
	defer manager.Close()
	manager.OnCreate(func(s *session.Session) { f.Attach(ctx, s) })

	sess, err := manager.Create(0)
	if err != nil {
		t.Fatalf("create session: %v", err)
	}

	// Republish until the pump picks the signal up and the session
	// admits the matching record.
	deadline := time.Now().Add(10 * time.Second)
	ev := &feed.SignalEvent{Kind: signal.Keyword, Value: "review"}
	for time.Now().Before(deadline) {
		if err := f.PublishSignal(ctx, sess.ID, ev); err != nil {
			t.Fatalf("publish: %v", err)
		}
		for _, e := range sess.Snapshot().Active {
			if e.RecordID == "code-review" {
				return
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	t.Fatal("feed signal never reached the session")
}

func TestGatewayChatFlow(t *testing.T) {
	manager := newManager(2000)
	defer manager.Close()
	cat := catalog.Build(catalog.Builtins(), testLogger)

	commands := command.NewRegistry()
	command.RegisterBuiltins(commands)

	gw := gateway.NewGateway(testLogger)
	broadcaster := gateway.NewBroadcaster(gw, testLogger)
	capture := &CaptureAdapter{}

	msgRouter := router.New(manager, cat, gw, commands, testStore, broadcaster, testLogger)

	// SetHandler before Register: the handler is captured at registration time
	gw.SetHandler(msgRouter.Handle)
	gw.Register(capture)

	inject := func(content string) string {
		t.Helper()
		capture.Reset()
		capture.Inject(&gateway.InboundMessage{
			ChannelID: "chan-1",
			UserID:    "u1",
			UserName:  "tester",
			Content:   content,
			Timestamp: time.Now(),
		})
		sent := capture.Sent()
		if len(sent) == 0 {
			t.Fatalf("no reply for %q", content)
		}
		return sent[len(sent)-1].Content
	}

	reply := inject("please review this diff before merge")
	if !strings.Contains(reply, "Selection updated") || !strings.Contains(reply, "code-review") {
		t.Errorf("chat reply = %q, want code-review admission", reply)
	}

	reply = inject("/skills")
	if !strings.Contains(reply, "sql-migrations") {
		t.Errorf("/skills reply = %q", reply)
	}

	reply = inject("/load payments")
	if !strings.Contains(reply, "Pinned payments") {
		t.Errorf("/load reply = %q", reply)
	}

	// The pin settles on the session's next tick; poll until it shows up.
	deadline := time.Now().Add(3 * time.Second)
	for {
		reply = inject("/active")
		if strings.Contains(reply, "payments") && strings.Contains(reply, "pinned") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("/active reply = %q, want pinned payments", reply)
		}
		time.Sleep(100 * time.Millisecond)
	}

	reply = inject("/budget")
	if !strings.Contains(reply, "payments") || !strings.Contains(reply, "outside budget") {
		t.Errorf("/budget reply = %q", reply)
	}
}

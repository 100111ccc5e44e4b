package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/opus67/loadout/internal/admission"
	"github.com/opus67/loadout/internal/capability"
	"github.com/opus67/loadout/internal/catalog"
	"github.com/opus67/loadout/internal/gateway"
	"github.com/opus67/loadout/internal/score"
	"github.com/opus67/loadout/internal/session"
)

// newTestHandler creates a Handler wired with in-memory deps (no Postgres/Redis).
func newTestHandler(t *testing.T) (*Handler, http.Handler) {
	t.Helper()
	logger := zap.NewNop()

	cat := catalog.Build([]*catalog.Record{
		{ID: "code-review", Name: "Code Review", Tier: 1, TokenCost: 1200,
			Trigger: catalog.Trigger{Keywords: []string{"review"}}},
		{ID: "payments", Name: "Payments", Tier: 3, TokenCost: 4000,
			Trigger: catalog.Trigger{Keywords: []string{"stripe"}}},
		{ID: "", Name: "broken", TokenCost: 10},
	}, logger)

	registry := capability.NewRegistry(logger)
	registry.Register(capability.NewStaticProvider())

	manager := session.NewManager(cat, registry, 30000, score.DefaultWeights(), logger)
	t.Cleanup(manager.Close)

	gw := gateway.NewGateway(logger)
	broadcaster := gateway.NewBroadcaster(gw, logger)
	restGW := gateway.NewRESTAdapter(logger)

	h := NewHandler(manager, cat, broadcaster, restGW, nil, logger)
	return h, h.Router()
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func deleteReq(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	req, _ := http.NewRequest("DELETE", ts.URL+path, nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("DELETE %s: %v", path, err)
	}
	return resp
}

// waitForDiff polls the diff endpoint until the session reaches the tick.
func waitForDiff(t *testing.T, ts *httptest.Server, sessionID string, tick uint64) *admission.Diff {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		resp := getJSON(t, ts, "/api/sessions/"+sessionID+"/diff")
		if resp.StatusCode == 200 {
			var d admission.Diff
			decodeJSON(t, resp, &d)
			if d.Tick >= tick {
				return &d
			}
		} else {
			resp.Body.Close()
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("session %s never reached tick %d", sessionID, tick)
	return nil
}

// --- Tests ---

func TestHealthCheck(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var body map[string]string
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
	if body["service"] != "loadout" {
		t.Errorf("expected service loadout, got %q", body["service"])
	}
}

func TestCatalogEndpoints(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := getJSON(t, ts, "/api/catalog")
	if resp.StatusCode != 200 {
		t.Fatalf("list catalog: expected 200, got %d", resp.StatusCode)
	}
	var records []catalog.Record
	decodeJSON(t, resp, &records)
	if len(records) != 2 {
		t.Errorf("expected 2 records, got %d", len(records))
	}

	resp = getJSON(t, ts, "/api/catalog/code-review")
	if resp.StatusCode != 200 {
		t.Fatalf("get record: expected 200, got %d", resp.StatusCode)
	}
	var rec catalog.Record
	decodeJSON(t, resp, &rec)
	if rec.TokenCost != 1200 {
		t.Errorf("expected cost 1200, got %d", rec.TokenCost)
	}

	resp = getJSON(t, ts, "/api/catalog/nope")
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 for missing record, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// The invalid record lands on the excluded list, not the catalog.
	resp = getJSON(t, ts, "/api/catalog/excluded")
	var excluded []catalog.Excluded
	decodeJSON(t, resp, &excluded)
	if len(excluded) != 1 {
		t.Errorf("expected 1 excluded record, got %d", len(excluded))
	}
}

func TestSessionLifecycle(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions", map[string]int{"ceiling": 5000})
	if resp.StatusCode != 201 {
		t.Fatalf("create session: expected 201, got %d", resp.StatusCode)
	}
	var snap session.Snapshot
	decodeJSON(t, resp, &snap)
	if snap.ID == "" {
		t.Fatal("expected non-empty session id")
	}
	if snap.Ceiling != 5000 {
		t.Errorf("expected ceiling 5000, got %d", snap.Ceiling)
	}

	resp = getJSON(t, ts, "/api/sessions")
	var all []session.Snapshot
	decodeJSON(t, resp, &all)
	if len(all) != 1 {
		t.Errorf("expected 1 session, got %d", len(all))
	}

	resp = getJSON(t, ts, "/api/sessions/"+snap.ID)
	if resp.StatusCode != 200 {
		t.Fatalf("get session: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = deleteReq(t, ts, "/api/sessions/"+snap.ID)
	if resp.StatusCode != 200 {
		t.Fatalf("teardown: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = getJSON(t, ts, "/api/sessions/"+snap.ID)
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 after teardown, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSignalsToActivation(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions", nil)
	var snap session.Snapshot
	decodeJSON(t, resp, &snap)

	resp = postJSON(t, ts, "/api/sessions/"+snap.ID+"/signals", []map[string]string{
		{"kind": "keyword", "value": "review"},
		{"kind": "bogus", "value": "x"},
	})
	if resp.StatusCode != 202 {
		t.Fatalf("signals: expected 202, got %d", resp.StatusCode)
	}
	var sr signalResponse
	decodeJSON(t, resp, &sr)
	if sr.Accepted != 1 || sr.Rejected != 1 {
		t.Fatalf("expected 1 accepted and 1 rejected, got %+v", sr)
	}

	d := waitForDiff(t, ts, snap.ID, sr.LastTick)
	if len(d.Admitted) != 1 || d.Admitted[0] != "code-review" {
		t.Fatalf("expected code-review admitted, got %+v", d.Admitted)
	}

	resp = getJSON(t, ts, "/api/sessions/"+snap.ID+"/activations")
	var active []admission.Entry
	decodeJSON(t, resp, &active)
	if len(active) != 1 || active[0].RecordID != "code-review" {
		t.Errorf("expected code-review active, got %+v", active)
	}
}

func TestExplicitLoadUnload(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions", nil)
	var snap session.Snapshot
	decodeJSON(t, resp, &snap)

	resp = postJSON(t, ts, "/api/sessions/"+snap.ID+"/load", map[string]string{"record_id": "payments"})
	if resp.StatusCode != 202 {
		t.Fatalf("load: expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	d := waitForDiff(t, ts, snap.ID, 1)
	if len(d.Admitted) != 1 || d.Admitted[0] != "payments" {
		t.Fatalf("expected payments admitted, got %+v", d.Admitted)
	}

	resp = postJSON(t, ts, "/api/sessions/"+snap.ID+"/load", map[string]string{"record_id": "ghost"})
	if resp.StatusCode != 404 {
		t.Errorf("expected 404 for unknown record, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	resp = postJSON(t, ts, "/api/sessions/"+snap.ID+"/unload", map[string]string{"record_id": "payments"})
	if resp.StatusCode != 202 {
		t.Fatalf("unload: expected 202, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestActivationLogUnconfigured(t *testing.T) {
	_, router := newTestHandler(t)
	ts := httptest.NewServer(router)
	defer ts.Close()

	resp := postJSON(t, ts, "/api/sessions", nil)
	var snap session.Snapshot
	decodeJSON(t, resp, &snap)

	resp = getJSON(t, ts, "/api/sessions/"+snap.ID+"/log")
	if resp.StatusCode != 503 {
		t.Errorf("expected 503 without store, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

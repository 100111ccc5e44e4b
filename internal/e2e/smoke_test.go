//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"
)

var baseURL string

func TestMain(m *testing.M) {
	baseURL = os.Getenv("LOADOUT_BASE_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	// Wait for server readiness (up to 30s)
	ready := false
	for i := 0; i < 30; i++ {
		resp, err := http.Get(baseURL + "/api/health")
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready = true
				break
			}
		}
		time.Sleep(1 * time.Second)
	}
	if !ready {
		fmt.Fprintf(os.Stderr, "server at %s not ready after 30s\n", baseURL)
		os.Exit(1)
	}

	os.Exit(m.Run())
}

// messageRequest is the payload sent to the REST gateway.
type messageRequest struct {
	ChannelID string `json:"channel_id"`
	UserID    string `json:"user_id"`
	UserName  string `json:"user_name"`
	Content   string `json:"content"`
}

// messageResponse is the outbound message returned by the REST gateway.
type messageResponse struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"channel_id"`
	Content   string `json:"content"`
	ReplyTo   string `json:"reply_to,omitempty"`
}

// sendMessage POSTs a chat message through the REST gateway and returns the
// response content. The fixed channel id keeps every call on one session.
func sendMessage(t *testing.T, content string) string {
	t.Helper()

	body, err := json.Marshal(messageRequest{
		ChannelID: "smoke-test",
		UserID:    "smoke-test",
		UserName:  "smokebot",
		Content:   content,
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Post(
		baseURL+"/api/gateway/rest/message",
		"application/json",
		bytes.NewReader(body),
	)
	if err != nil {
		t.Fatalf("POST /api/gateway/rest/message: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read response body: %v", err)
	}

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, string(raw))
	}

	var msg messageResponse
	if err := json.Unmarshal(raw, &msg); err != nil {
		t.Fatalf("unmarshal response: %v (body: %s)", err, string(raw))
	}
	return msg.Content
}

func TestSlashHelp(t *testing.T) {
	reply := sendMessage(t, "/help")
	if !strings.Contains(reply, "/help") {
		t.Errorf("expected response to contain '/help', got: %s", reply)
	}
	t.Logf("reply: %.200s", reply)
}

func TestSlashSkills(t *testing.T) {
	reply := sendMessage(t, "/skills")
	if len(reply) == 0 {
		t.Error("expected non-empty catalog listing")
	}
	t.Logf("reply: %.200s", reply)
}

func TestChatAdmitsRecord(t *testing.T) {
	reply := sendMessage(t, "please review this diff before merge")
	if !strings.Contains(reply, "Selection") {
		t.Errorf("expected a selection reply, got: %s", reply)
	}
	t.Logf("reply: %.200s", reply)
}

func TestPinUnpin(t *testing.T) {
	reply := sendMessage(t, "/load payments")
	if !strings.Contains(reply, "payments") {
		t.Errorf("unexpected /load reply: %s", reply)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		reply = sendMessage(t, "/active")
		if strings.Contains(reply, "payments") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("pinned record never showed up in /active: %s", reply)
		}
		time.Sleep(200 * time.Millisecond)
	}

	reply = sendMessage(t, "/unload payments")
	if !strings.Contains(reply, "payments") {
		t.Errorf("unexpected /unload reply: %s", reply)
	}
}

func TestCatalogEndpoint(t *testing.T) {
	resp, err := http.Get(baseURL + "/api/catalog")
	if err != nil {
		t.Fatalf("GET /api/catalog: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d", resp.StatusCode)
	}
	var records []map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	if len(records) == 0 {
		t.Error("catalog is empty")
	}
}

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "Loadout server URL")
	ceiling := flag.Int("ceiling", 0, "Session token ceiling (0 = server default)")
	flag.Parse()

	fmt.Println("Loadout CLI")
	fmt.Printf("Server: %s\n", *server)
	fmt.Println("Type 'exit' or 'quit' to leave.")
	fmt.Println("Signals: kw:<word> file:<path> dir:<path>, or plain keywords.")
	fmt.Println("Commands: /skills /active /budget /load <id> /unload <id>")
	fmt.Println("---")

	sessionID := createSession(*server, *ceiling)
	if sessionID == "" {
		return
	}
	fmt.Printf("Session: %s\n", sessionID)
	defer teardown(*server, sessionID)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("\n> ")
		if !scanner.Scan() {
			break
		}
		input := strings.TrimSpace(scanner.Text())
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			fmt.Println("Bye!")
			return
		}
		if strings.HasPrefix(input, "/") {
			runCommand(*server, sessionID, input)
			continue
		}

		sendSignals(*server, sessionID, input)
	}
}

func createSession(server string, ceiling int) string {
	body, _ := json.Marshal(map[string]int{"ceiling": ceiling})
	resp, err := http.Post(server+"/api/sessions", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("Failed to create session: %v", err)
		return ""
	}
	defer resp.Body.Close()

	var snap struct {
		ID      string `json:"id"`
		Ceiling int    `json:"ceiling"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		printError("Failed to parse session: %v", err)
		return ""
	}
	return snap.ID
}

func teardown(server, sessionID string) {
	req, _ := http.NewRequest("DELETE", server+"/api/sessions/"+sessionID, nil)
	if resp, err := http.DefaultClient.Do(req); err == nil {
		resp.Body.Close()
	}
}

// sendSignals parses prefixed tokens into typed signals and posts the batch.
func sendSignals(server, sessionID, input string) {
	type sig struct {
		Kind  string `json:"kind"`
		Value string `json:"value"`
	}
	var batch []sig
	for _, tok := range strings.Fields(input) {
		switch {
		case strings.HasPrefix(tok, "kw:"):
			batch = append(batch, sig{Kind: "keyword", Value: strings.TrimPrefix(tok, "kw:")})
		case strings.HasPrefix(tok, "file:"):
			batch = append(batch, sig{Kind: "file_touched", Value: strings.TrimPrefix(tok, "file:")})
		case strings.HasPrefix(tok, "dir:"):
			batch = append(batch, sig{Kind: "directory_entered", Value: strings.TrimPrefix(tok, "dir:")})
		default:
			batch = append(batch, sig{Kind: "keyword", Value: tok})
		}
	}
	if len(batch) == 0 {
		return
	}

	body, _ := json.Marshal(batch)
	resp, err := http.Post(server+"/api/sessions/"+sessionID+"/signals",
		"application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}

	var accepted struct {
		Accepted int    `json:"accepted"`
		Rejected int    `json:"rejected"`
		LastTick uint64 `json:"last_tick"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&accepted); err != nil {
		printError("Failed to parse response: %v", err)
		return
	}
	if accepted.Rejected > 0 {
		fmt.Printf("(%d signal(s) rejected)\n", accepted.Rejected)
	}

	showDiff(server, sessionID, accepted.LastTick)
}

// showDiff polls until the session has evaluated the tick, then renders it.
func showDiff(server, sessionID string, tick uint64) {
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(server + "/api/sessions/" + sessionID + "/diff")
		if err != nil {
			printError("Request failed: %v", err)
			return
		}
		var diff struct {
			Tick     uint64   `json:"tick"`
			Admitted []string `json:"admitted"`
			Evicted  []string `json:"evicted"`
			Warnings []struct {
				Message string `json:"message"`
			} `json:"warnings"`
			Used    int `json:"used"`
			Ceiling int `json:"ceiling"`
		}
		ok := resp.StatusCode == http.StatusOK &&
			json.NewDecoder(resp.Body).Decode(&diff) == nil
		resp.Body.Close()

		if ok && diff.Tick >= tick {
			for _, id := range diff.Admitted {
				fmt.Printf("\033[32m+ %s\033[0m\n", id)
			}
			for _, id := range diff.Evicted {
				fmt.Printf("\033[31m- %s\033[0m\n", id)
			}
			for _, w := range diff.Warnings {
				fmt.Printf("\033[33m! %s\033[0m\n", w.Message)
			}
			if len(diff.Admitted) == 0 && len(diff.Evicted) == 0 {
				fmt.Println("Selection unchanged.")
			}
			fmt.Printf("Budget: %d/%d tokens\n", diff.Used, diff.Ceiling)
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	fmt.Println("(evaluation still pending)")
}

func runCommand(server, sessionID, input string) {
	parts := strings.SplitN(input, " ", 2)
	arg := ""
	if len(parts) > 1 {
		arg = strings.TrimSpace(parts[1])
	}

	switch parts[0] {
	case "/skills":
		fetchCatalog(server)
	case "/active":
		fetchActivations(server, sessionID)
	case "/budget":
		fetchBudget(server, sessionID)
	case "/load", "/unload":
		if arg == "" {
			printError("Usage: %s <record-id>", parts[0])
			return
		}
		explicit(server, sessionID, strings.TrimPrefix(parts[0], "/"), arg)
	default:
		printError("Unknown command: %s", parts[0])
	}
}

func fetchCatalog(server string) {
	resp, err := http.Get(server + "/api/catalog")
	if err != nil {
		printError("Failed to fetch catalog: %v", err)
		return
	}
	defer resp.Body.Close()

	var records []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		Tier      int    `json:"tier"`
		TokenCost int    `json:"token_cost"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		printError("Failed to parse catalog: %v", err)
		return
	}
	fmt.Println("Catalog:")
	for _, r := range records {
		fmt.Printf("  %s (tier %d, %d tokens) %s\n", r.ID, r.Tier, r.TokenCost, r.Name)
	}
}

func fetchActivations(server, sessionID string) {
	resp, err := http.Get(server + "/api/sessions/" + sessionID + "/activations")
	if err != nil {
		printError("Failed to fetch activations: %v", err)
		return
	}
	defer resp.Body.Close()

	var active []struct {
		RecordID string `json:"record_id"`
		Exempt   bool   `json:"exempt"`
		Degraded bool   `json:"degraded"`
		Score    struct {
			Value float64 `json:"value"`
		} `json:"score"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&active); err != nil {
		printError("Failed to parse activations: %v", err)
		return
	}
	if len(active) == 0 {
		fmt.Println("Nothing admitted yet.")
		return
	}
	fmt.Println("Active:")
	for _, e := range active {
		flags := ""
		if e.Exempt {
			flags += " [pinned]"
		}
		if e.Degraded {
			flags += " \033[33m[degraded]\033[0m"
		}
		fmt.Printf("  %s score=%.1f%s\n", e.RecordID, e.Score.Value, flags)
	}
}

func fetchBudget(server, sessionID string) {
	resp, err := http.Get(server + "/api/sessions/" + sessionID)
	if err != nil {
		printError("Failed to fetch session: %v", err)
		return
	}
	defer resp.Body.Close()

	var snap struct {
		Used    int `json:"used"`
		Ceiling int `json:"ceiling"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&snap); err != nil {
		printError("Failed to parse session: %v", err)
		return
	}
	fmt.Printf("Budget: %d/%d tokens\n", snap.Used, snap.Ceiling)
}

func explicit(server, sessionID, op, recordID string) {
	body, _ := json.Marshal(map[string]string{"record_id": recordID})
	resp, err := http.Post(server+"/api/sessions/"+sessionID+"/"+op,
		"application/json", bytes.NewReader(body))
	if err != nil {
		printError("Request failed: %v", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		printError("Server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	showDiff(server, sessionID, 1)
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}

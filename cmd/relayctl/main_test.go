package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"OpenLLM-Relay/internal/cache"
)

func runCLI(t *testing.T, args []string, stdin string) (string, string, error) {
	t.Helper()
	cmd := newRootCommand()
	var stdout, stderr bytes.Buffer
	cmd.SetOut(&stdout)
	cmd.SetErr(&stderr)
	cmd.SetIn(strings.NewReader(stdin))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return stdout.String(), stderr.String(), err
}

func TestKeyCommandMatchesCacheKey(t *testing.T) {
	out, _, err := runCLI(t, []string{"key", "--prefix", "test", "-s", "sys", "-m", "hello"}, "")
	if err != nil {
		t.Fatalf("key: %v", err)
	}
	if strings.TrimSpace(out) != cache.Key("test", "sys", "hello") {
		t.Fatalf("unexpected key %q", out)
	}
}

func TestCompleteCommandReadsStdin(t *testing.T) {
	var got struct {
		SystemPrompt string `json:"system_prompt"`
		UserMessage  string `json:"user_message"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing token header")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"text":"pong","cached":true,"request_id":"r"}`))
	}))
	defer srv.Close()

	out, errOut, err := runCLI(t, []string{"--server", srv.URL, "--token", "secret", "complete", "-s", "be brief", "-f", "-"}, "ping")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if got.SystemPrompt != "be brief" || got.UserMessage != "ping" {
		t.Fatalf("unexpected request: %+v", got)
	}
	if strings.TrimSpace(out) != "pong" || !strings.Contains(errOut, "cached") {
		t.Fatalf("unexpected output: %q / %q", out, errOut)
	}
}

func TestCompleteCommandRequiresMessage(t *testing.T) {
	if _, _, err := runCLI(t, []string{"--server", "http://127.0.0.1:1", "complete"}, ""); err == nil {
		t.Fatalf("expected error without message")
	}
}

func TestStatsCommandJSON(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/stats" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"total_requests":4,"cache_hits":2,"errors":{"REMOTE_FATAL":1}}`))
	}))
	defer srv.Close()

	out, _, err := runCLI(t, []string{"--server", srv.URL, "stats"}, "")
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if !strings.Contains(out, "Requests:      4") || !strings.Contains(out, "REMOTE_FATAL") {
		t.Fatalf("unexpected stats output: %q", out)
	}

	out, _, err = runCLI(t, []string{"--server", srv.URL, "--json", "stats"}, "")
	if err != nil {
		t.Fatalf("stats json: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(out), &decoded); err != nil || decoded["total_requests"].(float64) != 4 {
		t.Fatalf("unexpected json output: %q %v", out, err)
	}
}

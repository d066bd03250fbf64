package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"meterbox/internal/api"
)

func TestRootCommandRegistersSubcommands(t *testing.T) {
	root := newRootCommand()

	want := []string{"status", "capture", "artifacts", "settings", "regions", "config"}
	have := map[string]bool{}
	for _, cmd := range root.Commands() {
		have[cmd.Name()] = true
	}
	for _, name := range want {
		if !have[name] {
			t.Errorf("missing subcommand %q", name)
		}
	}
}

func TestRenderTableFallsBackToPlainOutput(t *testing.T) {
	// Tests never run on a terminal, so the plain branch is what renders.
	out := renderTable(
		[]string{"Name", "Value"},
		[][]string{{"a", "1"}, {"b", "2"}},
		nil,
	)
	lines := strings.Split(out, "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %d, want 3: %q", len(lines), out)
	}
	if lines[0] != "Name\tValue" || lines[1] != "a\t1" {
		t.Errorf("unexpected output: %q", out)
	}
}

func TestAPIClientDecodesStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/status" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(api.StatusResponse{State: "active", BootCount: 3})
	}))
	defer ts.Close()

	client := newAPIClient(strings.TrimPrefix(ts.URL, "http://"))
	status, err := client.status(context.Background())
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.State != "active" || status.BootCount != 3 {
		t.Errorf("status = %+v", status)
	}
}

func TestAPIClientSurfacesDaemonError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(api.ErrorResponse{Error: "sleep_seconds 5 below minimum 30"})
	}))
	defer ts.Close()

	client := newAPIClient(ts.URL)
	_, err := client.updateSettings(context.Background(), api.OperationalSettings{SleepSeconds: 5})
	if err == nil || !strings.Contains(err.Error(), "below minimum") {
		t.Fatalf("err = %v", err)
	}
}

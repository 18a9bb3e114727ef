package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"hub/server/internal/registry"
	"hub/server/internal/store"
)

func TestHealthAndState(t *testing.T) {
	hub := registry.NewHub(500)
	hub.Register("alice", nil)

	api := New(hub, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	healthResp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	defer healthResp.Body.Close()
	if healthResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 from /health, got %d", healthResp.StatusCode)
	}
	var health healthResponse
	if err := json.NewDecoder(healthResp.Body).Decode(&health); err != nil {
		t.Fatalf("decode health: %v", err)
	}
	if health.Status != "ok" || health.Users != 1 {
		t.Fatalf("unexpected health payload: %#v", health)
	}

	stateResp, err := http.Get(ts.URL + "/api/state")
	if err != nil {
		t.Fatalf("GET /api/state: %v", err)
	}
	defer stateResp.Body.Close()
	var state stateResponse
	if err := json.NewDecoder(stateResp.Body).Decode(&state); err != nil {
		t.Fatalf("decode state: %v", err)
	}
	if len(state.Users) != 1 || state.Users[0].Name != "alice" {
		t.Fatalf("unexpected state payload: %#v", state)
	}
}

func TestAuditRouteAbsentWithoutStore(t *testing.T) {
	hub := registry.NewHub(500)
	api := New(hub, nil)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/audit")
	if err != nil {
		t.Fatalf("GET /api/audit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 when no audit store configured, got %d", resp.StatusCode)
	}
}

func TestAuditRoute(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "hub.db")
	st, err := store.Open(dbPath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer st.Close()
	if err := st.RecordEvent(context.Background(), 1, "alice", "join", ""); err != nil {
		t.Fatalf("record event: %v", err)
	}

	hub := registry.NewHub(500)
	api := New(hub, st)
	ts := httptest.NewServer(api.Echo())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/audit")
	if err != nil {
		t.Fatalf("GET /api/audit: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	var events []auditEventResponse
	if err := json.NewDecoder(resp.Body).Decode(&events); err != nil {
		t.Fatalf("decode audit: %v", err)
	}
	if len(events) != 1 || events[0].Event != "join" {
		t.Fatalf("unexpected audit payload: %#v", events)
	}
}

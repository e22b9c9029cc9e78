package handlers

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

type stubConnections struct {
	count int
	ids   []string
}

func (s stubConnections) Count() int             { return s.count }
func (s stubConnections) ConnectedIDs() []string { return s.ids }

type stubCalls struct{ active int }

func (s stubCalls) ActiveCount() int { return s.active }

func TestHealthHandler(t *testing.T) {
	handler := HealthHandler{}

	rec := httptest.NewRecorder()
	handler.Handle(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["status"] != "ok" {
		t.Fatalf("unexpected payload %v", payload)
	}

	rec = httptest.NewRecorder()
	handler.Handle(rec, httptest.NewRequest(http.MethodPost, "/healthz", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST, got %d", rec.Code)
	}
}

func TestStatsHandler(t *testing.T) {
	handler := StatsHandler{
		Connections: stubConnections{count: 2, ids: []string{"alice", "bob"}},
		Calls:       stubCalls{active: 1},
	}

	rec := httptest.NewRecorder()
	handler.Handle(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var payload struct {
		Connections int      `json:"connections"`
		ActiveCalls int      `json:"active_calls"`
		Users       []string `json:"users"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload.Connections != 2 || payload.ActiveCalls != 1 || len(payload.Users) != 2 {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestStatsHandlerMisconfigured(t *testing.T) {
	handler := StatsHandler{}

	rec := httptest.NewRecorder()
	handler.Handle(rec, httptest.NewRequest(http.MethodGet, "/api/v1/stats", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 without collaborators, got %d", rec.Code)
	}
}

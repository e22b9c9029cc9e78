package handlers

import "net/http"

// ConnectionCounter reports live session counts.
type ConnectionCounter interface {
	Count() int
	ConnectedIDs() []string
}

// CallCounter reports live call counts.
type CallCounter interface {
	ActiveCount() int
}

// StatsHandler exposes a connections/calls snapshot for operators.
type StatsHandler struct {
	Connections ConnectionCounter
	Calls       CallCounter
}

// Handle implements GET /api/v1/stats.
func (h StatsHandler) Handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	if h.Connections == nil || h.Calls == nil {
		respondJSON(w, http.StatusInternalServerError, map[string]string{"error": "stats unavailable"})
		return
	}

	respondJSON(w, http.StatusOK, map[string]any{
		"connections":  h.Connections.Count(),
		"active_calls": h.Calls.ActiveCount(),
		"users":        h.Connections.ConnectedIDs(),
	})
}

package handlers

import "net/http"

// RegisterRoutes wires HTTP handlers into the provided ServeMux.
func RegisterRoutes(mux *http.ServeMux, deps Dependencies) {
	health := HealthHandler{}
	stats := StatsHandler{Connections: deps.Connections, Calls: deps.Calls}

	mux.HandleFunc("/healthz", health.Handle)
	mux.HandleFunc("/api/v1/stats", stats.Handle)
	mux.HandleFunc("/ws", deps.Gateway.ServeHTTP)
}

// Dependencies aggregates collaborators required by HTTP handlers.
type Dependencies struct {
	Connections ConnectionCounter
	Calls       CallCounter
	Gateway     http.Handler
}

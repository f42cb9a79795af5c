package handlers

import (
	"encoding/json"
	"net/http"
)

type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
}

// Health returns the liveness status of the process.
func Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok", Version: version})
	}
}

// Ready reports 503 once the service has started shutting down.
func Ready(shuttingDown func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if shuttingDown() {
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "shutting down"})
			return
		}
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ready"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

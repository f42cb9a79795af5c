package handlers

import (
	"net/http"

	"github.com/websoft9/serissh/internal/supervisor"
)

type SessionsResponse struct {
	Sessions []supervisor.SessionSnapshot `json:"sessions"`
}

// ListSessions returns every live bridge, oldest first.
func ListSessions(list func() []supervisor.SessionSnapshot) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessions := list()
		if sessions == nil {
			sessions = []supervisor.SessionSnapshot{}
		}
		writeJSON(w, http.StatusOK, SessionsResponse{Sessions: sessions})
	}
}

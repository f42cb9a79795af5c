package middleware

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"

	"github.com/websoft9/serissh/internal/audit"
)

type contextKey string

const userKey contextKey = "user"

// Authenticator decides whether a user/password pair may log in.
// sshd.StaticCredentials satisfies it, so HTTP and SSH share one login.
type Authenticator interface {
	Authenticate(user, password string) bool
}

// BasicAuth checks HTTP basic credentials against auth.
func BasicAuth(realm string, auth Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, password, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
				http.Error(w, "Missing credentials", http.StatusUnauthorized)
				return
			}

			accepted := auth.Authenticate(user, password)
			status := audit.StatusSuccess
			if !accepted {
				status = audit.StatusFailed
			}
			audit.Write(log.Logger, audit.Entry{
				User:         user,
				Action:       audit.ActionAuth,
				ResourceType: "http",
				Status:       status,
				IP:           r.RemoteAddr,
			})

			if !accepted {
				w.Header().Set("WWW-Authenticate", `Basic realm="`+realm+`"`)
				http.Error(w, "Invalid credentials", http.StatusUnauthorized)
				return
			}

			log.Debug().Str("user", user).Msg("User authenticated")
			ctx := context.WithValue(r.Context(), userKey, user)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetUser extracts the authenticated user from context
func GetUser(ctx context.Context) string {
	if user, ok := ctx.Value(userKey).(string); ok {
		return user
	}
	return ""
}

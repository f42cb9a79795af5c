// Package server is the optional HTTP surface: health checks, a JSON listing
// of live bridges and a WebSocket attach endpoint for browser terminals.
package server

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/serissh/internal/config"
	"github.com/websoft9/serissh/internal/server/handlers"
	"github.com/websoft9/serissh/internal/server/middleware"
	"github.com/websoft9/serissh/internal/supervisor"
)

const realm = "serissh"

// SessionService starts and lists bridges. *supervisor.Supervisor satisfies it.
type SessionService interface {
	handlers.SessionStarter
	Sessions() []supervisor.SessionSnapshot
	ShuttingDown() bool
}

type Server struct {
	cfg        *config.Config
	sessions   SessionService
	auth       middleware.Authenticator
	router     chi.Router
	httpServer *http.Server
}

func New(cfg *config.Config, sessions SessionService, auth middleware.Authenticator) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		auth:     auth,
	}

	s.setupRouter()
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	return s
}

func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS. cors treats an empty origin list as "*", so with nothing
	// configured no CORS headers are sent and browsers stay same-origin.
	if len(s.cfg.CORSAllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   s.cfg.CORSAllowedOrigins,
			AllowedMethods:   []string{"GET", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	// Health checks
	r.Get("/healthz", handlers.Health(s.cfg.Version))
	r.Get("/readyz", handlers.Ready(s.sessions.ShuttingDown))

	r.Group(func(r chi.Router) {
		r.Use(middleware.BasicAuth(realm, s.auth))

		r.With(chimiddleware.Timeout(30*time.Second)).
			Get("/sessions", handlers.ListSessions(s.sessions.Sessions))

		// No Timeout here: it would cancel the bridge context.
		r.Get("/terminal", handlers.Terminal(s.sessions, handlers.TerminalOptions{
			AllowedOrigins: s.cfg.CORSAllowedOrigins,
			IdleTimeout:    s.cfg.WebIdleTimeout,
		}))
	})

	s.router = r
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on addr and serves until Shutdown. It returns
// http.ErrServerClosed after a clean shutdown.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http: listen %s: %w", addr, err)
	}
	return s.httpServer.Serve(ln)
}

// Shutdown stops accepting requests. Attached terminals are hijacked
// connections and are closed by the supervisor, not here.
func (s *Server) Shutdown(ctx context.Context) error {
	log.Info().Msg("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

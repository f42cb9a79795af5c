package handlers

import (
	"context"
	"net/http"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/serissh/internal/bridge"
	"github.com/websoft9/serissh/internal/server/middleware"
	"github.com/websoft9/serissh/internal/supervisor"
	"github.com/websoft9/serissh/internal/terminal"
)

// SessionStarter starts a bridge for an attached client.
type SessionStarter interface {
	Start(ctx context.Context, ch bridge.Channel, info supervisor.SessionInfo) (*bridge.Bridge, error)
}

// TerminalOptions configures the WebSocket attach endpoint.
type TerminalOptions struct {
	// AllowedOrigins are accepted in addition to same-host origins.
	AllowedOrigins []string
	// IdleTimeout closes a client that sends nothing for this long.
	IdleTimeout time.Duration
}

// Terminal upgrades to a WebSocket and bridges it to a device. The initial
// geometry comes from the rows and cols query parameters.
//
//	GET /terminal?rows=24&cols=80
func Terminal(sessions SessionStarter, opts TerminalOptions) http.HandlerFunc {
	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     checkOrigin(opts.AllowedOrigins),
	}

	return func(w http.ResponseWriter, r *http.Request) {
		size := bridge.WindowSize{
			Rows: queryDim(r, "rows"),
			Cols: queryDim(r, "cols"),
		}

		// Upgrade writes the HTTP error itself.
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("Failed to upgrade WebSocket")
			return
		}

		var chOpts []terminal.Option
		if opts.IdleTimeout > 0 {
			chOpts = append(chOpts, terminal.WithIdleTimeout(opts.IdleTimeout))
		}
		ch := terminal.NewChannel(conn, size, chOpts...)

		info := supervisor.SessionInfo{
			User:      middleware.GetUser(r.Context()),
			Remote:    r.RemoteAddr,
			Transport: "websocket",
		}
		b, err := sessions.Start(r.Context(), ch, info)
		if err != nil {
			_ = ch.SendError(err.Error())
			_ = ch.Close()
			return
		}

		// The bridge owns conn from here; returning would cancel r.Context().
		<-b.Done()
	}
}

func queryDim(r *http.Request, key string) uint16 {
	n, err := strconv.ParseUint(r.URL.Query().Get(key), 10, 16)
	if err != nil {
		return 0
	}
	return uint16(n)
}

// checkOrigin accepts non-browser clients, same-host pages and the
// configured origins ("*" allows any).
func checkOrigin(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		if u, err := url.Parse(origin); err == nil && strings.EqualFold(u.Host, r.Host) {
			return true
		}
		return slices.Contains(allowed, "*") || slices.Contains(allowed, origin)
	}
}

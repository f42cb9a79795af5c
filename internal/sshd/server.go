// Package sshd is the inbound SSH transport. It authenticates clients by
// password, accepts "session" channels and hands each interactive shell
// (pty-req followed by shell) to a SessionStarter as a bridge.Channel.
package sshd

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
	"golang.org/x/time/rate"

	"github.com/websoft9/serissh/internal/audit"
	"github.com/websoft9/serissh/internal/bridge"
	"github.com/websoft9/serissh/internal/supervisor"
)

// ErrAuthRejected is returned from the password callback for bad credentials.
var ErrAuthRejected = errors.New("authentication rejected")

// Authenticator decides whether a user/password pair may log in.
type Authenticator interface {
	Authenticate(user, password string) bool
}

// StaticCredentials accepts exactly one user/password pair.
type StaticCredentials struct {
	User     string
	Password string
}

// Authenticate compares both fields in constant time. Empty configured
// credentials never match.
func (c StaticCredentials) Authenticate(user, password string) bool {
	if c.User == "" || c.Password == "" {
		return false
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.User))
	passOK := subtle.ConstantTimeCompare([]byte(password), []byte(c.Password))
	return userOK&passOK == 1
}

// SessionStarter starts a bridge for an interactive session.
// *supervisor.Supervisor satisfies it.
type SessionStarter interface {
	Start(ctx context.Context, ch bridge.Channel, info supervisor.SessionInfo) (*bridge.Bridge, error)
}

// defaultRateLimit is the maximum number of new TCP connections accepted per second.
const defaultRateLimit rate.Limit = 10

// defaultMaxPending is the maximum number of concurrent unauthenticated SSH
// handshakes allowed in flight simultaneously.
const defaultMaxPending = 50

// handshakeTimeout bounds the SSH handshake including password auth.
const handshakeTimeout = 15 * time.Second

const (
	keepaliveInterval = 30 * time.Second
	keepaliveTimeout  = 15 * time.Second
)

const defaultHostKeyPath = "host_key"

// Server is the SSH entry point.
type Server struct {
	// ListenAddr is the address the server binds to (default ":2222").
	ListenAddr string
	// HostKeyPath is where the host key is loaded from or generated into.
	HostKeyPath string
	// Auth checks passwords.
	Auth Authenticator
	// Sessions starts a bridge per interactive shell.
	Sessions SessionStarter
	// RateLimit sets the maximum new connections/second (default 10).
	RateLimit rate.Limit
	// MaxPending caps simultaneous unauthenticated handshakes (default 50).
	MaxPending int
	// Logger defaults to the global logger.
	Logger *zerolog.Logger

	log     zerolog.Logger
	sshCfg  *ssh.ServerConfig
	limiter *rate.Limiter
	sem     chan struct{}

	keepaliveEvery   time.Duration
	keepaliveTimeout time.Duration
}

// ListenAndServe listens on ListenAddr and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.ListenAddr
	if addr == "" {
		addr = ":2222"
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("sshd: listen %s: %w", addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled. ln is closed on
// return. Connections still open at that point are closed as well.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if err := s.init(); err != nil {
		_ = ln.Close()
		return fmt.Errorf("sshd: server init: %w", err)
	}
	s.log.Info().Str("addr", ln.Addr().String()).Msg("listening")

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, net.ErrClosed) {
				return err
			}
			s.log.Debug().Err(err).Msg("accept")
			continue
		}

		if !s.limiter.Allow() {
			s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("rate limited")
			_ = conn.Close()
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			s.log.Debug().Str("remote", conn.RemoteAddr().String()).Msg("too many pending handshakes")
			_ = conn.Close()
			continue
		}

		go s.handleConn(ctx, conn)
	}
}

// handleConn performs the handshake and serves the connection's channels.
// The pending-handshake slot is released as soon as the handshake finishes.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	_ = conn.SetDeadline(time.Now().Add(handshakeTimeout))

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.sshCfg)
	<-s.sem
	if err != nil {
		s.log.Debug().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("handshake failed")
		return
	}
	_ = conn.SetDeadline(time.Time{})

	clog := s.log.With().
		Str("user", sshConn.User()).
		Str("remote", sshConn.RemoteAddr().String()).
		Logger()
	clog.Info().Str("client", string(sshConn.ClientVersion())).Msg("connection authenticated")

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	done := make(chan struct{})
	defer close(done)

	go func() {
		select {
		case <-connCtx.Done():
			_ = sshConn.Close()
		case <-done:
		}
	}()
	go ssh.DiscardRequests(reqs)
	go s.keepalive(clog, sshConn, done)

	info := supervisor.SessionInfo{
		User:      sshConn.User(),
		Remote:    sshConn.RemoteAddr().String(),
		Transport: "ssh",
	}
	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			_ = newChan.Reject(ssh.UnknownChannelType, "only session channels are supported")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			clog.Debug().Err(err).Msg("accept channel")
			continue
		}
		go s.handleSession(connCtx, clog, info, newSessionChannel(ch), requests)
	}

	_ = sshConn.Close()
	clog.Info().Msg("connection closed")
}

// handleSession serves the requests of one session channel. A bridge is
// started on the first shell request after a pty-req; anything else that
// would run a command is refused.
func (s *Server) handleSession(ctx context.Context, clog zerolog.Logger, info supervisor.SessionInfo, sc *sessionChannel, reqs <-chan *ssh.Request) {
	started := false

	for req := range reqs {
		switch req.Type {
		case "pty-req":
			if started {
				reply(req, false)
				continue
			}
			var p ptyRequest
			if err := ssh.Unmarshal(req.Payload, &p); err != nil {
				clog.Debug().Err(err).Msg("malformed pty-req")
				reply(req, false)
				continue
			}
			sc.setPty(p)
			reply(req, true)

		case "window-change":
			var w windowChange
			if err := ssh.Unmarshal(req.Payload, &w); err != nil {
				reply(req, false)
				continue
			}
			rows, cols := clampDim(w.Rows), clampDim(w.Columns)
			if started {
				sc.signal(bridge.Resized(rows, cols))
			} else {
				sc.setSize(rows, cols)
			}
			reply(req, true)

		case "break":
			var b breakRequest
			_ = ssh.Unmarshal(req.Payload, &b)
			if !started {
				reply(req, false)
				continue
			}
			sc.signal(bridge.Signal{Kind: bridge.SignalBreak})
			reply(req, true)

		case "shell":
			if started {
				reply(req, false)
				continue
			}
			if !sc.hasPty() {
				clog.Info().Msg("shell without pty refused")
				_, _ = fmt.Fprint(sc.Stderr(), "serissh: a terminal is required (use ssh -t)\r\n")
				reply(req, false)
				continue
			}
			if _, err := s.Sessions.Start(ctx, sc, info); err != nil {
				_, _ = fmt.Fprintf(sc.Stderr(), "serissh: %v\r\n", err)
				reply(req, false)
				sc.fail()
				continue
			}
			started = true
			reply(req, true)

		case "exec", "subsystem":
			clog.Info().Str("request", req.Type).Msg("command execution refused")
			reply(req, false)

		default:
			reply(req, false)
		}
	}

	// The request stream ends when the client closes the channel or the
	// connection drops.
	if started {
		sc.signal(bridge.Signal{Kind: bridge.SignalClientClosed})
	} else {
		_ = sc.Close()
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

// keepaliveConn is the part of *ssh.ServerConn the keepalive loop uses.
type keepaliveConn interface {
	SendRequest(name string, wantReply bool, payload []byte) (bool, []byte, error)
	Close() error
}

// keepalive periodically sends a "keepalive@openssh.com" global request and
// closes the connection if the remote end does not respond in time. It stops
// when done is closed.
func (s *Server) keepalive(clog zerolog.Logger, conn keepaliveConn, done <-chan struct{}) {
	ticker := time.NewTicker(s.keepaliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}

		// OpenSSH replies REQUEST_FAILURE to keepalives; any reply proves
		// the peer is alive.
		ch := make(chan error, 1)
		go func() {
			_, _, err := conn.SendRequest("keepalive@openssh.com", true, nil)
			ch <- err
		}()
		select {
		case err := <-ch:
			if err != nil {
				_ = conn.Close()
				return
			}
		case <-time.After(s.keepaliveTimeout):
			clog.Info().Msg("keepalive timeout, closing")
			_ = conn.Close()
			return
		case <-done:
			return
		}
	}
}

func (s *Server) init() error {
	if s.Auth == nil {
		return fmt.Errorf("sshd: Server.Auth must not be nil")
	}
	if s.Sessions == nil {
		return fmt.Errorf("sshd: Server.Sessions must not be nil")
	}

	if s.Logger != nil {
		s.log = *s.Logger
	} else {
		s.log = log.With().Str("component", "sshd").Logger()
	}

	rl := s.RateLimit
	if rl == 0 {
		rl = defaultRateLimit
	}
	s.limiter = rate.NewLimiter(rl, int(rl)+1)

	mp := s.MaxPending
	if mp == 0 {
		mp = defaultMaxPending
	}
	s.sem = make(chan struct{}, mp)

	if s.keepaliveEvery == 0 {
		s.keepaliveEvery = keepaliveInterval
	}
	if s.keepaliveTimeout == 0 {
		s.keepaliveTimeout = keepaliveTimeout
	}

	path := s.HostKeyPath
	if path == "" {
		path = defaultHostKeyPath
	}
	hostKey, err := LoadOrGenerateHostKey(path, s.log)
	if err != nil {
		return err
	}

	cfg := &ssh.ServerConfig{
		PasswordCallback: s.checkPassword,
		ServerVersion:    "SSH-2.0-serissh",
	}
	cfg.AddHostKey(hostKey)
	s.sshCfg = cfg
	return nil
}

func (s *Server) checkPassword(meta ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
	ok := s.Auth.Authenticate(meta.User(), string(password))

	status := audit.StatusSuccess
	if !ok {
		status = audit.StatusFailed
	}
	s.log.Info().
		Str("user", meta.User()).
		Str("remote", meta.RemoteAddr().String()).
		Bool("accepted", ok).
		Msg("password attempt")
	audit.Write(s.log, audit.Entry{
		User:         meta.User(),
		Action:       audit.ActionAuth,
		ResourceType: "ssh",
		Status:       status,
		IP:           meta.RemoteAddr().String(),
	})

	if !ok {
		return nil, ErrAuthRejected
	}
	return &ssh.Permissions{}, nil
}

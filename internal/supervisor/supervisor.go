// Package supervisor decides which device each new session is bridged to,
// keeps track of running bridges and drives graceful shutdown.
//
// In serial mode every session targets the same configured device, guarded by
// a Registry so that at most one bridge holds it. In pty mode every session
// gets a freshly allocated pty pair.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/websoft9/serissh/internal/audit"
	"github.com/websoft9/serissh/internal/bridge"
	"github.com/websoft9/serissh/internal/device"
)

var (
	// ErrShuttingDown is returned by Start once Shutdown has been called.
	ErrShuttingDown = errors.New("supervisor shutting down")
	// ErrLeaked is returned by Shutdown when bridges outlive the grace period.
	ErrLeaked = errors.New("bridges leaked at shutdown")
)

// Config selects the device policy.
type Config struct {
	// SerialPath is the device every session is bridged to. Empty selects
	// pty mode.
	SerialPath string
	Baud       int
	Framing    device.Framing
}

// SessionInfo describes the client a session was started for.
type SessionInfo struct {
	User      string
	Remote    string
	Transport string
}

// SessionSnapshot is the accounting view of one tracked bridge.
type SessionSnapshot struct {
	bridge.Stats
	User      string `json:"user"`
	Remote    string `json:"remote"`
	Transport string `json:"transport"`
	Kind      string `json:"kind"`
	Device    string `json:"device"`
	SlavePath string `json:"slave_path,omitempty"`
}

// Endpoint is an open device as the supervisor sees it. *device.Endpoint
// satisfies it.
type Endpoint interface {
	bridge.Device
	Kind() device.Kind
	Path() string
	SlavePath() string
}

// SerialOpener opens a serial endpoint.
type SerialOpener func(path string, baud int, framing device.Framing) (Endpoint, error)

// PtyAllocator allocates a pty endpoint.
type PtyAllocator func() (Endpoint, error)

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithLogger sets the operational logger.
func WithLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

// WithAuditLogger sets the logger audit records are written to.
func WithAuditLogger(l zerolog.Logger) Option {
	return func(s *Supervisor) { s.audit = l }
}

// WithSerialOpener replaces device.OpenSerial.
func WithSerialOpener(fn SerialOpener) Option {
	return func(s *Supervisor) { s.openSerial = fn }
}

// WithPtyAllocator replaces device.AllocatePty.
func WithPtyAllocator(fn PtyAllocator) Option {
	return func(s *Supervisor) { s.allocatePty = fn }
}

type session struct {
	bridge *bridge.Bridge
	info   SessionInfo
	kind   device.Kind
	device string
	slave  string
}

// Supervisor starts and tracks bridges.
type Supervisor struct {
	cfg         Config
	registry    *Registry
	log         zerolog.Logger
	audit       zerolog.Logger
	openSerial  SerialOpener
	allocatePty PtyAllocator

	mu       sync.Mutex
	sessions map[string]*session
	closing  bool
	wg       sync.WaitGroup
}

// New returns a Supervisor using registry for serial exclusion.
func New(cfg Config, registry *Registry, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:         cfg,
		registry:    registry,
		log:         log.With().Str("component", "supervisor").Logger(),
		openSerial:  openSerial,
		allocatePty: allocatePty,
		sessions:    make(map[string]*session),
	}
	s.audit = s.log
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func openSerial(path string, baud int, framing device.Framing) (Endpoint, error) {
	ep, err := device.OpenSerial(path, baud, framing)
	if err != nil {
		return nil, err
	}
	return ep, nil
}

func allocatePty() (Endpoint, error) {
	ep, err := device.AllocatePty()
	if err != nil {
		return nil, err
	}
	return ep, nil
}

// Start acquires a device for a new session and starts relaying ch to it.
// The returned bridge is already running; its lifetime is bounded by ctx.
// On error nothing is left open and the caller reports the failure to the
// client.
func (s *Supervisor) Start(ctx context.Context, ch bridge.Channel, info SessionInfo) (*bridge.Bridge, error) {
	if s.ShuttingDown() {
		return nil, ErrShuttingDown
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	id := uuid.NewString()
	ep, err := s.acquire(id)
	if err != nil {
		s.log.Warn().Err(err).Str("session", id).Str("user", info.User).Str("remote", info.Remote).Msg("session refused")
		audit.Write(s.audit, audit.Entry{
			User:         info.User,
			Action:       audit.ActionSessionStart,
			ResourceType: s.mode(),
			ResourceID:   id,
			ResourceName: s.cfg.SerialPath,
			Status:       audit.StatusFailed,
			IP:           info.Remote,
			Detail:       map[string]any{"error": err.Error()},
		})
		return nil, err
	}

	sess := &session{
		info:   info,
		kind:   ep.Kind(),
		device: ep.Path(),
		slave:  ep.SlavePath(),
	}
	sess.bridge = bridge.New(id, ch, ep,
		bridge.WithLogger(s.log.With().Str("component", "bridge").Logger()),
		bridge.WithOnClosed(func() { s.untrack(id, sess) }),
	)

	s.mu.Lock()
	if s.closing {
		s.mu.Unlock()
		_ = ep.Close()
		s.release(sess, id)
		return nil, ErrShuttingDown
	}
	s.sessions[id] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	ev := s.log.Info().
		Str("session", id).
		Str("user", info.User).
		Str("remote", info.Remote).
		Str("transport", info.Transport).
		Str("kind", sess.kind.String()).
		Str("device", sess.device)
	if sess.slave != "" {
		ev = ev.Str("slave", sess.slave)
	}
	ev.Msg("bridge starting")
	if sess.slave != "" {
		s.log.Info().Str("session", id).Msgf("attach to the session with: screen %s", sess.slave)
	}

	audit.Write(s.audit, audit.Entry{
		User:         info.User,
		Action:       audit.ActionSessionStart,
		ResourceType: sess.kind.String(),
		ResourceID:   id,
		ResourceName: sess.resourceName(),
		Status:       audit.StatusSuccess,
		IP:           info.Remote,
	})

	go func() {
		defer s.wg.Done()
		err := sess.bridge.Run(ctx)
		s.finish(id, sess, err)
	}()

	return sess.bridge, nil
}

func (s *Supervisor) acquire(id string) (Endpoint, error) {
	if s.cfg.SerialPath == "" {
		ep, err := s.allocatePty()
		if err != nil {
			return nil, fmt.Errorf("allocate pty: %w", err)
		}
		return ep, nil
	}

	if err := s.registry.Claim(s.cfg.SerialPath, id); err != nil {
		return nil, err
	}
	ep, err := s.openSerial(s.cfg.SerialPath, s.cfg.Baud, s.cfg.Framing)
	if err != nil {
		s.registry.Release(s.cfg.SerialPath, id)
		return nil, fmt.Errorf("open serial: %w", err)
	}
	return ep, nil
}

func (s *Supervisor) release(sess *session, id string) {
	if sess.kind == device.KindSerial {
		s.registry.Release(sess.device, id)
	}
}

// untrack frees the device claim and drops the session. It runs before the
// bridge reports Closed, so a client reconnecting on Done finds the device free.
func (s *Supervisor) untrack(id string, sess *session) {
	s.release(sess, id)

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
}

func (s *Supervisor) finish(id string, sess *session, err error) {
	st := sess.bridge.Stats()
	status := audit.StatusSuccess
	detail := map[string]any{
		"cause":     string(st.Cause),
		"bytes_in":  st.BytesIn,
		"bytes_out": st.BytesOut,
		"duration":  st.EndedAt.Sub(st.StartedAt).String(),
	}
	if err != nil {
		status = audit.StatusFailed
		detail["error"] = err.Error()
	}
	audit.Write(s.audit, audit.Entry{
		User:         sess.info.User,
		Action:       audit.ActionSessionEnd,
		ResourceType: sess.kind.String(),
		ResourceID:   id,
		ResourceName: sess.resourceName(),
		Status:       status,
		IP:           sess.info.Remote,
		Detail:       detail,
	})
}

// Sessions returns a snapshot of all tracked bridges, oldest first.
func (s *Supervisor) Sessions() []SessionSnapshot {
	s.mu.Lock()
	out := make([]SessionSnapshot, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, SessionSnapshot{
			Stats:     sess.bridge.Stats(),
			User:      sess.info.User,
			Remote:    sess.info.Remote,
			Transport: sess.info.Transport,
			Kind:      sess.kind.String(),
			Device:    sess.device,
			SlavePath: sess.slave,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Shutdown closes every tracked bridge and waits for them to finish, bounded
// by ctx. Bridges still running when ctx ends are abandoned and reported in
// the returned error.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	live := make([]*bridge.Bridge, 0, len(s.sessions))
	for _, sess := range s.sessions {
		live = append(live, sess.bridge)
	}
	s.mu.Unlock()

	if len(live) > 0 {
		s.log.Info().Int("sessions", len(live)).Msg("closing sessions")
	}
	for _, b := range live {
		b.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		leaked := s.Sessions()
		ids := make([]string, 0, len(leaked))
		for _, snap := range leaked {
			ids = append(ids, snap.ID)
		}
		s.log.Error().Strs("sessions", ids).Msg("bridges did not close within the grace period")
		return fmt.Errorf("%w: %d still open: %w", ErrLeaked, len(ids), ctx.Err())
	}
}

// ShuttingDown reports whether Shutdown has been called.
func (s *Supervisor) ShuttingDown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Supervisor) mode() string {
	if s.cfg.SerialPath == "" {
		return device.KindPty.String()
	}
	return device.KindSerial.String()
}

func (sess *session) resourceName() string {
	if sess.slave != "" {
		return sess.slave
	}
	return sess.device
}

package sshd

import (
	"errors"
	"io"
	"sync"
	"sync/atomic"

	"golang.org/x/crypto/ssh"

	"github.com/websoft9/serissh/internal/bridge"
)

// ptyRequest is the "pty-req" payload (RFC 4254 §6.2).
type ptyRequest struct {
	Term    string
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
	Modes   string
}

// windowChange is the "window-change" payload (RFC 4254 §6.7).
type windowChange struct {
	Columns uint32
	Rows    uint32
	Width   uint32
	Height  uint32
}

// breakRequest is the "break" payload (RFC 4335).
type breakRequest struct {
	Length uint32
}

type exitStatus struct {
	Status uint32
}

// sessionChannel adapts an accepted "session" channel to bridge.Channel.
type sessionChannel struct {
	ssh.Channel

	mu   sync.Mutex
	term string
	pty  bool
	size bridge.WindowSize

	sigs      chan bridge.Signal
	closed    chan struct{}
	closeOnce sync.Once
	status    atomic.Uint32
}

func newSessionChannel(ch ssh.Channel) *sessionChannel {
	return &sessionChannel{
		Channel: ch,
		sigs:    make(chan bridge.Signal, 16),
		closed:  make(chan struct{}),
	}
}

func (c *sessionChannel) setPty(req ptyRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pty = true
	c.term = req.Term
	c.size = bridge.WindowSize{Rows: clampDim(req.Rows), Cols: clampDim(req.Columns)}
}

func (c *sessionChannel) setSize(rows, cols uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.size = bridge.WindowSize{Rows: rows, Cols: cols}
}

func (c *sessionChannel) hasPty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pty
}

// InitialSize returns the geometry from pty-req, updated by any
// window-change received before the shell started.
func (c *sessionChannel) InitialSize() bridge.WindowSize {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *sessionChannel) Signals() <-chan bridge.Signal { return c.sigs }

// signal delivers sig to the bridge, giving up once the channel is closed.
func (c *sessionChannel) signal(sig bridge.Signal) {
	select {
	case c.sigs <- sig:
	case <-c.closed:
	}
}

// Close reports the exit status and closes the channel. The first call does
// the work; an already torn down transport is not an error.
func (c *sessionChannel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		payload := ssh.Marshal(exitStatus{Status: c.status.Load()})
		_, _ = c.Channel.SendRequest("exit-status", false, payload)
		err = c.Channel.Close()
		if errors.Is(err, io.EOF) {
			err = nil
		}
	})
	return err
}

// fail closes the channel with a non-zero exit status.
func (c *sessionChannel) fail() {
	c.status.Store(1)
	_ = c.Close()
}

func clampDim(v uint32) uint16 {
	if v > 0xffff {
		return 0xffff
	}
	return uint16(v)
}

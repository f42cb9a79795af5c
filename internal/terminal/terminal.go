// Package terminal provides a WebSocket-backed session channel.
//
// Used by the /terminal route so a browser terminal (xterm.js) can attach to
// the same bridges as SSH clients. Binary frames carry terminal data; text
// frames, or binary frames prefixed with 0x00, carry JSON control messages.
package terminal

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/websoft9/serissh/internal/bridge"
)

const closeWriteWait = time.Second

// controlFrame is a client control message, e.g. {"type":"resize","rows":24,"cols":80}.
type controlFrame struct {
	Type string `json:"type"`
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

type errorFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// Option configures a Channel.
type Option func(*Channel)

// WithIdleTimeout closes the channel after d without any client message.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *Channel) { c.idleTimeout = d }
}

// Channel adapts a WebSocket connection to bridge.Channel.
type Channel struct {
	conn        *websocket.Conn
	size        bridge.WindowSize
	idleTimeout time.Duration

	pending []byte // unread remainder of the last data frame

	wmu       sync.Mutex
	sigs      chan bridge.Signal
	closed    chan struct{}
	closeOnce sync.Once
	lastMsg   atomic.Int64
}

// NewChannel wraps conn. initial is the geometry the client asked for when
// connecting; a zero size leaves the device geometry untouched.
func NewChannel(conn *websocket.Conn, initial bridge.WindowSize, opts ...Option) *Channel {
	c := &Channel{
		conn:        conn,
		size:        initial,
		idleTimeout: sessionIdleTimeout,
		sigs:        make(chan bridge.Signal, 16),
		closed:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.touch()
	if c.idleTimeout > 0 {
		go c.watchIdle()
	}
	return c
}

func (c *Channel) InitialSize() bridge.WindowSize { return c.size }

func (c *Channel) Signals() <-chan bridge.Signal { return c.sigs }

// Read returns terminal input from the client. Control frames are consumed
// here and turned into signals. A normal close by the client reads as io.EOF.
func (c *Channel) Read(p []byte) (int, error) {
	for len(c.pending) == 0 {
		mt, msg, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, io.EOF
			}
			select {
			case <-c.closed:
				return 0, io.EOF
			default:
			}
			return 0, err
		}
		c.touch()

		if mt == websocket.TextMessage {
			c.handleControl(bytes.TrimPrefix(msg, []byte{0x00}))
			continue
		}
		// A NUL-led binary frame is control only if it parses as such, so
		// a literal ^@ typed by the user still reaches the device.
		if len(msg) > 0 && msg[0] == 0x00 && c.handleControl(msg[1:]) {
			continue
		}
		c.pending = msg
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

// handleControl reports whether raw was a well-formed control message.
func (c *Channel) handleControl(raw []byte) bool {
	var ctrl controlFrame
	if err := json.Unmarshal(raw, &ctrl); err != nil || ctrl.Type == "" {
		return false
	}
	switch ctrl.Type {
	case "resize":
		if ctrl.Rows > 0 && ctrl.Cols > 0 {
			c.signal(bridge.Resized(ctrl.Rows, ctrl.Cols))
		}
	case "break":
		c.signal(bridge.Signal{Kind: bridge.SignalBreak})
	case "close":
		c.signal(bridge.Signal{Kind: bridge.SignalClientClosed})
	}
	return true
}

func (c *Channel) signal(sig bridge.Signal) {
	select {
	case c.sigs <- sig:
	case <-c.closed:
	}
}

// Write sends p to the client as one binary frame.
func (c *Channel) Write(p []byte) (int, error) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// SendError tells the client why its session could not start, as a text
// control frame {"type":"error","message":...}.
func (c *Channel) SendError(msg string) error {
	b, err := json.Marshal(errorFrame{Type: "error", Message: msg})
	if err != nil {
		return err
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	return c.conn.WriteMessage(websocket.TextMessage, b)
}

// Close sends a close frame (best effort) and closes the connection.
func (c *Channel) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		c.wmu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		c.wmu.Unlock()
		err = c.conn.Close()
		if errors.Is(err, websocket.ErrCloseSent) {
			err = nil
		}
	})
	return err
}

// Done is closed when the channel is closed.
func (c *Channel) Done() <-chan struct{} { return c.closed }

// Package bridge relays one client session to one device.
//
// A Bridge owns both ends for its whole life. Two relay loops copy bytes in
// each direction and a third goroutine consumes control signals. Whichever of
// them finishes first (or an explicit Close) moves the bridge to Closing;
// both ends are then closed, which unblocks the other goroutines, and the
// bridge reaches Closed once all three have returned.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// ErrAlreadyRunning is returned by a second call to Run.
var ErrAlreadyRunning = errors.New("bridge already running")

const defaultBufferSize = 32 * 1024

// State is the lifecycle state of a Bridge.
type State int32

const (
	StateActive State = iota
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Cause records why a bridge left the Active state.
type Cause string

const (
	CauseClientEOF    Cause = "client-eof"
	CauseClientError  Cause = "client-error"
	CauseClientClosed Cause = "client-closed"
	CauseDeviceError  Cause = "device-error"
	CauseRequested    Cause = "requested"
	CauseCanceled     Cause = "canceled"
)

// Stats is a point-in-time view of a bridge's accounting.
type Stats struct {
	ID        string    `json:"id"`
	State     string    `json:"state"`
	BytesIn   int64     `json:"bytes_in"`
	BytesOut  int64     `json:"bytes_out"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Cause     Cause     `json:"cause,omitempty"`
}

// Option configures a Bridge.
type Option func(*Bridge)

// WithLogger sets the logger used for lifecycle and best-effort failures.
func WithLogger(l zerolog.Logger) Option {
	return func(b *Bridge) { b.log = l }
}

// WithBufferSize sets the relay buffer size per direction.
func WithBufferSize(n int) Option {
	return func(b *Bridge) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

// WithOnClosed registers fn to run once both ends are closed and every
// goroutine has returned, before Done is closed.
func WithOnClosed(fn func()) Option {
	return func(b *Bridge) { b.onClosed = fn }
}

// Bridge relays a Channel to a Device.
type Bridge struct {
	id       string
	ch       Channel
	dev      Device
	log      zerolog.Logger
	bufSize  int
	onClosed func()

	state     atomic.Int32
	running   atomic.Bool
	closing   chan struct{}
	closeOnce sync.Once
	done      chan struct{}

	bytesIn  atomic.Int64 // client -> device
	bytesOut atomic.Int64 // device -> client
	started  time.Time

	mu    sync.Mutex
	cause Cause
	err   error
	ended time.Time
}

// New returns an Active bridge. Nothing is relayed until Run is called.
func New(id string, ch Channel, dev Device, opts ...Option) *Bridge {
	b := &Bridge{
		id:      id,
		ch:      ch,
		dev:     dev,
		log:     log.With().Str("component", "bridge").Logger(),
		bufSize: defaultBufferSize,
		closing: make(chan struct{}),
		done:    make(chan struct{}),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.log = b.log.With().Str("session", id).Logger()
	return b
}

// ID returns the bridge identifier.
func (b *Bridge) ID() string { return b.id }

// State returns the current lifecycle state.
func (b *Bridge) State() State { return State(b.state.Load()) }

// Done is closed when the bridge reaches Closed.
func (b *Bridge) Done() <-chan struct{} { return b.done }

// Err returns the failure that ended the bridge, or nil if it ended normally
// (client EOF, client closed, explicit close).
func (b *Bridge) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Stats returns the current accounting.
func (b *Bridge) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return Stats{
		ID:        b.id,
		State:     b.State().String(),
		BytesIn:   b.bytesIn.Load(),
		BytesOut:  b.bytesOut.Load(),
		StartedAt: b.started,
		EndedAt:   b.ended,
		Cause:     b.cause,
	}
}

// Close requests teardown. It returns immediately; wait on Done to observe
// Closed. Safe to call any number of times from any goroutine.
func (b *Bridge) Close() {
	b.terminate(CauseRequested, nil)
}

// Run relays until the bridge is Closed and returns the error that ended it,
// if any. Cancelling ctx is equivalent to Close.
func (b *Bridge) Run(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}

	if size := b.ch.InitialSize(); size.Rows > 0 && size.Cols > 0 {
		b.resize(size.Rows, size.Cols)
	}

	b.log.Debug().Msg("bridge started")

	var g errgroup.Group
	g.Go(b.clientToDevice)
	g.Go(b.deviceToClient)
	g.Go(func() error {
		b.watchSignals()
		return nil
	})

	select {
	case <-b.closing:
	case <-ctx.Done():
		b.terminate(CauseCanceled, nil)
	}

	b.closeEnds()
	_ = g.Wait()

	b.mu.Lock()
	b.ended = time.Now()
	cause, err := b.cause, b.err
	b.mu.Unlock()

	if b.onClosed != nil {
		b.onClosed()
	}
	b.state.Store(int32(StateClosed))
	close(b.done)

	var ev *zerolog.Event
	if err != nil {
		ev = b.log.Warn().Err(err)
	} else {
		ev = b.log.Info()
	}
	ev.Str("cause", string(cause)).
		Int64("bytes_in", b.bytesIn.Load()).
		Int64("bytes_out", b.bytesOut.Load()).
		Msg("bridge closed")
	return err
}

// terminate records the first cause and starts teardown. It reports whether
// this call was the one that did so.
func (b *Bridge) terminate(cause Cause, err error) bool {
	first := false
	b.closeOnce.Do(func() {
		first = true
		b.mu.Lock()
		b.cause = cause
		b.err = err
		b.mu.Unlock()
		b.state.CompareAndSwap(int32(StateActive), int32(StateClosing))
		close(b.closing)
	})
	return first
}

// fail ends the bridge with err unless teardown already started, in which case
// err is only a consequence of the ends being closed and is dropped.
func (b *Bridge) fail(cause Cause, err error) error {
	if b.terminate(cause, err) {
		return err
	}
	return nil
}

func (b *Bridge) closeEnds() {
	if err := b.dev.Close(); err != nil {
		b.log.Debug().Err(err).Msg("close device")
	}
	if err := b.ch.Close(); err != nil {
		b.log.Debug().Err(err).Msg("close channel")
	}
}

func (b *Bridge) clientToDevice() error {
	buf := make([]byte, b.bufSize)
	for {
		n, err := b.ch.Read(buf)
		if n > 0 {
			if werr := writeFull(b.dev, buf[:n]); werr != nil {
				return b.fail(CauseDeviceError, fmt.Errorf("write device: %w", werr))
			}
			b.bytesIn.Add(int64(n))
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				b.terminate(CauseClientEOF, nil)
				return nil
			}
			return b.fail(CauseClientError, fmt.Errorf("read client: %w", err))
		}
		if n == 0 {
			b.terminate(CauseClientEOF, nil)
			return nil
		}
	}
}

func (b *Bridge) deviceToClient() error {
	buf := make([]byte, b.bufSize)
	for {
		n, err := b.dev.Read(buf)
		if n > 0 {
			if werr := writeFull(b.ch, buf[:n]); werr != nil {
				return b.fail(CauseClientError, fmt.Errorf("write client: %w", werr))
			}
			b.bytesOut.Add(int64(n))
		}
		if err != nil {
			return b.fail(CauseDeviceError, fmt.Errorf("read device: %w", err))
		}
	}
}

func (b *Bridge) watchSignals() {
	sigs := b.ch.Signals()
	for {
		select {
		case <-b.closing:
			return
		case sig, ok := <-sigs:
			if !ok {
				return
			}
			switch sig.Kind {
			case SignalResized:
				b.resize(sig.Rows, sig.Cols)
			case SignalClientClosed:
				b.terminate(CauseClientClosed, nil)
				return
			case SignalBreak:
				b.sendBreak()
			}
		}
	}
}

func (b *Bridge) resize(rows, cols uint16) {
	if err := b.dev.Resize(rows, cols); err != nil {
		b.log.Warn().Err(err).Uint16("rows", rows).Uint16("cols", cols).Msg("resize failed")
	}
}

func (b *Bridge) sendBreak() {
	br, ok := b.dev.(breaker)
	if !ok {
		return
	}
	if err := br.SendBreak(); err != nil {
		b.log.Warn().Err(err).Msg("send break failed")
	}
}

// writeFull writes all of p, continuing after partial writes that made
// progress.
func writeFull(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			if n > 0 && errors.Is(err, io.ErrShortWrite) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}

// Package device provides the line-oriented endpoints an SSH session is
// bridged to: a physical serial port opened exclusively, or the master side of
// a freshly allocated pseudo-terminal pair whose slave path is published for
// other software to attach to.
//
// Endpoints are plain duplex byte streams. Their descriptors are registered
// with the Go runtime poller so that Close promptly unblocks a Read or Write
// that is in flight on another goroutine.
package device

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"

	"github.com/creack/pty"
)

var (
	// ErrDeviceUnavailable is returned when a serial path cannot be opened
	// or cannot be locked for exclusive use.
	ErrDeviceUnavailable = errors.New("device unavailable")
	// ErrDeviceConfig is returned when the line parameters (baud rate,
	// framing) are invalid or rejected by the device.
	ErrDeviceConfig = errors.New("device configuration rejected")
	// ErrResourceExhausted is returned when the host cannot allocate a pty pair.
	ErrResourceExhausted = errors.New("pty allocation failed")
	// ErrDeviceClosed wraps every read or write failure: EOF, a removed
	// device (EIO from an unplugged USB adapter) or an endpoint closed locally.
	ErrDeviceClosed = errors.New("device closed")
)

// Kind tells serial endpoints apart from allocated pty endpoints.
type Kind int

const (
	KindSerial Kind = iota
	KindPty
)

func (k Kind) String() string {
	switch k {
	case KindSerial:
		return "serial"
	case KindPty:
		return "pty"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Endpoint is an open device. It is safe to call Read and Write from two
// different goroutines, and Close from any goroutine.
type Endpoint struct {
	kind      Kind
	path      string
	slavePath string

	file  *os.File // serial descriptor or pty master
	slave *os.File // pty slave, nil for serial

	// mu serialises ioctls on the slave with Close so that a resize never
	// targets a descriptor number that has been released and reused.
	mu        sync.Mutex
	closed    atomic.Bool
	closeOnce sync.Once
}

// Kind returns the endpoint kind.
func (e *Endpoint) Kind() Kind { return e.kind }

// Path returns the serial device path, or the pty master path.
func (e *Endpoint) Path() string { return e.path }

// SlavePath returns the path external software opens to attach to an
// allocated pty. It is empty for serial endpoints.
func (e *Endpoint) SlavePath() string { return e.slavePath }

// Read reads bytes produced by the device.
func (e *Endpoint) Read(p []byte) (int, error) {
	n, err := e.file.Read(p)
	if err != nil {
		return n, e.ioError("read", err)
	}
	return n, nil
}

// Write writes p to the device.
func (e *Endpoint) Write(p []byte) (int, error) {
	n, err := e.file.Write(p)
	if err != nil {
		return n, e.ioError("write", err)
	}
	return n, nil
}

func (e *Endpoint) ioError(op string, err error) error {
	return fmt.Errorf("%w: %s %s: %w", ErrDeviceClosed, op, e.path, err)
}

// Close releases the descriptors. Only the first call does any work; later
// calls, including concurrent ones, return nil.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.closed.Store(true)
		if e.kind == KindSerial {
			releaseExclusive(e.file)
		}
		err = e.file.Close()

		e.mu.Lock()
		defer e.mu.Unlock()
		if e.slave != nil {
			if serr := e.slave.Close(); err == nil {
				err = serr
			}
		}
	})
	return err
}

// Closed reports whether Close has been called.
func (e *Endpoint) Closed() bool { return e.closed.Load() }

// Resize propagates terminal geometry to an allocated pty so a program on the
// slave side observes it (and receives SIGWINCH). Serial lines have no
// geometry; the call is accepted and ignored.
func (e *Endpoint) Resize(rows, cols uint16) error {
	if e.kind != KindPty {
		return nil
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return ErrDeviceClosed
	}
	return pty.Setsize(e.slave, &pty.Winsize{Rows: rows, Cols: cols})
}

// Size returns the current geometry of an allocated pty.
func (e *Endpoint) Size() (rows, cols int, err error) {
	if e.kind != KindPty {
		return 0, 0, fmt.Errorf("device: %s endpoint has no geometry", e.kind)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed.Load() {
		return 0, 0, ErrDeviceClosed
	}
	return pty.Getsize(e.slave)
}

// SendBreak asserts a break condition on a serial line. It is a no-op for
// allocated ptys.
func (e *Endpoint) SendBreak() error {
	if e.kind != KindSerial {
		return nil
	}
	if e.closed.Load() {
		return ErrDeviceClosed
	}
	return sendBreak(e.file)
}

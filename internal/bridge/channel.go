package bridge

import "io"

// WindowSize is a terminal geometry in character cells.
type WindowSize struct {
	Rows uint16 `json:"rows"`
	Cols uint16 `json:"cols"`
}

// SignalKind enumerates the control events a client can raise.
type SignalKind int

const (
	// SignalResized carries a new window size in Rows and Cols.
	SignalResized SignalKind = iota + 1
	// SignalClientClosed means the client is gone; the bridge tears down
	// immediately instead of waiting for a read to fail.
	SignalClientClosed
	// SignalBreak asks for a line break condition on the device.
	SignalBreak
)

func (k SignalKind) String() string {
	switch k {
	case SignalResized:
		return "resized"
	case SignalClientClosed:
		return "client-closed"
	case SignalBreak:
		return "break"
	default:
		return "unknown"
	}
}

// Signal is a control event received out of band from the data stream.
type Signal struct {
	Kind SignalKind
	Rows uint16
	Cols uint16
}

// Resized returns a SignalResized for the given geometry.
func Resized(rows, cols uint16) Signal {
	return Signal{Kind: SignalResized, Rows: rows, Cols: cols}
}

// Channel is the client side of a session: the interactive byte stream plus
// its control events. Implementations are provided by the SSH and WebSocket
// transports.
//
// Close must be idempotent and must not fail when the transport is already
// gone. Signals may return nil if the transport raises no events; a closed
// signal stream only stops signal handling, it does not end the session.
type Channel interface {
	io.ReadWriter
	InitialSize() WindowSize
	Signals() <-chan Signal
	Close() error
}

// Device is the line side of a session.
type Device interface {
	io.ReadWriter
	Resize(rows, cols uint16) error
	Close() error
}

// breaker is implemented by devices that can assert a line break.
type breaker interface {
	SendBreak() error
}

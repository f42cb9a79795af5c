package device

import (
	"fmt"
	"os"

	"github.com/creack/pty"
	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

// AllocatePty creates a new pty pair. The returned endpoint reads and writes
// the master side; SlavePath names the side external software attaches to.
//
// The slave is kept open for the endpoint's lifetime, so bytes written before
// anyone attaches are buffered by the line discipline and the master never
// sees a hangup between attachments. It is switched to raw mode so the relay
// stays byte-transparent.
func AllocatePty() (*Endpoint, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	if err := makeRaw(slave); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("%w: raw mode on %s: %w", ErrResourceExhausted, slave.Name(), err)
	}

	polled, err := pollable(master)
	if err != nil {
		_ = slave.Close()
		return nil, fmt.Errorf("%w: %w", ErrResourceExhausted, err)
	}

	return &Endpoint{
		kind:      KindPty,
		path:      polled.Name(),
		slavePath: slave.Name(),
		file:      polled,
		slave:     slave,
	}, nil
}

// pollable moves f onto a duplicated non-blocking descriptor. pty.Open hands
// back a master in blocking mode, and a blocked read on such a descriptor is
// not interrupted by Close. The original descriptor is always closed.
func pollable(f *os.File) (*os.File, error) {
	defer f.Close()

	fd, err := unix.Dup(int(f.Fd()))
	if err != nil {
		return nil, fmt.Errorf("dup %s: %w", f.Name(), err)
	}
	unix.CloseOnExec(fd)
	if err := unix.SetNonblock(fd, true); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("set non-blocking %s: %w", f.Name(), err)
	}
	return os.NewFile(uintptr(fd), f.Name()), nil
}

func makeRaw(f *os.File) error {
	fd := f.Fd()
	var attr unix.Termios
	if err := termios.Tcgetattr(fd, &attr); err != nil {
		return err
	}
	termios.Cfmakeraw(&attr)
	return termios.Tcsetattr(fd, termios.TCSANOW, &attr)
}

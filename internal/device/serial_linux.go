//go:build linux

package device

import (
	"errors"
	"fmt"
	"os"

	"github.com/pkg/term/termios"
	"golang.org/x/sys/unix"
)

var baudRates = map[int]uint32{
	50:      unix.B50,
	75:      unix.B75,
	110:     unix.B110,
	134:     unix.B134,
	150:     unix.B150,
	200:     unix.B200,
	300:     unix.B300,
	600:     unix.B600,
	1200:    unix.B1200,
	1800:    unix.B1800,
	2400:    unix.B2400,
	4800:    unix.B4800,
	9600:    unix.B9600,
	19200:   unix.B19200,
	38400:   unix.B38400,
	57600:   unix.B57600,
	115200:  unix.B115200,
	230400:  unix.B230400,
	460800:  unix.B460800,
	500000:  unix.B500000,
	576000:  unix.B576000,
	921600:  unix.B921600,
	1000000: unix.B1000000,
	1152000: unix.B1152000,
	1500000: unix.B1500000,
	2000000: unix.B2000000,
	2500000: unix.B2500000,
	3000000: unix.B3000000,
	3500000: unix.B3500000,
	4000000: unix.B4000000,
}

var charSizes = map[int]uint32{
	5: unix.CS5,
	6: unix.CS6,
	7: unix.CS7,
	8: unix.CS8,
}

// SupportedBaud reports whether baud is one of the standard rates.
func SupportedBaud(baud int) bool {
	_, ok := baudRates[baud]
	return ok
}

// OpenSerial opens path for exclusive use and configures it for raw
// byte-transparent transfer at the given baud rate and framing. A second
// OpenSerial of the same device fails with ErrDeviceUnavailable until the
// first endpoint is closed.
func OpenSerial(path string, baud int, framing Framing) (*Endpoint, error) {
	speed, ok := baudRates[baud]
	if !ok {
		return nil, fmt.Errorf("%w: unsupported baud rate %d", ErrDeviceConfig, baud)
	}
	if err := framing.Validate(); err != nil {
		return nil, err
	}

	// O_NONBLOCK gets the descriptor registered with the runtime poller, which
	// is what lets Close interrupt a pending Read.
	f, err := os.OpenFile(path, os.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK, 0)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", ErrDeviceUnavailable, path, err)
	}

	if err := control(f, lockExclusive); err != nil {
		_ = f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s is locked by another process", ErrDeviceUnavailable, path)
		}
		return nil, fmt.Errorf("%w: lock %s: %w", ErrDeviceUnavailable, path, err)
	}

	err = control(f, func(fd uintptr) error { return configure(fd, speed, framing) })
	if err != nil {
		_ = f.Close()
		if errors.Is(err, unix.ENOTTY) {
			return nil, fmt.Errorf("%w: %s is not a terminal device", ErrDeviceUnavailable, path)
		}
		return nil, fmt.Errorf("%w: %s at %d %s: %w", ErrDeviceConfig, path, baud, framing, err)
	}

	return &Endpoint{kind: KindSerial, path: path, file: f}, nil
}

// control runs fn against the raw descriptor without handing it out through
// File.Fd, which would switch the file back to blocking mode.
func control(f *os.File, fn func(fd uintptr) error) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var opErr error
	if err := rc.Control(func(fd uintptr) { opErr = fn(fd) }); err != nil {
		return err
	}
	return opErr
}

func lockExclusive(fd uintptr) error {
	if err := unix.Flock(int(fd), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return err
	}
	return unix.IoctlSetInt(int(fd), unix.TIOCEXCL, 0)
}

// releaseExclusive clears TIOCEXCL. The flag belongs to the tty rather than to
// this descriptor, so it would outlive Close while anyone else holds the line.
func releaseExclusive(f *os.File) {
	_ = control(f, func(fd uintptr) error {
		return unix.IoctlSetInt(int(fd), unix.TIOCNXCL, 0)
	})
}

func configure(fd uintptr, speed uint32, framing Framing) error {
	var attr unix.Termios
	if err := termios.Tcgetattr(fd, &attr); err != nil {
		return err
	}

	termios.Cfmakeraw(&attr)
	attr.Iflag &^= unix.IGNBRK | unix.PARMRK | unix.INLCR | unix.IGNCR | termios.IXOFF | termios.IXANY
	attr.Lflag &^= unix.ECHONL

	attr.Cflag &^= unix.CBAUD | unix.CSIZE | unix.PARENB | unix.PARODD | unix.CSTOPB | termios.CRTSCTS
	attr.Cflag |= speed | charSizes[framing.DataBits] | unix.CLOCAL | unix.CREAD
	switch framing.Parity {
	case ParityEven:
		attr.Cflag |= unix.PARENB
		attr.Iflag |= unix.INPCK
	case ParityOdd:
		attr.Cflag |= unix.PARENB | unix.PARODD
		attr.Iflag |= unix.INPCK
	}
	if framing.StopBits == 2 {
		attr.Cflag |= unix.CSTOPB
	}
	attr.Ispeed = speed
	attr.Ospeed = speed
	attr.Cc[unix.VMIN] = 1
	attr.Cc[unix.VTIME] = 0

	if err := termios.Tcsetattr(fd, termios.TCSANOW, &attr); err != nil {
		return err
	}

	// tcsetattr succeeds if any part of the request was applied; drivers
	// that cannot do the rate silently keep the old one.
	var applied unix.Termios
	if err := termios.Tcgetattr(fd, &applied); err != nil {
		return err
	}
	if applied.Cflag&unix.CBAUD != speed {
		return errors.New("baud rate not accepted by driver")
	}

	// Raise DTR and RTS. Not every line has modem control, so failure is
	// not fatal.
	_ = termios.Tiocmbis(fd, unix.TIOCM_DTR|unix.TIOCM_RTS)

	return termios.Tcflush(fd, termios.TCIOFLUSH)
}

func sendBreak(f *os.File) error {
	return control(f, func(fd uintptr) error {
		return termios.Tcsendbreak(fd, 0)
	})
}

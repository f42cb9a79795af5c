//go:build !linux

package device

import (
	"fmt"
	"os"
)

// SupportedBaud always reports false; serial lines are only driven on Linux.
func SupportedBaud(int) bool { return false }

// OpenSerial is only implemented on Linux.
func OpenSerial(path string, baud int, framing Framing) (*Endpoint, error) {
	return nil, fmt.Errorf("%w: serial devices are not supported on this platform", ErrDeviceUnavailable)
}

func sendBreak(*os.File) error { return nil }

func releaseExclusive(*os.File) {}

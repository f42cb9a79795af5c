package device

import (
	"fmt"
	"strings"
)

// Parity is the parity mode of a serial line.
type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
	ParityOdd  Parity = 'O'
)

// Framing describes the character format of a serial line, e.g. 8N1.
type Framing struct {
	DataBits int
	Parity   Parity
	StopBits int
}

// DefaultFraming is 8 data bits, no parity, 1 stop bit.
var DefaultFraming = Framing{DataBits: 8, Parity: ParityNone, StopBits: 1}

// ParseFraming parses the conventional three-character notation ("8N1",
// "7E1", "8o2"). An empty string yields DefaultFraming.
func ParseFraming(s string) (Framing, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return DefaultFraming, nil
	}
	if len(s) != 3 {
		return Framing{}, fmt.Errorf("%w: framing %q: want <data><parity><stop>, e.g. 8N1", ErrDeviceConfig, s)
	}
	f := Framing{
		DataBits: int(s[0] - '0'),
		Parity:   Parity(s[1]),
		StopBits: int(s[2] - '0'),
	}
	if err := f.Validate(); err != nil {
		return Framing{}, err
	}
	return f, nil
}

// Validate checks the framing against what POSIX termios can express.
func (f Framing) Validate() error {
	if f.DataBits < 5 || f.DataBits > 8 {
		return fmt.Errorf("%w: data bits %d out of range 5-8", ErrDeviceConfig, f.DataBits)
	}
	switch f.Parity {
	case ParityNone, ParityEven, ParityOdd:
	default:
		return fmt.Errorf("%w: parity %q must be N, E or O", ErrDeviceConfig, string(f.Parity))
	}
	if f.StopBits != 1 && f.StopBits != 2 {
		return fmt.Errorf("%w: stop bits %d must be 1 or 2", ErrDeviceConfig, f.StopBits)
	}
	return nil
}

func (f Framing) String() string {
	return fmt.Sprintf("%d%c%d", f.DataBits, f.Parity, f.StopBits)
}

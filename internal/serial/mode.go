package serial

import (
	"fmt"
	"strings"
	"time"

	bugst "go.bug.st/serial"
)

// Mode describes the line settings used with the go.bug.st/serial backend.
type Mode struct {
	BaudRate int
	DataBits int
	StopBits int
	Parity   string
}

// Normalize validates the mode and fills defaults (8N1).
func (m Mode) Normalize() (Mode, error) {
	out := m
	if out.BaudRate <= 0 {
		return out, fmt.Errorf("invalid baud rate %d", out.BaudRate)
	}
	if out.DataBits == 0 {
		out.DataBits = 8
	}
	if out.DataBits < 5 || out.DataBits > 8 {
		return out, fmt.Errorf("invalid data bits %d: must be between 5 and 8", out.DataBits)
	}
	if out.StopBits == 0 {
		out.StopBits = 1
	}
	if out.StopBits != 1 && out.StopBits != 2 {
		return out, fmt.Errorf("invalid stop bits %d: supported values are 1 or 2", out.StopBits)
	}
	switch p := strings.TrimSpace(strings.ToUpper(out.Parity)); p {
	case "", "N", "NONE":
		out.Parity = "N"
	case "E", "EVEN":
		out.Parity = "E"
	case "O", "ODD":
		out.Parity = "O"
	default:
		return out, fmt.Errorf("unsupported parity %q: expected N, E, or O", m.Parity)
	}
	return out, nil
}

func (m Mode) bugst() (*bugst.Mode, error) {
	n, err := m.Normalize()
	if err != nil {
		return nil, err
	}
	mode := &bugst.Mode{BaudRate: n.BaudRate, DataBits: n.DataBits, StopBits: bugst.OneStopBit}
	if n.StopBits == 2 {
		mode.StopBits = bugst.TwoStopBits
	}
	switch n.Parity {
	case "E":
		mode.Parity = bugst.EvenParity
	case "O":
		mode.Parity = bugst.OddParity
	default:
		mode.Parity = bugst.NoParity
	}
	return mode, nil
}

// OpenMode opens name through go.bug.st/serial. The returned port also
// implements Drain, which Polled uses for Flush.
func OpenMode(name string, m Mode, readTimeout time.Duration) (Port, error) {
	mode, err := m.bugst()
	if err != nil {
		return nil, err
	}
	p, err := bugst.Open(name, mode)
	if err != nil {
		return nil, err
	}
	if readTimeout > 0 {
		if err := p.SetReadTimeout(readTimeout); err != nil {
			_ = p.Close()
			return nil, fmt.Errorf("set read timeout: %w", err)
		}
	}
	return p, nil
}

// BugstOpener returns an Opener for OpenMode; the baud passed to the opener
// overrides m.BaudRate.
func BugstOpener(name string, m Mode, readTimeout time.Duration) Opener {
	return func(baud int) (Port, error) {
		m.BaudRate = baud
		return OpenMode(name, m, readTimeout)
	}
}

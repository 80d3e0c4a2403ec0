package serial

import (
	"errors"
	"time"

	"github.com/tarm/serial"
)

var (
	ErrNoData  = errors.New("serial: no data available")
	ErrNotOpen = errors.New("serial: port not open")
)

// Port abstracts the blocking serial libraries for testability.
type Port interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error
}

// Open opens name through tarm/serial (8N1, no flow control).
func Open(name string, baud int, readTimeout time.Duration) (Port, error) {
	cfg := &serial.Config{Name: name, Baud: baud, ReadTimeout: readTimeout}
	return serial.OpenPort(cfg)
}

// Opener opens the underlying port at the given rate. Polled calls it on
// every Open so a rate change reopens the device.
type Opener func(baud int) (Port, error)

// TarmOpener returns an Opener for Open.
func TarmOpener(name string, readTimeout time.Duration) Opener {
	return func(baud int) (Port, error) { return Open(name, baud, readTimeout) }
}

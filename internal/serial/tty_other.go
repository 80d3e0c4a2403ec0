//go:build !linux

package serial

import "errors"

// ErrTTYUnsupported is returned by every TTY method off Linux.
var ErrTTYUnsupported = errors.New("tty backend unsupported on this platform")

// TTY is a placeholder so non-linux builds compile; use Polled instead.
type TTY struct{}

func NewTTY(path string) *TTY { return &TTY{} }

func (t *TTY) Open(baud int) error         { return ErrTTYUnsupported }
func (t *TTY) Buffered() int               { return 0 }
func (t *TTY) ReadByte() (byte, error)     { return 0, ErrTTYUnsupported }
func (t *TTY) Write(p []byte) (int, error) { return 0, ErrTTYUnsupported }
func (t *TTY) Flush() error                { return ErrTTYUnsupported }
func (t *TTY) Close() error                { return nil }

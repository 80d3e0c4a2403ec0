//go:build linux

package serial

import (
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sys/unix"
)

// TTY is a raw-mode Linux tty driven directly through termios. Unlike
// Polled it needs no reader goroutine: Buffered asks the kernel (TIOCINQ)
// and ReadByte is a non-blocking read.
//
// mu guards fd and is never held while waiting on the device, so a Write
// stalled on a full output queue does not hold up Buffered or ReadByte.
// wmu keeps concurrent writes from interleaving.
type TTY struct {
	path string

	mu  sync.RWMutex
	fd  int
	wmu sync.Mutex
}

const ttyWritePollMillis = 100

// NewTTY returns a closed TTY for path; Open configures and opens it.
func NewTTY(path string) *TTY { return &TTY{path: path, fd: -1} }

func ttySpeed(baud int) (uint32, error) {
	switch baud {
	case 4800:
		return unix.B4800, nil
	case 9600:
		return unix.B9600, nil
	case 19200:
		return unix.B19200, nil
	case 38400:
		return unix.B38400, nil
	case 57600:
		return unix.B57600, nil
	case 115200:
		return unix.B115200, nil
	case 230400:
		return unix.B230400, nil
	default:
		return 0, fmt.Errorf("tty: no termios speed for %d baud", baud)
	}
}

// Open (re)opens the device in raw 8N1 mode at baud.
func (t *TTY) Open(baud int) error {
	speed, err := ttySpeed(baud)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd >= 0 {
		_ = unix.Close(t.fd)
		t.fd = -1
	}
	fd, err := unix.Open(t.path, unix.O_RDWR|unix.O_NOCTTY|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return fmt.Errorf("open %s: %w", t.path, err)
	}
	tio, err := unix.IoctlGetTermios(fd, unix.TCGETS)
	if err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("get termios: %w", err)
	}

	tio.Iflag &^= unix.IGNBRK | unix.BRKINT | unix.PARMRK | unix.ISTRIP | unix.INLCR | unix.IGNCR | unix.ICRNL | unix.IXON | unix.IXOFF
	tio.Oflag &^= unix.OPOST
	tio.Lflag &^= unix.ECHO | unix.ECHONL | unix.ICANON | unix.ISIG | unix.IEXTEN
	tio.Cflag &^= unix.CSIZE | unix.PARENB | unix.CSTOPB | unix.CRTSCTS | unix.CBAUD
	tio.Cflag |= unix.CS8 | unix.CREAD | unix.CLOCAL | speed
	tio.Ispeed = speed
	tio.Ospeed = speed
	tio.Cc[unix.VMIN] = 0
	tio.Cc[unix.VTIME] = 0

	if err := unix.IoctlSetTermios(fd, unix.TCSETS, tio); err != nil {
		_ = unix.Close(fd)
		return fmt.Errorf("set termios: %w", err)
	}
	t.fd = fd
	return nil
}

// Buffered returns the number of bytes waiting in the kernel input queue.
func (t *TTY) Buffered() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.fd < 0 {
		return 0
	}
	n, err := unix.IoctlGetInt(t.fd, unix.TIOCINQ)
	if err != nil {
		return 0
	}
	return n
}

func (t *TTY) ReadByte() (byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.fd < 0 {
		return 0, ErrNotOpen
	}
	var b [1]byte
	n, err := unix.Read(t.fd, b[:])
	if err == unix.EAGAIN || (err == nil && n == 0) {
		return 0, ErrNoData
	}
	if err != nil {
		return 0, fmt.Errorf("tty read: %w", err)
	}
	return b[0], nil
}

// writeOnce issues one non-blocking write on fd. It fails with ErrNotOpen
// once the tty was closed or reopened since fd was taken.
func (t *TTY) writeOnce(fd int, p []byte) (int, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.fd < 0 || t.fd != fd {
		return 0, ErrNotOpen
	}
	return unix.Write(fd, p)
}

// Write writes all of p, waiting for the output queue when it is full.
// Close unblocks a waiting Write, which then returns ErrNotOpen.
func (t *TTY) Write(p []byte) (int, error) {
	t.wmu.Lock()
	defer t.wmu.Unlock()
	t.mu.RLock()
	fd := t.fd
	t.mu.RUnlock()
	if fd < 0 {
		return 0, ErrNotOpen
	}
	written := 0
	for written < len(p) {
		n, err := t.writeOnce(fd, p[written:])
		if n > 0 {
			written += n
		}
		if err == unix.EAGAIN {
			pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
			if _, perr := unix.Poll(pfd, ttyWritePollMillis); perr != nil && perr != unix.EINTR {
				return written, fmt.Errorf("tty poll: %w", perr)
			}
			continue
		}
		if errors.Is(err, ErrNotOpen) {
			return written, err
		}
		if err != nil {
			return written, fmt.Errorf("tty write: %w", err)
		}
	}
	return written, nil
}

// Flush blocks until queued output has been transmitted (tcdrain).
func (t *TTY) Flush() error {
	t.mu.RLock()
	fd := t.fd
	t.mu.RUnlock()
	if fd < 0 {
		return ErrNotOpen
	}
	return unix.IoctlSetInt(fd, unix.TCSBRK, 1)
}

func (t *TTY) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

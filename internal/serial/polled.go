package serial

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/kstaniek/go-uart-linebuf/internal/logging"
	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
)

const (
	defaultRxQueue = 4096 // bytes held between the reader goroutine and ReadByte
	readChunkSize  = 256
	rxBackoffMin   = 20 * time.Millisecond
	rxBackoffMax   = 500 * time.Millisecond
)

// sleepFn allows tests to intercept backoff sleeps.
var sleepFn = time.Sleep

// Polled adapts a blocking Port into a non-blocking byte source. One reader
// goroutine moves bytes into a bounded queue; when the queue is full the
// reader stops, leaving further bytes in the OS buffer.
type Polled struct {
	open    Opener
	rxQueue int
	logger  *slog.Logger

	mu     sync.Mutex
	port   Port
	rx     chan byte
	cancel context.CancelFunc
	done   chan struct{}
}

type PolledOption func(*Polled)

// WithRxQueue sets the receive queue size in bytes.
func WithRxQueue(n int) PolledOption {
	return func(p *Polled) {
		if n > 0 {
			p.rxQueue = n
		}
	}
}

func WithPolledLogger(l *slog.Logger) PolledOption {
	return func(p *Polled) {
		if l != nil {
			p.logger = l
		}
	}
}

// NewPolled returns a closed Polled; Open starts it.
func NewPolled(open Opener, opts ...PolledOption) *Polled {
	p := &Polled{open: open, rxQueue: defaultRxQueue, logger: logging.L()}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Open (re)opens the port at baud and starts the reader. Bytes queued from a
// previous open are dropped.
func (p *Polled) Open(baud int) error {
	p.Close()
	port, err := p.open(baud)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(context.Background())
	rx := make(chan byte, p.rxQueue)
	done := make(chan struct{})
	p.mu.Lock()
	p.port, p.rx, p.cancel, p.done = port, rx, cancel, done
	p.mu.Unlock()
	go func() {
		defer close(done)
		p.readLoop(ctx, port, rx)
	}()
	p.logger.Debug("serial_reader_start", "baud", baud)
	return nil
}

func (p *Polled) readLoop(ctx context.Context, port Port, rx chan<- byte) {
	defer p.logger.Debug("serial_reader_end")
	buf := make([]byte, readChunkSize)
	backoff := rxBackoffMin
	for {
		if ctx.Err() != nil {
			return
		}
		n, err := port.Read(buf)
		for _, c := range buf[:n] {
			select {
			case rx <- c:
			case <-ctx.Done():
				return
			}
		}
		if n > 0 {
			backoff = rxBackoffMin
		}
		if err == nil {
			continue
		}
		if ctx.Err() != nil { // shutting down
			return
		}
		var perr *os.PathError
		if errors.As(err, &perr) {
			metrics.IncError(metrics.ErrSerialRead)
			p.logger.Error("serial_read_fatal", "error", err)
			return // device removed
		}
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			continue // read timeout
		}
		metrics.IncError(metrics.ErrSerialRead)
		p.logger.Warn("serial_read_error", "error", err, "backoff", backoff)
		sleepFn(backoff)
		backoff *= 2
		if backoff > rxBackoffMax {
			backoff = rxBackoffMax
		}
	}
}

// Buffered reports how many bytes ReadByte can return without blocking.
func (p *Polled) Buffered() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.rx)
}

// ReadByte returns the next queued byte or ErrNoData.
func (p *Polled) ReadByte() (byte, error) {
	p.mu.Lock()
	rx := p.rx
	p.mu.Unlock()
	if rx == nil {
		return 0, ErrNotOpen
	}
	select {
	case c := <-rx:
		return c, nil
	default:
		return 0, ErrNoData
	}
}

func (p *Polled) Write(b []byte) (int, error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if port == nil {
		return 0, ErrNotOpen
	}
	return port.Write(b)
}

// Flush waits for queued output to be transmitted when the port supports
// it (go.bug.st/serial); otherwise it is a no-op.
func (p *Polled) Flush() error {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if d, ok := port.(interface{ Drain() error }); ok {
		return d.Drain()
	}
	return nil
}

// Close stops the reader and closes the port. Safe to call repeatedly.
func (p *Polled) Close() error {
	p.mu.Lock()
	port, cancel, done := p.port, p.cancel, p.done
	p.port, p.rx, p.cancel, p.done = nil, nil, nil, nil
	p.mu.Unlock()
	if port == nil {
		return nil
	}
	cancel()
	err := port.Close()
	<-done
	return err
}

package linebuf

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"k8s.io/utils/clock"

	"github.com/kstaniek/go-uart-linebuf/internal/logging"
	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
)

const (
	// MaxMessageSize is the storage capacity. One byte is reserved for the
	// terminator, so a message holds at most MaxMessageSize-1 bytes.
	MaxMessageSize = 128

	DefaultBaudRate    = 9600
	DefaultSettleDelay = 2000 * time.Millisecond

	// NoBanner disables the boot banner in Configure.
	NoBanner = "none"

	bannerPrefix = "\n\n\n\n\n"
)

// SupportedBaudRates is the allow-list accepted by Configure.
var SupportedBaudRates = []int{4800, 9600, 115200}

var (
	ErrUnsupportedBaud = errors.New("unsupported baud rate")
	ErrNotReady        = errors.New("line buffer not ready to send")
)

// Transport is the byte stream a LineBuffer polls. Buffered reports how many
// bytes can be read without blocking; ReadByte must not block.
type Transport interface {
	Open(baud int) error
	Buffered() int
	ReadByte() (byte, error)
	Write(p []byte) (int, error)
	Flush() error
}

// OverflowPolicy selects what happens when storage fills before an
// end-of-message byte arrives.
type OverflowPolicy int

const (
	// OverflowTruncate closes out the truncated message for the consumer.
	OverflowTruncate OverflowPolicy = iota
	// OverflowDiscard drops the partial message and reopens for receiving.
	OverflowDiscard
)

func (p OverflowPolicy) String() string {
	if p == OverflowDiscard {
		return metrics.PolicyDiscard
	}
	return metrics.PolicyTruncate
}

// ParseOverflowPolicy maps "truncate" or "discard" to a policy.
func ParseOverflowPolicy(s string) (OverflowPolicy, error) {
	switch s {
	case metrics.PolicyTruncate:
		return OverflowTruncate, nil
	case metrics.PolicyDiscard:
		return OverflowDiscard, nil
	default:
		return OverflowTruncate, fmt.Errorf("unknown overflow policy %q", s)
	}
}

type State int

const (
	StateFilling State = iota
	StateReadyToSend
)

func (s State) String() string {
	switch s {
	case StateFilling:
		return "filling"
	case StateReadyToSend:
		return "ready_to_send"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// CloseReason records why the most recent message was closed out. Unlike
// the full flag it survives SendTo and Reset, until the next close-out.
type CloseReason int

const (
	CloseNone CloseReason = iota
	CloseEndOfMessage
	CloseOverflow
)

func (r CloseReason) String() string {
	switch r {
	case CloseEndOfMessage:
		return metrics.ReasonEndOfMessage
	case CloseOverflow:
		return metrics.ReasonOverflow
	default:
		return "none"
	}
}

// IsEndOfMessage reports whether c terminates a message: NUL, LF or CR.
func IsEndOfMessage(c byte) bool {
	return c == 0 || c == '\n' || c == '\r'
}

// IsSupportedBaud reports whether baud is in SupportedBaudRates.
func IsSupportedBaud(baud int) bool { return slices.Contains(SupportedBaudRates, baud) }

// LineBuffer is a single-message receive buffer bound to one Transport.
type LineBuffer struct {
	mu sync.Mutex

	port        Transport
	policy      OverflowPolicy
	clk         clock.Clock
	settleDelay time.Duration
	logger      *slog.Logger

	buf         [MaxMessageSize]byte
	n           int
	state       State
	full        bool
	remoteReady bool
	lastClose   CloseReason
	discarded   uint64
	baud        int
	start       time.Time
	stop        time.Time
}

type Option func(*LineBuffer)

// WithClock replaces the clock used for timestamps and the banner delay.
func WithClock(c clock.Clock) Option {
	return func(b *LineBuffer) {
		if c != nil {
			b.clk = c
		}
	}
}

// WithSettleDelay sets the wait before the boot banner; 0 disables it.
func WithSettleDelay(d time.Duration) Option {
	return func(b *LineBuffer) {
		if d >= 0 {
			b.settleDelay = d
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(b *LineBuffer) {
		if l != nil {
			b.logger = l
		}
	}
}

// New binds a LineBuffer to t and leaves it ready to receive. No I/O is
// performed; call Configure to open the transport.
func New(t Transport, policy OverflowPolicy, opts ...Option) *LineBuffer {
	b := &LineBuffer{
		port:        t,
		policy:      policy,
		clk:         clock.RealClock{},
		settleDelay: DefaultSettleDelay,
		logger:      logging.L(),
		baud:        DefaultBaudRate,
	}
	for _, o := range opts {
		o(b)
	}
	b.makeReady()
	return b
}

// Configure opens the transport at baud. A rate outside SupportedBaudRates
// keeps the previous rate: the transport is still opened at that rate and
// the returned error wraps ErrUnsupportedBaud. A banner other than "" or
// NoBanner is written after the settle delay, preceded by blank lines.
func (b *LineBuffer) Configure(ctx context.Context, baud int, banner string) error {
	b.mu.Lock()
	var rateErr error
	if IsSupportedBaud(baud) {
		b.baud = baud
	} else {
		rateErr = fmt.Errorf("%w: %d (keeping %d)", ErrUnsupportedBaud, baud, b.baud)
	}
	rate := b.baud
	err := b.port.Open(rate)
	b.mu.Unlock()
	if err != nil {
		metrics.IncError(metrics.ErrSerialOpen)
		return errors.Join(rateErr, fmt.Errorf("open transport at %d: %w", rate, err))
	}
	if rateErr != nil {
		metrics.IncError(metrics.ErrConfig)
		b.logger.Warn("baud_rejected", "requested", baud, "baud", rate)
	}
	if banner == "" || banner == NoBanner {
		return rateErr
	}
	if err := b.settle(ctx); err != nil {
		return errors.Join(rateErr, err)
	}
	b.mu.Lock()
	_, err = b.port.Write([]byte(bannerPrefix + banner))
	b.mu.Unlock()
	if err != nil {
		metrics.IncError(metrics.ErrSerialWrite)
		return errors.Join(rateErr, fmt.Errorf("write banner: %w", err))
	}
	return rateErr
}

func (b *LineBuffer) settle(ctx context.Context) error {
	if b.settleDelay <= 0 {
		return nil
	}
	select {
	case <-b.clk.After(b.settleDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// MakeReady empties the buffer and returns to FILLING. Timestamps, the baud
// rate and the last close reason are kept.
func (b *LineBuffer) MakeReady() {
	b.mu.Lock()
	b.makeReady()
	b.mu.Unlock()
}

func (b *LineBuffer) makeReady() {
	b.n = 0
	b.state = StateFilling
	b.full = false
	metrics.SetReadyToSend(false)
}

func (b *LineBuffer) closeout(reason CloseReason) {
	b.stop = b.clk.Now()
	b.state = StateReadyToSend
	b.buf[b.n] = 0
	b.lastClose = reason
	metrics.IncLineClosed(reason.String())
	metrics.SetReadyToSend(true)
	b.logger.Debug("line_closed", "len", b.n, "reason", reason.String())
}

// Reset flushes the transport and returns to FILLING. The buffer is reset
// even when the flush fails; the flush error is returned.
func (b *LineBuffer) Reset() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.reset()
}

func (b *LineBuffer) reset() error {
	err := b.port.Flush()
	b.makeReady()
	if err != nil {
		metrics.IncError(metrics.ErrSerialFlush)
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

// Poll consumes at most one byte while ready to receive and reports whether
// a message is ready to send. It never blocks.
func (b *LineBuffer) Poll() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.step()
	return b.state == StateReadyToSend
}

// Drain consumes every byte currently available, stopping at the first
// close-out, and reports whether a message is ready to send. Bytes after the
// end-of-message marker stay in the transport.
func (b *LineBuffer) Drain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for b.step() && b.state == StateFilling {
	}
	return b.state == StateReadyToSend
}

// step advances the state machine by one byte and reports whether a byte was
// consumed.
func (b *LineBuffer) step() bool {
	if b.state != StateFilling || b.port.Buffered() <= 0 {
		return false
	}
	c, err := b.port.ReadByte()
	if err != nil {
		metrics.IncError(metrics.ErrSerialRead)
		b.logger.Debug("linebuf_read_error", "error", err)
		return false
	}
	metrics.IncSerialRxByte()
	if IsEndOfMessage(c) {
		b.closeout(CloseEndOfMessage)
		return true
	}
	if b.n == 0 {
		b.start = b.clk.Now()
	}
	b.buf[b.n] = c
	b.n++
	if b.n >= MaxMessageSize-1 {
		b.overflow()
	}
	return true
}

func (b *LineBuffer) overflow() {
	metrics.IncLineOverflow(b.policy.String())
	if b.policy == OverflowDiscard {
		b.discarded++
		b.makeReady()
		b.full = true
		b.logger.Debug("line_discarded", "len", MaxMessageSize-1)
		return
	}
	b.full = true
	b.closeout(CloseOverflow)
}

// SendTo writes the closed-out message to w and resets the buffer. It
// returns ErrNotReady unless a message is ready to send. The buffer is reset
// even if the write fails. w must not retain the slice it is given.
func (b *LineBuffer) SendTo(w io.Writer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReadyToSend {
		return ErrNotReady
	}
	var werr error
	if _, err := w.Write(b.buf[:b.n]); err != nil {
		metrics.IncError(metrics.ErrLineSend)
		werr = fmt.Errorf("send line: %w", err)
	} else {
		metrics.IncLineSent()
	}
	return errors.Join(werr, b.reset())
}

// Message returns a copy of the closed-out message, or false while filling.
func (b *LineBuffer) Message() ([]byte, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateReadyToSend {
		return nil, false
	}
	return slices.Clone(b.buf[:b.n]), true
}

// SetRemoteReady records whether the counterpart can accept a message. It is
// advisory: neither Poll nor SendTo consult it.
func (b *LineBuffer) SetRemoteReady(ready bool) {
	b.mu.Lock()
	b.remoteReady = ready
	b.mu.Unlock()
}

func (b *LineBuffer) RemoteReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.remoteReady
}

// ReadyToReceive reports the RTR flag.
func (b *LineBuffer) ReadyToReceive() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateFilling
}

// ReadyToSend reports the RTS flag.
func (b *LineBuffer) ReadyToSend() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateReadyToSend
}

func (b *LineBuffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Full reports whether storage filled without an end-of-message byte. It is
// cleared by the next SendTo, Reset or MakeReady; LastClose and Discarded
// keep the outcome visible after that.
func (b *LineBuffer) Full() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.full
}

// Len is the number of message bytes currently stored.
func (b *LineBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.n
}

func (b *LineBuffer) LastClose() CloseReason {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastClose
}

// Discarded counts messages dropped by OverflowDiscard.
func (b *LineBuffer) Discarded() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.discarded
}

func (b *LineBuffer) Policy() OverflowPolicy { return b.policy }

func (b *LineBuffer) BaudRate() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.baud
}

// StartTime is when the first byte of the current or last message arrived.
func (b *LineBuffer) StartTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.start
}

// StopTime is when the last message was closed out.
func (b *LineBuffer) StopTime() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stop
}

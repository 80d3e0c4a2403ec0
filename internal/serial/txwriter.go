package serial

import (
	"context"
	"errors"
	"io"

	"github.com/kstaniek/go-uart-linebuf/internal/logging"
	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
	"github.com/kstaniek/go-uart-linebuf/internal/transport"
)

var ErrTxOverflow = errors.New("serial tx overflow")

// TXWriter funnels all serial line writes through one goroutine. Each line
// is written followed by the terminator.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter creates a serial TXWriter with a buffered channel of size buf.
func NewTXWriter(parent context.Context, w io.Writer, terminator []byte, buf int) *TXWriter {
	send := func(line []byte) error {
		_, err := w.Write(append(line, terminator...))
		return err
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncSerialTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrSerialOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, send, hooks)}
}

// SendLine queues a line for asynchronous write (drops with ErrTxOverflow if buffer full).
func (w *TXWriter) SendLine(line []byte) error { return w.base.SendLine(line) }

// Write queues p as one line.
func (w *TXWriter) Write(p []byte) (int, error) { return w.base.Write(p) }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }

var _ transport.LineWriter = (*TXWriter)(nil)

package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-uart-linebuf/internal/hub"
	"github.com/kstaniek/go-uart-linebuf/internal/linebuf"
	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
	"github.com/kstaniek/go-uart-linebuf/internal/serial"
	"github.com/kstaniek/go-uart-linebuf/internal/transport"
)

type deadlineReader interface {
	io.Reader
	SetReadDeadline(t time.Time) error
}

// startReader launches the goroutine feeding client lines to Send.
func (s *Server) startReader(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() { _ = conn.Close() }()
		stopped := func() bool {
			select {
			case <-ctxDone:
				return true
			case <-cl.Closed:
				return true
			default:
				return false
			}
		}
		if err := s.readLines(conn, stopped, logger); err != nil {
			_ = s.fail(fmt.Errorf("%w: %v", ErrConnRead, err))
		}
	}()
}

// readLines splits r on CR or LF and delivers each non-empty line. Lines
// longer than maxLineLength are dropped up to their terminator. The read
// deadline is renewed only when the buffer is empty, so once per fill.
// EOF and a closed connection return nil.
func (s *Server) readLines(r deadlineReader, stopped func() bool, logger *slog.Logger) error {
	br := bufio.NewReader(r)
	line := make([]byte, 0, 128)
	oversize := false
	for !stopped() {
		if br.Buffered() == 0 {
			_ = r.SetReadDeadline(time.Now().Add(s.readDeadline))
		}
		c, err := br.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return err
		}
		if !linebuf.IsEndOfMessage(c) {
			switch {
			case oversize:
			case len(line) >= s.maxLineLength:
				oversize = true
				line = line[:0]
				s.stats.oversize.Add(1)
				logger.Warn("client_line_oversize", "max", s.maxLineLength)
			default:
				line = append(line, c)
			}
			continue
		}
		if oversize {
			oversize = false
			continue
		}
		if len(line) > 0 {
			s.deliver(line, logger)
			line = line[:0]
		}
	}
	return nil
}

// deliver passes one client line to the UART side. A full or closed TX queue
// drops the line without recording an error.
func (s *Server) deliver(line []byte, logger *slog.Logger) {
	metrics.IncTCPRx()
	s.stats.linesIn.Add(1)
	if s.Send == nil {
		return
	}
	err := s.Send(line)
	switch {
	case err == nil:
	case errors.Is(err, serial.ErrTxOverflow), errors.Is(err, transport.ErrAsyncTxClosed):
		s.stats.uartQueueFull.Add(1)
		logger.Debug("uart_queue_full_drop", "len", len(line))
	default:
		s.stats.uartErrors.Add(1)
		wrap := s.fail(fmt.Errorf("%w: %v", ErrUARTSend, err))
		logger.Error("uart_send_error", "error", wrap, "len", len(line))
	}
}

package server

import (
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-uart-linebuf/internal/hub"
	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
)

// startWriter launches the goroutine pushing hub lines to a single client connection.
// Each line goes out terminated by a single LF.
func (s *Server) startWriter(ctxDone <-chan struct{}, conn net.Conn, cl *hub.Client, logger *slog.Logger) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		// A kicked client may be stuck in conn.Write; closing the conn unblocks it.
		go func() { <-cl.Closed; _ = conn.Close() }()
		defer func() {
			s.drop(cl, conn)
			s.stats.disconnected.Add(1)
			logger.Info("client_disconnected")
		}()
		t := time.NewTicker(s.flushInterval)
		defer t.Stop()
		var payload []byte
		pending := 0
		flush := func() error {
			if pending == 0 {
				return nil
			}
			n := pending
			_, err := conn.Write(payload)
			payload = payload[:0]
			pending = 0
			if err != nil {
				return s.fail(fmt.Errorf("%w: %v", ErrConnWrite, err))
			}
			metrics.AddTCPTx(n)
			s.stats.linesOut.Add(uint64(n))
			return nil
		}
		for {
			select {
			case line := <-cl.Out:
				payload = append(payload, line...)
				payload = append(payload, '\n')
				pending++
				if pending >= s.batchSize {
					if err := flush(); err != nil {
						return
					}
				}
			case <-t.C:
				if err := flush(); err != nil {
					return
				}
			case <-cl.Closed:
				_ = flush()
				return
			case <-ctxDone:
				_ = flush()
				return
			}
		}
	}()
}

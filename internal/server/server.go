package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-uart-linebuf/internal/hub"
	"github.com/kstaniek/go-uart-linebuf/internal/logging"
	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
)

// SendFunc hands one client line, without its terminator, to the UART side.
// It must not retain line.
type SendFunc func(line []byte) error

const (
	defaultFlushInterval = 5 * time.Millisecond
	defaultBatchSize     = 64
	defaultReadDeadline  = 60 * time.Second
	defaultClientQueue   = 512
	keepAlivePeriod      = 30 * time.Second
	acceptRetryDelay     = 200 * time.Millisecond
	// DefaultMaxLineLength bounds a single client line; longer lines are dropped.
	DefaultMaxLineLength = 1024
)

// Stats counts line traffic over the server's lifetime.
type Stats struct {
	Accepted      uint64
	Rejected      uint64
	Disconnected  uint64
	LinesIn       uint64 // client lines handed to Send
	LinesOut      uint64 // hub lines written to clients
	OversizeLines uint64
	UARTQueueFull uint64
	UARTErrors    uint64
}

type lineStats struct {
	accepted, rejected, disconnected atomic.Uint64
	linesIn, linesOut, oversize      atomic.Uint64
	uartQueueFull, uartErrors        atomic.Uint64
}

func (c *lineStats) snapshot() Stats {
	return Stats{
		Accepted:      c.accepted.Load(),
		Rejected:      c.rejected.Load(),
		Disconnected:  c.disconnected.Load(),
		LinesIn:       c.linesIn.Load(),
		LinesOut:      c.linesOut.Load(),
		OversizeLines: c.oversize.Load(),
		UARTQueueFull: c.uartQueueFull.Load(),
		UARTErrors:    c.uartErrors.Load(),
	}
}

// Server accepts newline-delimited TCP clients. Lines broadcast on Hub go to
// every client terminated by LF; lines clients send go to Send.
type Server struct {
	Hub  *hub.Hub
	Send SendFunc

	flushInterval time.Duration
	batchSize     int
	readDeadline  time.Duration
	maxLineLength int
	maxClients    int
	logger        *slog.Logger

	mu       sync.RWMutex
	addr     string
	listener net.Listener

	readyOnce sync.Once
	readyCh   chan struct{}

	lastErrMu sync.Mutex
	lastErr   error
	errCh     chan error

	clientsMu sync.Mutex
	clients   map[*hub.Client]net.Conn
	wg        sync.WaitGroup

	nextConnID atomic.Uint64
	stats      lineStats
}

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		flushInterval: defaultFlushInterval,
		batchSize:     defaultBatchSize,
		readDeadline:  defaultReadDeadline,
		maxLineLength: DefaultMaxLineLength,
		logger:        logging.L(),
		addr:          ":0",
		readyCh:       make(chan struct{}),
		errCh:         make(chan error, 1),
		clients:       make(map[*hub.Client]net.Conn),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func WithListenAddr(a string) ServerOption { return func(s *Server) { s.addr = a } }
func WithHub(hb *hub.Hub) ServerOption     { return func(s *Server) { s.Hub = hb } }
func WithSend(send SendFunc) ServerOption  { return func(s *Server) { s.Send = send } }

// WithFlushInterval sets how long outbound lines may wait to be batched.
func WithFlushInterval(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.flushInterval = d
		}
	}
}

// WithBatchSize sets how many outbound lines are coalesced into one write.
func WithBatchSize(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithReadDeadline sets the idle read deadline per client.
func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

func WithMaxLineLength(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxLineLength = n
		}
	}
}

// WithMaxClients limits simultaneous clients; 0 means unlimited.
func WithMaxClients(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxClients = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) SetListenAddr(a string) { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }
func (s *Server) Stats() Stats           { return s.stats.snapshot() }

func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// fail records err as the last error, counts it and offers it on Errors.
func (s *Server) fail(err error) error {
	metrics.IncError(mapErrToMetric(err))
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
	return err
}

// Serve listens and accepts clients until ctx is cancelled or Shutdown is
// called, both of which return nil.
func (s *Server) Serve(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.Addr())
	if err != nil {
		return s.fail(fmt.Errorf("%w: %v", ErrListen, err))
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr(), "max_line", s.maxLineLength, "max_clients", s.maxClients)
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) {
				time.Sleep(acceptRetryDelay)
				continue
			}
			return s.fail(fmt.Errorf("%w: %v", ErrAccept, err))
		}
		s.admit(ctx, conn)
	}
}

// admit registers conn as a hub client unless the client limit is reached.
func (s *Server) admit(ctx context.Context, conn net.Conn) {
	s.stats.accepted.Add(1)
	logger := s.logger.With("conn_id", s.nextConnID.Add(1), "remote", conn.RemoteAddr().String())
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(keepAlivePeriod)
	}
	if s.maxClients > 0 && s.Hub != nil && s.Hub.Count() >= s.maxClients {
		s.stats.rejected.Add(1)
		metrics.IncHubReject()
		logger.Warn("client_reject_max", "max_clients", s.maxClients)
		_ = conn.Close()
		return
	}
	queue := defaultClientQueue
	if s.Hub != nil && s.Hub.OutBufSize > 0 {
		queue = s.Hub.OutBufSize
	}
	cl := hub.NewClient(queue)
	if s.Hub != nil {
		s.Hub.Add(cl)
	}
	s.clientsMu.Lock()
	s.clients[cl] = conn
	s.clientsMu.Unlock()
	logger.Info("client_connected", "queue", queue)
	s.startWriter(ctx.Done(), conn, cl, logger)
	s.startReader(ctx.Done(), conn, cl, logger)
}

// drop closes a client's connection and unregisters it; safe to repeat.
func (s *Server) drop(cl *hub.Client, conn net.Conn) {
	_ = conn.Close()
	cl.Close()
	if s.Hub != nil {
		s.Hub.Remove(cl)
	}
	s.clientsMu.Lock()
	delete(s.clients, cl)
	s.clientsMu.Unlock()
}

// Shutdown stops accepting, disconnects every client and waits for their
// goroutines or ctx.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.clientsMu.Lock()
	conns := make(map[*hub.Client]net.Conn, len(s.clients))
	for cl, conn := range s.clients {
		conns[cl] = conn
	}
	s.clientsMu.Unlock()
	for cl, conn := range conns {
		s.drop(cl, conn)
	}
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		st := s.Stats()
		s.logger.Info("shutdown_summary",
			"accepted", st.Accepted,
			"rejected", st.Rejected,
			"disconnected", st.Disconnected,
			"lines_in", st.LinesIn,
			"lines_out", st.LinesOut,
			"oversize_lines", st.OversizeLines,
			"uart_queue_full", st.UARTQueueFull,
			"uart_errors", st.UARTErrors,
		)
		return nil
	}
}

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"k8s.io/utils/clock"

	"github.com/kstaniek/go-uart-linebuf/internal/hub"
	"github.com/kstaniek/go-uart-linebuf/internal/linebuf"
	"github.com/kstaniek/go-uart-linebuf/internal/serial"
)

const (
	txQueueSize = 1024 // capacity of each async TX queue (lines)
	// uartTerminator ends every line written to a serial device.
	uartTerminator = "\r\n"
)

// sourcePort is the source UART as seen by the LineBuffer.
type sourcePort interface {
	linebuf.Transport
	io.Closer
}

var (
	_ sourcePort = (*serial.Polled)(nil)
	_ sourcePort = (*serial.TTY)(nil)
)

// tarmOpener is a hook for tests (overridden in unit tests).
var tarmOpener = serial.TarmOpener

// echoOut receives echoed lines.
var echoOut io.Writer = os.Stdout

// newSourcePort builds the transport for cfg.backend. The device is opened
// later by LineBuffer.Configure.
func newSourcePort(cfg *appConfig, l *slog.Logger) (sourcePort, error) {
	switch cfg.backend {
	case "tarm":
		open := tarmOpener(cfg.serialDev, cfg.serialReadTO)
		return serial.NewPolled(open, serial.WithPolledLogger(l)), nil
	case "bugst":
		open := serial.BugstOpener(cfg.serialDev, serial.Mode{}, cfg.serialReadTO)
		return serial.NewPolled(open, serial.WithPolledLogger(l)), nil
	case "tty":
		return serial.NewTTY(cfg.serialDev), nil
	default:
		return nil, fmt.Errorf("unknown backend %q (use tarm|bugst|tty)", cfg.backend)
	}
}

// initBackend opens the source UART, starts the pump and returns the sender
// for lines coming from TCP clients plus a cleanup. It returns an error
// instead of exiting the process to allow graceful handling by the caller.
func initBackend(ctx context.Context, cfg *appConfig, h *hub.Hub, l *slog.Logger, wg *sync.WaitGroup) (func([]byte) error, func(), error) {
	policy, err := linebuf.ParseOverflowPolicy(cfg.overflow)
	if err != nil {
		return nil, func() {}, err
	}
	port, err := newSourcePort(cfg, l)
	if err != nil {
		return nil, func() {}, err
	}
	lb := linebuf.New(port, policy, linebuf.WithSettleDelay(cfg.settleDelay), linebuf.WithLogger(l))
	if err := lb.Configure(ctx, cfg.baud, cfg.banner); err != nil {
		_ = port.Close()
		return nil, func() {}, fmt.Errorf("configure serial: %w", err)
	}
	l.Info("serial_open", "device", cfg.serialDev, "backend", cfg.backend, "baud", lb.BaudRate(), "overflow", policy.String())
	tx := serial.NewTXWriter(ctx, port, []byte(uartTerminator), txQueueSize)

	dest := fanout{h}
	closers := []func(){tx.Close}
	forward := false
	if cfg.forwardDev != "" {
		fp, err := tarmOpener(cfg.forwardDev, cfg.serialReadTO)(cfg.baud)
		if err != nil {
			tx.Close()
			_ = port.Close()
			return nil, func() {}, fmt.Errorf("open forward: %w", err)
		}
		fw := serial.NewTXWriter(ctx, fp, []byte(uartTerminator), txQueueSize)
		dest = append(dest, fw)
		closers = append(closers, func() { fw.Close(); _ = fp.Close() })
		forward = true
		l.Info("forward_open", "device", cfg.forwardDev, "baud", cfg.baud)
	}
	if cfg.echo {
		dest = append(dest, terminated{w: echoOut, term: []byte("\n")})
	}

	p := &pump{
		lb:            lb,
		dest:          dest,
		remote:        func() bool { return forward || cfg.echo || h.Count() > 0 },
		requireRemote: cfg.requireRemote,
		skipEmpty:     cfg.skipEmpty,
		tick:          cfg.tick,
		clk:           clock.RealClock{},
		logger:        l,
	}
	pctx, stop := context.WithCancel(ctx)
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(done)
		p.run(pctx)
	}()
	cleanup := func() {
		stop()
		<-done
		for _, c := range closers {
			c()
		}
		_ = port.Close()
	}
	return tx.SendLine, cleanup, nil
}

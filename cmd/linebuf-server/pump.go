package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"time"

	"k8s.io/utils/clock"

	"github.com/kstaniek/go-uart-linebuf/internal/linebuf"
	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
)

// maxLinesPerTick bounds the work done in one tick on a busy source.
const maxLinesPerTick = 64

// pump moves completed lines from the LineBuffer to the destination on a
// fixed tick.
type pump struct {
	lb            *linebuf.LineBuffer
	dest          io.Writer
	remote        func() bool
	requireRemote bool
	skipEmpty     bool
	tick          time.Duration
	clk           clock.WithTicker
	logger        *slog.Logger
}

func (p *pump) run(ctx context.Context) {
	p.logger.Info("pump_start", "tick", p.tick, "require_remote", p.requireRemote, "skip_empty", p.skipEmpty)
	defer p.logger.Info("pump_end")
	t := p.clk.NewTicker(p.tick)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C():
			for i := 0; i < maxLinesPerTick && p.step(); i++ {
			}
		}
	}
}

// step runs one cycle and reports whether a line left the buffer.
func (p *pump) step() bool {
	if !p.lb.Drain() {
		return false
	}
	msg, _ := p.lb.Message()
	if len(msg) == 0 && p.skipEmpty {
		metrics.IncLineSkipped()
		if err := p.lb.Reset(); err != nil {
			p.logger.Warn("line_reset_error", "error", err)
		}
		return true
	}
	p.lb.SetRemoteReady(p.remote())
	if p.requireRemote && !p.lb.RemoteReady() {
		return false
	}
	if p.lb.LastClose() == linebuf.CloseOverflow {
		p.logger.Warn("line_overflow", "len", len(msg), "policy", p.lb.Policy().String())
	}
	if err := p.lb.SendTo(p.dest); err != nil {
		p.logger.Warn("line_send_error", "error", err, "len", len(msg))
		return true
	}
	p.logger.Debug("line_sent", "len", len(msg), "took", p.lb.StopTime().Sub(p.lb.StartTime()))
	return true
}

// fanout writes every line to all writers, continuing past failures.
type fanout []io.Writer

func (f fanout) Write(p []byte) (int, error) {
	var errs []error
	for _, w := range f {
		if _, err := w.Write(p); err != nil {
			errs = append(errs, err)
		}
	}
	return len(p), errors.Join(errs...)
}

// terminated appends term to each line before writing it to w.
type terminated struct {
	w    io.Writer
	term []byte
}

func (t terminated) Write(p []byte) (int, error) {
	buf := make([]byte, 0, len(p)+len(t.term))
	buf = append(append(buf, p...), t.term...)
	if _, err := t.w.Write(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

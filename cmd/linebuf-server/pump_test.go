package main

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	clocktesting "k8s.io/utils/clock/testing"

	"github.com/kstaniek/go-uart-linebuf/internal/linebuf"
	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
)

// memPort is an in-memory linebuf.Transport.
type memPort struct {
	mu  sync.Mutex
	in  []byte
	out bytes.Buffer
}

func (p *memPort) feed(s string) { p.mu.Lock(); p.in = append(p.in, s...); p.mu.Unlock() }

func (p *memPort) Open(int) error { return nil }

func (p *memPort) Buffered() int { p.mu.Lock(); defer p.mu.Unlock(); return len(p.in) }

func (p *memPort) ReadByte() (byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.in) == 0 {
		return 0, errors.New("empty")
	}
	c := p.in[0]
	p.in = p.in[1:]
	return c, nil
}

func (p *memPort) Write(b []byte) (int, error) { p.mu.Lock(); defer p.mu.Unlock(); return p.out.Write(b) }

func (p *memPort) Flush() error { return nil }

// lineSink records each Write as one line.
type lineSink struct {
	mu    sync.Mutex
	lines []string
	err   error
}

func (s *lineSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lines = append(s.lines, string(p))
	return len(p), s.err
}

func (s *lineSink) got() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.lines...)
}

func newTestPump(policy linebuf.OverflowPolicy) (*pump, *memPort, *lineSink) {
	port := &memPort{}
	sink := &lineSink{}
	lb := linebuf.New(port, policy, linebuf.WithSettleDelay(0), linebuf.WithLogger(testLogger()))
	p := &pump{
		lb:     lb,
		dest:   sink,
		remote: func() bool { return true },
		tick:   time.Millisecond,
		logger: testLogger(),
	}
	return p, port, sink
}

func TestPumpSendsCompletedLines(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowTruncate)
	port.feed("one\ntwo\rpartial")
	for p.step() {
	}
	if got := strings.Join(sink.got(), ","); got != "one,two" {
		t.Fatalf("sent %q", got)
	}
	if p.lb.Len() != len("partial") || p.lb.ReadyToSend() {
		t.Fatalf("partial line should still be filling, len=%d", p.lb.Len())
	}
}

func TestPumpSkipsEmptyLines(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowTruncate)
	p.skipEmpty = true
	before := metrics.Snap().LinesSkipped
	port.feed("a\r\n\x00b\n")
	for p.step() {
	}
	if got := strings.Join(sink.got(), ","); got != "a,b" {
		t.Fatalf("sent %q", got)
	}
	if d := metrics.Snap().LinesSkipped - before; d != 2 {
		t.Fatalf("skipped delta = %d, want 2", d)
	}
}

func TestPumpSendsEmptyLinesByDefault(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowTruncate)
	port.feed("\n")
	if !p.step() {
		t.Fatalf("expected empty line to leave the buffer")
	}
	if got := sink.got(); len(got) != 1 || got[0] != "" {
		t.Fatalf("sent %q", got)
	}
}

func TestPumpHoldsLineUntilRemoteReady(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowTruncate)
	ready := false
	p.remote = func() bool { return ready }
	p.requireRemote = true
	port.feed("held\nnext\n")

	if p.step() {
		t.Fatalf("line left the buffer without a ready destination")
	}
	if !p.lb.ReadyToSend() || p.lb.RemoteReady() {
		t.Fatalf("expected RTS with remote not ready")
	}
	if port.Buffered() != len("next\n") {
		t.Fatalf("source consumed past the held line: %d left", port.Buffered())
	}
	ready = true
	for p.step() {
	}
	if got := strings.Join(sink.got(), ","); got != "held,next" {
		t.Fatalf("sent %q", got)
	}
}

func TestPumpRemoteAdvisoryWhenNotRequired(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowTruncate)
	p.remote = func() bool { return false }
	port.feed("x\n")
	if !p.step() {
		t.Fatalf("expected send without a ready remote")
	}
	if len(sink.got()) != 1 {
		t.Fatalf("sent %q", sink.got())
	}
}

func TestPumpTruncatedLine(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowTruncate)
	port.feed(strings.Repeat("z", 200) + "\n")
	if !p.step() {
		t.Fatalf("expected truncated line to be sent")
	}
	got := sink.got()
	if len(got) != 1 || len(got[0]) != linebuf.MaxMessageSize-1 {
		t.Fatalf("truncated line len = %d", len(got[0]))
	}
	if p.lb.LastClose() != linebuf.CloseOverflow {
		t.Fatalf("last close = %v", p.lb.LastClose())
	}
}

func TestPumpDiscardedLine(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowDiscard)
	port.feed(strings.Repeat("z", 130) + "\nok\n")
	for p.step() {
	}
	if got := strings.Join(sink.got(), ","); got != "zzz,ok" {
		t.Fatalf("sent %q", got)
	}
	if p.lb.Discarded() != 1 {
		t.Fatalf("discarded = %d", p.lb.Discarded())
	}
}

func TestPumpSendErrorStillResets(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowTruncate)
	sink.err = errors.New("gone")
	port.feed("a\n")
	if !p.step() {
		t.Fatalf("expected step to report the line")
	}
	if !p.lb.ReadyToReceive() {
		t.Fatalf("buffer not reset after failed send")
	}
}

func TestPumpRunOnTick(t *testing.T) {
	p, port, sink := newTestPump(linebuf.OverflowTruncate)
	fc := clocktesting.NewFakeClock(time.Now())
	p.clk = fc
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { defer close(done); p.run(ctx) }()
	defer func() { cancel(); <-done }()

	deadline := time.Now().Add(time.Second)
	for !fc.HasWaiters() {
		if time.Now().After(deadline) {
			t.Fatalf("pump never created its ticker")
		}
		time.Sleep(time.Millisecond)
	}
	port.feed("tick\n")
	if len(sink.got()) != 0 {
		t.Fatalf("line sent before tick")
	}
	fc.Step(p.tick)
	for len(sink.got()) == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("line not sent after tick")
		}
		time.Sleep(time.Millisecond)
	}
	if sink.got()[0] != "tick" {
		t.Fatalf("sent %q", sink.got())
	}
}

func TestFanoutContinuesPastErrors(t *testing.T) {
	bad := &lineSink{err: errors.New("full")}
	good := &lineSink{}
	n, err := fanout{bad, good}.Write([]byte("L"))
	if err == nil || n != 1 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if len(good.got()) != 1 {
		t.Fatalf("second writer skipped")
	}
}

func TestTerminatedAppendsTerminator(t *testing.T) {
	var buf bytes.Buffer
	w := terminated{w: &buf, term: []byte("\r\n")}
	if n, err := w.Write([]byte("abc")); err != nil || n != 3 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	if buf.String() != "abc\r\n" {
		t.Fatalf("got %q", buf.String())
	}
}

package server

import (
	"bytes"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kstaniek/go-uart-linebuf/internal/logging"
)

// chunkConn returns its chunks one Read at a time, then io.EOF.
type chunkConn struct {
	chunks    [][]byte
	deadlines atomic.Int32
}

func (c *chunkConn) Read(p []byte) (int, error) {
	if len(c.chunks) == 0 {
		return 0, io.EOF
	}
	n := copy(p, c.chunks[0])
	c.chunks[0] = c.chunks[0][n:]
	if len(c.chunks[0]) == 0 {
		c.chunks = c.chunks[1:]
	}
	return n, nil
}

func (c *chunkConn) SetReadDeadline(time.Time) error { c.deadlines.Add(1); return nil }

func never() bool { return false }

// TestReadLinesDeadlinePerFill renews the deadline per buffer fill, not per byte.
func TestReadLinesDeadlinePerFill(t *testing.T) {
	rec := &lineRecorder{}
	srv := NewServer(WithLogger(logging.Discard()), WithSend(rec.send))
	payload := bytes.Repeat([]byte("abcdefghi\n"), 10)
	conn := &chunkConn{chunks: [][]byte{payload}}

	if err := srv.readLines(conn, never, logging.Discard()); err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if got := len(rec.snapshot()); got != 10 {
		t.Fatalf("lines = %d, want 10", got)
	}
	// One fill for the payload and one that hits EOF.
	if got := conn.deadlines.Load(); got != 2 {
		t.Fatalf("SetReadDeadline calls = %d, want 2", got)
	}
}

// TestReadLinesSplitsAcrossReads joins a line split over several reads.
func TestReadLinesSplitsAcrossReads(t *testing.T) {
	rec := &lineRecorder{}
	srv := NewServer(WithLogger(logging.Discard()), WithSend(rec.send))
	conn := &chunkConn{chunks: [][]byte{[]byte("he"), []byte("llo\r\n\nwor"), []byte("ld\r")}}

	if err := srv.readLines(conn, never, logging.Discard()); err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if got := strings.Join(rec.snapshot(), ","); got != "hello,world" {
		t.Fatalf("lines = %q", got)
	}
	if got := conn.deadlines.Load(); got != 4 {
		t.Fatalf("SetReadDeadline calls = %d, want 4", got)
	}
	st := srv.Stats()
	if st.LinesIn != 2 || st.OversizeLines != 0 {
		t.Fatalf("stats = %+v", st)
	}
}

// timeoutConn fails its first Read with a timeout, then serves data.
type timeoutConn struct {
	chunkConn
	timedOut bool
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func (c *timeoutConn) Read(p []byte) (int, error) {
	if !c.timedOut {
		c.timedOut = true
		return 0, timeoutErr{}
	}
	return c.chunkConn.Read(p)
}

// TestReadLinesIdleTimeoutKeepsReading treats a read deadline as idle, not fatal.
func TestReadLinesIdleTimeoutKeepsReading(t *testing.T) {
	rec := &lineRecorder{}
	srv := NewServer(WithLogger(logging.Discard()), WithSend(rec.send))
	conn := &timeoutConn{chunkConn: chunkConn{chunks: [][]byte{[]byte("ping\n")}}}

	if err := srv.readLines(conn, never, logging.Discard()); err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if got := strings.Join(rec.snapshot(), ","); got != "ping" {
		t.Fatalf("lines = %q", got)
	}
}

type brokenConn struct{ chunkConn }

var errReset = errors.New("connection reset")

func (c *brokenConn) Read([]byte) (int, error) { return 0, errReset }

// TestReadLinesReturnsReadError surfaces non-timeout read errors.
func TestReadLinesReturnsReadError(t *testing.T) {
	srv := NewServer(WithLogger(logging.Discard()))
	err := srv.readLines(&brokenConn{}, never, logging.Discard())
	if !errors.Is(err, errReset) {
		t.Fatalf("expected errReset, got %v", err)
	}
}

// TestReadLinesStops returns as soon as the stop check fires.
func TestReadLinesStops(t *testing.T) {
	rec := &lineRecorder{}
	srv := NewServer(WithLogger(logging.Discard()), WithSend(rec.send))
	conn := &chunkConn{chunks: [][]byte{[]byte("a\n")}}
	if err := srv.readLines(conn, func() bool { return true }, logging.Discard()); err != nil {
		t.Fatalf("readLines: %v", err)
	}
	if len(rec.snapshot()) != 0 || conn.deadlines.Load() != 0 {
		t.Fatalf("expected no reads after stop")
	}
}

package hub

import (
	"testing"
	"time"
)

func TestHub_Broadcast_DropDoesNotBlock(t *testing.T) {
	h := New()
	cl := NewClient(4)
	h.Add(cl)
	defer h.Remove(cl)

	// Don't read from cl.Out to simulate slow client
	start := time.Now()
	for i := 0; i < 1000; i++ {
		h.Broadcast([]byte("$GPRMC,1"))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Broadcast took too long: %s", elapsed)
	}
	if len(cl.Out) != cap(cl.Out) {
		t.Fatalf("expected client buffer to be full, got len=%d cap=%d", len(cl.Out), cap(cl.Out))
	}
}

func TestHub_Broadcast_DropKeepsOthersFlowing(t *testing.T) {
	h := New()
	slow := NewClient(1)
	fast := NewClient(16)
	h.Add(slow)
	h.Add(fast)
	defer h.Remove(slow)
	defer h.Remove(fast)

	for i := 0; i < 10; i++ {
		h.Broadcast([]byte("tick"))
	}
	if len(fast.Out) != 10 {
		t.Fatalf("fast client got %d lines, want 10", len(fast.Out))
	}
	if len(slow.Out) != 1 {
		t.Fatalf("slow client queue len=%d, want 1", len(slow.Out))
	}
}

func TestHub_Broadcast_KickClosesSlowClient(t *testing.T) {
	h := New()
	h.Policy = PolicyKick
	slow := NewClient(1)
	h.Add(slow)
	defer h.Remove(slow)
	h.Broadcast([]byte("a"))
	h.Broadcast([]byte("b"))
	select {
	case <-slow.Closed:
	default:
		t.Fatalf("expected slow client to be kicked")
	}
}

func TestHub_WriteCopiesLine(t *testing.T) {
	h := New()
	cl := NewClient(2)
	h.Add(cl)
	defer h.Remove(cl)
	buf := []byte("hello")
	if n, err := h.Write(buf); err != nil || n != len(buf) {
		t.Fatalf("write n=%d err=%v", n, err)
	}
	copy(buf, "XXXXX")
	if got := string(<-cl.Out); got != "hello" {
		t.Fatalf("line aliased caller buffer: %q", got)
	}
}

func TestHub_RemoveIdempotent(t *testing.T) {
	h := New()
	cl := NewClient(1)
	h.Add(cl)
	h.Remove(cl)
	h.Remove(cl)
	if h.Count() != 0 {
		t.Fatalf("expected 0 clients got %d", h.Count())
	}
}

package transport

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

var (
	errOverflow = errors.New("overflow")
	errSendFail = errors.New("send fail")
)

// TestAsyncTxSuccess verifies lines are sent in order and hooks fire.
func TestAsyncTxSuccess(t *testing.T) {
	var mu sync.Mutex
	var got []string
	var after atomic.Int64
	ax := NewAsyncTx(context.Background(), 4, func(line []byte) error {
		mu.Lock()
		got = append(got, string(line))
		mu.Unlock()
		return nil
	}, Hooks{OnAfter: func() { after.Add(1) }})
	defer ax.Close()
	for _, s := range []string{"a", "bb", "ccc"} {
		if err := ax.SendLine([]byte(s)); err != nil {
			t.Fatalf("unexpected send error: %v", err)
		}
	}
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && after.Load() < 3 {
		time.Sleep(5 * time.Millisecond)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 || got[0] != "a" || got[2] != "ccc" {
		t.Fatalf("unexpected lines %q", got)
	}
}

// TestAsyncTxCopiesLine ensures the caller may reuse its buffer after SendLine.
func TestAsyncTxCopiesLine(t *testing.T) {
	release := make(chan struct{})
	out := make(chan string, 1)
	ax := NewAsyncTx(context.Background(), 2, func(line []byte) error {
		<-release
		out <- string(line)
		return nil
	}, Hooks{})
	defer ax.Close()
	buf := []byte("first")
	if _, err := ax.Write(buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	copy(buf, "XXXXX")
	close(release)
	select {
	case s := <-out:
		if s != "first" {
			t.Fatalf("line mutated after enqueue: %q", s)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("timeout waiting for send")
	}
}

// TestAsyncTxOverflow ensures OnDrop is invoked when buffer full.
func TestAsyncTxOverflow(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var drops atomic.Int64
	ax := NewAsyncTx(ctx, 1, func(line []byte) error { time.Sleep(150 * time.Millisecond); return nil }, Hooks{OnDrop: func() error { drops.Add(1); return errOverflow }})
	defer ax.Close()
	if err := ax.SendLine(nil); err != nil {
		t.Fatalf("unexpected error enqueue first: %v", err)
	}
	// The worker may already hold the first line; fill until a drop occurs.
	var err error
	for i := 0; i < 3 && err == nil; i++ {
		err = ax.SendLine(nil)
	}
	if !errors.Is(err, errOverflow) {
		t.Fatalf("expected overflow error, got %v", err)
	}
	if drops.Load() != 1 {
		t.Fatalf("expected 1 drop, got %d", drops.Load())
	}
}

// TestAsyncTxSendError triggers OnError hook.
func TestAsyncTxSendError(t *testing.T) {
	var errs atomic.Int64
	ax := NewAsyncTx(context.Background(), 2, func(line []byte) error { return errSendFail }, Hooks{OnError: func(error) { errs.Add(1) }})
	defer ax.Close()
	_ = ax.SendLine([]byte("x"))
	deadline := time.Now().Add(200 * time.Millisecond)
	for time.Now().Before(deadline) && errs.Load() == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if errs.Load() == 0 {
		t.Fatalf("expected error hook invocation")
	}
}

func TestAsyncTxSendAfterClose(t *testing.T) {
	tx := NewAsyncTx(context.Background(), 2, func(line []byte) error { return nil }, Hooks{})
	tx.Close()
	if err := tx.SendLine([]byte("late")); !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected ErrAsyncTxClosed, got %v", err)
	}
	if n, err := tx.Write([]byte("late")); n != 0 || !errors.Is(err, ErrAsyncTxClosed) {
		t.Fatalf("expected closed write, got n=%d err=%v", n, err)
	}
	tx.Close() // idempotent
}

func TestAsyncTxCloseConcurrentSend(t *testing.T) {
	for i := 0; i < 100; i++ {
		ax := NewAsyncTx(context.Background(), 1, func(line []byte) error { return nil }, Hooks{})
		done := make(chan error, 1)
		go func() {
			done <- ax.SendLine([]byte("x"))
		}()
		time.Sleep(1 * time.Millisecond)
		ax.Close()
		if err := <-done; err != nil && !errors.Is(err, ErrAsyncTxClosed) {
			t.Fatalf("iteration %d: unexpected send error %v", i, err)
		}
	}
}

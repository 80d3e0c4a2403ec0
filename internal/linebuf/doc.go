// Package linebuf implements a fixed-capacity, non-blocking line buffer for
// an asynchronous serial channel, with a software rendition of RS-232
// flow control.
//
// A LineBuffer consumes bytes from a Transport one at a time (Poll) or in a
// bounded burst (Drain) and never blocks. It has two states:
//
//	FILLING            ready-to-receive (RTR): bytes are appended to storage
//	READY_TO_SEND      ready-to-send (RTS): a message is closed out and waits
//
// A message closes out on an end-of-message byte (NUL, LF or CR) or, under
// OverflowTruncate, when MaxMessageSize-1 bytes arrive without one. Under
// OverflowDiscard the partial message is dropped and filling restarts. While
// RTS is set Poll leaves bytes in the transport, so back-pressure reaches the
// sender through the transport's own buffers. SendTo hands the message to a
// destination and returns the buffer to FILLING; Reset aborts the current
// message at any time.
//
// Ownership of the storage follows the flags: the filling side touches it
// only while RTR is set, the consumer only while RTS is set. The close-out
// is the single transition handing it from filler to consumer; SendTo and
// Reset hand it back. All methods take an internal mutex, so the two sides
// may live on different goroutines.
//
// Typical use from a cooperative loop:
//
//	lb := linebuf.New(port, linebuf.OverflowTruncate)
//	if err := lb.Configure(ctx, 115200, "none"); err != nil {
//	    return err
//	}
//	for range ticker.C {
//	    if lb.Poll() {
//	        _ = lb.SendTo(os.Stdout)
//	    }
//	}
package linebuf

package transport

import "io"

// LineSink is a line transmission target.
type LineSink interface {
	SendLine([]byte) error
}

// LineWriter is a LineSink usable as an io.Writer destination.
type LineWriter interface {
	LineSink
	io.Writer
}

var _ LineWriter = (*AsyncTx)(nil)

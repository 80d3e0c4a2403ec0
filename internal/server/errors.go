package server

import (
	"errors"

	"github.com/kstaniek/go-uart-linebuf/internal/metrics"
)

var (
	ErrListen    = errors.New("listen")
	ErrAccept    = errors.New("accept")
	ErrConnRead  = errors.New("conn_read")
	ErrConnWrite = errors.New("conn_write")
	// ErrUARTSend wraps a failure of SendFunc other than a full TX queue.
	ErrUARTSend = errors.New("uart_send")
	ErrContext  = errors.New("context_cancelled")
)

// errLabels maps each sentinel to its errors_total label, checked in order.
var errLabels = []struct {
	err   error
	label string
}{
	{ErrConnRead, metrics.ErrTCPRead},
	{ErrConnWrite, metrics.ErrTCPWrite},
	{ErrUARTSend, metrics.ErrSerialWrite},
	{ErrListen, metrics.ErrTCPRead},
	{ErrAccept, metrics.ErrTCPRead},
	{ErrContext, "context"},
}

func mapErrToMetric(err error) string {
	for _, e := range errLabels {
		if errors.Is(err, e.err) {
			return e.label
		}
	}
	return "other"
}

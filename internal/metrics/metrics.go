package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-uart-linebuf/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	SerialRxBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_rx_bytes_total",
		Help: "Total bytes consumed from the serial source by the line buffer.",
	})
	LinesClosed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lines_closed_total",
		Help: "Total messages closed out for sending, by close reason.",
	}, []string{"reason"})
	LineOverflows = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "line_overflows_total",
		Help: "Total messages that filled the buffer without an end-of-message marker, by policy.",
	}, []string{"policy"})
	LinesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lines_sent_total",
		Help: "Total completed lines handed to the destination.",
	})
	LinesSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lines_skipped_total",
		Help: "Total empty lines reset without being sent.",
	})
	SerialTxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "serial_tx_lines_total",
		Help: "Total lines written to a serial port.",
	})
	TCPRxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_rx_lines_total",
		Help: "Total lines received from TCP clients.",
	})
	TCPTxLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tcp_tx_lines_total",
		Help: "Total lines sent to TCP clients.",
	})
	HubDroppedLines = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_dropped_lines_total",
		Help: "Total lines dropped by hub due to slow clients.",
	})
	HubKickedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_kicked_clients_total",
		Help: "Total clients disconnected due to backpressure kick policy.",
	})
	HubRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "hub_rejected_clients_total",
		Help: "Total client connection attempts rejected (e.g., max-clients).",
	})
	HubActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "hub_active_clients",
		Help: "Current number of active connected clients.",
	})
	BufferReadyToSend = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "linebuf_ready_to_send",
		Help: "1 while a closed message is waiting for the consumer, else 0.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead        = "tcp_read"
	ErrTCPWrite       = "tcp_write"
	ErrSerialOpen     = "serial_open"
	ErrSerialRead     = "serial_read"
	ErrSerialWrite    = "serial_write"
	ErrSerialFlush    = "serial_flush"
	ErrSerialOverflow = "serial_tx_overflow"
	ErrLineSend       = "line_send"
	ErrConfig         = "config"
)

// Close reason and overflow policy label values.
const (
	ReasonEndOfMessage = "eom"
	ReasonOverflow     = "overflow"
	PolicyTruncate     = "truncate"
	PolicyDiscard      = "discard"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localRxBytes    uint64
	localClosed     uint64
	localOverflows  uint64
	localSent       uint64
	localSkipped    uint64
	localSerialTx   uint64
	localTCPRx      uint64
	localTCPTx      uint64
	localHubDrop    uint64
	localHubKick    uint64
	localHubReject  uint64
	localHubClients uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	SerialRxBytes uint64
	LinesClosed   uint64
	Overflows     uint64
	LinesSent     uint64
	LinesSkipped  uint64
	SerialTx      uint64
	TCPRx         uint64
	TCPTx         uint64
	HubDrops      uint64
	HubKicks      uint64
	HubRejects    uint64
	HubClients    uint64
	Errors        uint64 // sum across error labels
}

func Snap() Snapshot {
	return Snapshot{
		SerialRxBytes: atomic.LoadUint64(&localRxBytes),
		LinesClosed:   atomic.LoadUint64(&localClosed),
		Overflows:     atomic.LoadUint64(&localOverflows),
		LinesSent:     atomic.LoadUint64(&localSent),
		LinesSkipped:  atomic.LoadUint64(&localSkipped),
		SerialTx:      atomic.LoadUint64(&localSerialTx),
		TCPRx:         atomic.LoadUint64(&localTCPRx),
		TCPTx:         atomic.LoadUint64(&localTCPTx),
		HubDrops:      atomic.LoadUint64(&localHubDrop),
		HubKicks:      atomic.LoadUint64(&localHubKick),
		HubRejects:    atomic.LoadUint64(&localHubReject),
		HubClients:    atomic.LoadUint64(&localHubClients),
		Errors:        atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncSerialRxByte() {
	SerialRxBytes.Inc()
	atomic.AddUint64(&localRxBytes, 1)
}

// IncLineClosed counts a close-out; reason is ReasonEndOfMessage or ReasonOverflow.
func IncLineClosed(reason string) {
	LinesClosed.WithLabelValues(reason).Inc()
	atomic.AddUint64(&localClosed, 1)
}

func IncLineOverflow(policy string) {
	LineOverflows.WithLabelValues(policy).Inc()
	atomic.AddUint64(&localOverflows, 1)
}

func IncLineSent() {
	LinesSent.Inc()
	atomic.AddUint64(&localSent, 1)
}

func IncLineSkipped() {
	LinesSkipped.Inc()
	atomic.AddUint64(&localSkipped, 1)
}

func IncSerialTx() {
	SerialTxLines.Inc()
	atomic.AddUint64(&localSerialTx, 1)
}

func IncTCPRx() {
	TCPRxLines.Inc()
	atomic.AddUint64(&localTCPRx, 1)
}

func AddTCPTx(n int) {
	TCPTxLines.Add(float64(n))
	atomic.AddUint64(&localTCPTx, uint64(n))
}

func IncHubDrop() {
	HubDroppedLines.Inc()
	atomic.AddUint64(&localHubDrop, 1)
}

func IncHubKick() {
	HubKickedClients.Inc()
	atomic.AddUint64(&localHubKick, 1)
}

func IncHubReject() {
	HubRejectedClients.Inc()
	atomic.AddUint64(&localHubReject, 1)
}

func SetHubClients(n int) {
	HubActiveClients.Set(float64(n))
	atomic.StoreUint64(&localHubClients, uint64(n))
}

// SetReadyToSend mirrors the buffer RTS flag into a gauge.
func SetReadyToSend(rts bool) {
	if rts {
		BufferReadyToSend.Set(1)
		return
	}
	BufferReadyToSend.Set(0)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register label series so dashboards see zeros before the first event.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite,
		ErrSerialOpen, ErrSerialRead, ErrSerialWrite, ErrSerialFlush, ErrSerialOverflow,
		ErrLineSend, ErrConfig,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
	for _, r := range []string{ReasonEndOfMessage, ReasonOverflow} {
		LinesClosed.WithLabelValues(r).Add(0)
	}
	for _, p := range []string{PolicyTruncate, PolicyDiscard} {
		LineOverflows.WithLabelValues(p).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

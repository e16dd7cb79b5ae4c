package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/cot-relay/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	RelayMessagesRouted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_routed_total",
		Help: "Total CoT events passed through the router, including events with no other client to receive them.",
	})
	RelayMessagesSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_messages_sent_total",
		Help: "Total CoT events written to TCP/TLS clients (summed across recipients).",
	})
	RelayDroppedMessages = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_dropped_messages_total",
		Help: "Total CoT events dropped by the router due to a slow client under PolicyDrop.",
	})
	RelayRejectedClients = promauto.NewCounter(prometheus.CounterOpts{
		Name: "relay_rejected_clients_total",
		Help: "Total admission polls in which the accept loop waited because max-clients was reached.",
	})
	RelayActiveClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_active_clients",
		Help: "Current number of registered TCP/TLS clients.",
	})
	RelayBroadcastFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_broadcast_fanout",
		Help: "Number of clients targeted in the most recent broadcast.",
	})
	RelayQueueDepthMax = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth_max",
		Help: "Observed max queued events among clients since last sample window.",
	})
	RelayQueueDepthAvg = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "relay_queue_depth_avg",
		Help: "Approximate average queued events per client in last sample.",
	})
	MeshFramesRx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_frames_rx_total",
		Help: "Total radio-link frames successfully deframed.",
	})
	MeshFramesTx = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_frames_tx_total",
		Help: "Total radio-link frames written to the transport.",
	})
	MeshChunksReassembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_chunks_reassembled_total",
		Help: "Total chunked payloads fully reassembled.",
	})
	MeshChunksExpired = promauto.NewCounter(prometheus.CounterOpts{
		Name: "mesh_chunks_expired_total",
		Help: "Total partial reassembly entries evicted by the TTL sweep.",
	})
	CotParseErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "cot_parse_errors_total",
		Help: "Total malformed CoT events dropped by the codec.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total radio-link frame headers rejected for declaring a length over the frame maximum.",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead     = "tcp_read"
	ErrTCPWrite    = "tcp_write"
	ErrTLS         = "tls"
	ErrLinkWrite   = "link_write"
	ErrLinkRead    = "link_read"
	ErrLinkOverflow = "link_tx_overflow"
	ErrConversion  = "conversion"
	ErrProtocol    = "protocol"
)

// StartHTTP serves Prometheus metrics and a readiness probe.
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
	localRouted    uint64
	localSent      uint64
	localDropped   uint64
	localRejected  uint64
	localClients   uint64
	localFanout    uint64
	localMeshRx    uint64
	localMeshTx    uint64
	localReasm     uint64
	localExpired   uint64
	localCotErrors uint64
	localErrors    uint64
	localMalformed uint64
	localQDMax     uint64
	localQDAvg     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	Routed       uint64
	Sent         uint64
	Dropped      uint64
	Rejected     uint64
	Clients      uint64
	Fanout       uint64
	MeshRx       uint64
	MeshTx       uint64
	Reassembled  uint64
	Expired      uint64
	CotErrors    uint64
	Errors       uint64
	Malformed    uint64
	QueueDepthMax uint64
	QueueDepthAvg uint64
}

func Snap() Snapshot {
	return Snapshot{
		Routed:        atomic.LoadUint64(&localRouted),
		Sent:          atomic.LoadUint64(&localSent),
		Dropped:       atomic.LoadUint64(&localDropped),
		Rejected:      atomic.LoadUint64(&localRejected),
		Clients:       atomic.LoadUint64(&localClients),
		Fanout:        atomic.LoadUint64(&localFanout),
		MeshRx:        atomic.LoadUint64(&localMeshRx),
		MeshTx:        atomic.LoadUint64(&localMeshTx),
		Reassembled:   atomic.LoadUint64(&localReasm),
		Expired:       atomic.LoadUint64(&localExpired),
		CotErrors:     atomic.LoadUint64(&localCotErrors),
		Errors:        atomic.LoadUint64(&localErrors),
		Malformed:     atomic.LoadUint64(&localMalformed),
		QueueDepthMax: atomic.LoadUint64(&localQDMax),
		QueueDepthAvg: atomic.LoadUint64(&localQDAvg),
	}
}

func IncRouted() {
	RelayMessagesRouted.Inc()
	atomic.AddUint64(&localRouted, 1)
}

func AddSent(n int) {
	RelayMessagesSent.Add(float64(n))
	atomic.AddUint64(&localSent, uint64(n))
}

func IncDropped() {
	RelayDroppedMessages.Inc()
	atomic.AddUint64(&localDropped, 1)
}

func IncRejected() {
	RelayRejectedClients.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func SetClients(n int) {
	RelayActiveClients.Set(float64(n))
	atomic.StoreUint64(&localClients, uint64(n))
}

func SetBroadcastFanout(n int) {
	RelayBroadcastFanout.Set(float64(n))
	atomic.StoreUint64(&localFanout, uint64(n))
}

func IncMeshRx() {
	MeshFramesRx.Inc()
	atomic.AddUint64(&localMeshRx, 1)
}

func IncMeshTx() {
	MeshFramesTx.Inc()
	atomic.AddUint64(&localMeshTx, 1)
}

func IncReassembled() {
	MeshChunksReassembled.Inc()
	atomic.AddUint64(&localReasm, 1)
}

func IncExpired() {
	MeshChunksExpired.Inc()
	atomic.AddUint64(&localExpired, 1)
}

func IncCotError() {
	CotParseErrors.Inc()
	atomic.AddUint64(&localCotErrors, 1)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

// SetQueueDepth records a snapshot of max and avg queue depth.
func SetQueueDepth(max, avg int) {
	RelayQueueDepthMax.Set(float64(max))
	RelayQueueDepthAvg.Set(float64(avg))
	atomic.StoreUint64(&localQDMax, uint64(max))
	atomic.StoreUint64(&localQDAvg, uint64(avg))
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPWrite, ErrTLS, ErrLinkWrite, ErrLinkRead, ErrLinkOverflow, ErrConversion, ErrProtocol,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil {
		return true
	}
	return fn()
}

// Ready is a concise alias used at call sites.
func Ready() bool { return IsReady() }

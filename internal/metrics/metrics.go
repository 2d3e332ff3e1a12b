package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/respkit/go-resp-server/internal/logging"
)

// Prometheus collectors
var (
	CommandsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "commands_total",
		Help: "Total commands applied, by command name.",
	}, []string{"name"})
	ConnectionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connections_accepted_total",
		Help: "Total TCP client connections accepted.",
	})
	ConnectionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "connections_rejected_total",
		Help: "Total connection attempts rejected (e.g., max-clients).",
	})
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "active_connections",
		Help: "Current number of connected clients.",
	})
	AttachedReplicas = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "attached_replicas",
		Help: "Current number of attached replica links.",
	})
	PropagatedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "propagated_frames_total",
		Help: "Total write frames published to the replication bus.",
	})
	ReplicaAcks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "replica_acks_total",
		Help: "Total acknowledgements received from replicas during WAIT windows.",
	})
	ReplicationOffset = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "replication_offset_bytes",
		Help: "Current replication offset in bytes.",
	})
	BusKickedReplicas = promauto.NewCounter(prometheus.CounterOpts{
		Name: "bus_kicked_replicas_total",
		Help: "Total replica links dropped due to replication bus overflow.",
	})
	BusFanout = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "bus_broadcast_fanout",
		Help: "Number of replica links targeted in the most recent broadcast.",
	})
	MalformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_frames_total",
		Help: "Total rejected malformed frames (protocol violations, truncated input).",
	})
	ExpiredKeys = promauto.NewCounter(prometheus.CounterOpts{
		Name: "expired_keys_total",
		Help: "Total keys removed by the TTL reaper.",
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
	ErrTCPRead   = "tcp_read"
	ErrTCPWrite  = "tcp_write"
	ErrAccept    = "accept"
	ErrHandshake = "handshake"
	ErrProtocol  = "protocol"
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

// Local mirrored counters for cheap in-process snapshot logging.
var (
	localCommands   uint64
	localAccepted   uint64
	localRejected   uint64
	localActive     uint64
	localReplicas   uint64
	localPropagated uint64
	localAcks       uint64
	localKicks      uint64
	localMalformed  uint64
	localExpired    uint64
	localErrors     uint64
)

// Snapshot is a cheap copy of the local counters.
type Snapshot struct {
	Commands   uint64
	Accepted   uint64
	Rejected   uint64
	Active     uint64
	Replicas   uint64
	Propagated uint64
	Acks       uint64
	Kicks      uint64
	Malformed  uint64
	Expired    uint64
	Errors     uint64
}

func Snap() Snapshot {
	return Snapshot{
		Commands:   atomic.LoadUint64(&localCommands),
		Accepted:   atomic.LoadUint64(&localAccepted),
		Rejected:   atomic.LoadUint64(&localRejected),
		Active:     atomic.LoadUint64(&localActive),
		Replicas:   atomic.LoadUint64(&localReplicas),
		Propagated: atomic.LoadUint64(&localPropagated),
		Acks:       atomic.LoadUint64(&localAcks),
		Kicks:      atomic.LoadUint64(&localKicks),
		Malformed:  atomic.LoadUint64(&localMalformed),
		Expired:    atomic.LoadUint64(&localExpired),
		Errors:     atomic.LoadUint64(&localErrors),
	}
}

// Wrapper helpers to keep call sites simple.
func IncCommand(name string) {
	CommandsTotal.WithLabelValues(name).Inc()
	atomic.AddUint64(&localCommands, 1)
}

func IncAccepted() {
	ConnectionsAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func IncRejected() {
	ConnectionsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func SetActive(n int) {
	ActiveConnections.Set(float64(n))
	atomic.StoreUint64(&localActive, uint64(n))
}

func SetReplicas(n int) {
	AttachedReplicas.Set(float64(n))
	atomic.StoreUint64(&localReplicas, uint64(n))
}

func IncPropagated() {
	PropagatedFrames.Inc()
	atomic.AddUint64(&localPropagated, 1)
}

func IncAck() {
	ReplicaAcks.Inc()
	atomic.AddUint64(&localAcks, 1)
}

func SetOffset(n int64) {
	ReplicationOffset.Set(float64(n))
}

func IncBusKick() {
	BusKickedReplicas.Inc()
	atomic.AddUint64(&localKicks, 1)
}

func SetBusFanout(n int) {
	BusFanout.Set(float64(n))
}

func IncMalformed() {
	MalformedFrames.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func AddExpired(n int) {
	ExpiredKeys.Add(float64(n))
	atomic.AddUint64(&localExpired, uint64(n))
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

// InitBuildInfo sets the build info gauge (call once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	for _, lbl := range []string{ErrTCPRead, ErrTCPWrite, ErrAccept, ErrHandshake, ErrProtocol} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers the function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // not set yet; treat as ready so the endpoint doesn't flap
		return true
	}
	return fn()
}

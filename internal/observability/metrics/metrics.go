package metrics

import (
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bitriver_relay"

// Recorder owns the Prometheus collectors for signaling sessions, consumer
// resources, ingest processes, media engine calls and the HTTP surface. Each
// Recorder registers into its own registry so tests can create isolated
// instances. All methods are safe on a nil Recorder.
type Recorder struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	authentications  *prometheus.CounterVec
	messages         *prometheus.CounterVec
	transportsActive prometheus.Gauge
	consumers        *prometheus.CounterVec
	clientRemovals   prometheus.Counter
	ingestStarts     *prometheus.CounterVec
	ingestExits      *prometheus.CounterVec
	engineCalls      *prometheus.HistogramVec
	queueEvents      *prometheus.CounterVec
	storeWrites      *prometheus.HistogramVec
	rtpPackets       *prometheus.CounterVec
	rtpDropped       *prometheus.CounterVec
	requests         *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
}

var (
	defaultMu       sync.RWMutex
	defaultRecorder = New()
)

// New constructs a Recorder with a private registry that also exposes the Go
// runtime and process collectors.
func New() *Recorder {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Recorder{
		registry: reg,
		sessionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "signaling_sessions_active",
			Help:      "Open signaling connections.",
		}),
		authentications: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_authentications_total",
			Help:      "clientConnect attempts by result.",
		}, []string{"result"}),
		messages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "signaling_messages_total",
			Help:      "Post-authentication messages by action and outcome.",
		}, []string{"action", "outcome"}),
		transportsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_transports_active",
			Help:      "Consumer transports registered across all streams.",
		}),
		consumers: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumers_created_total",
			Help:      "Consumers created by media kind.",
		}, []string{"kind"}),
		clientRemovals: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_removals_total",
			Help:      "Client teardowns that released at least one resource.",
		}),
		ingestStarts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_process_starts_total",
			Help:      "Ingest process launches by stream.",
		}, []string{"stream"}),
		ingestExits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_process_exits_total",
			Help:      "Ingest process exits by stream and result.",
		}, []string{"stream", "result"}),
		engineCalls: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "media_engine_call_duration_seconds",
			Help:      "Latency of media engine calls issued by signaling.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"operation", "result"}),
		queueEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_events_total",
			Help:      "Session lifecycle events by type and delivery result.",
		}, []string{"type", "result"}),
		storeWrites: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "event_store_write_duration_seconds",
			Help:      "Latency of audit event writes by result.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}, []string{"result"}),
		rtpPackets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rtp_packets_total",
			Help:      "RTP packets received on plain transports by kind.",
		}, []string{"kind"}),
		rtpDropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingest_rtp_dropped_total",
			Help:      "RTP datagrams discarded on plain transports by reason.",
		}, []string{"reason"}),
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, normalised path and status.",
		}, []string{"method", "path", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by method and normalised path.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// Default returns the process-wide Recorder.
func Default() *Recorder {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultRecorder
}

// SetDefault replaces the process-wide Recorder. Nil is ignored.
func SetDefault(r *Recorder) {
	if r == nil {
		return
	}
	defaultMu.Lock()
	defaultRecorder = r
	defaultMu.Unlock()
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// SessionOpened increments the active session gauge.
func (r *Recorder) SessionOpened() {
	if r == nil {
		return
	}
	r.sessionsActive.Inc()
}

// SessionClosed decrements the active session gauge.
func (r *Recorder) SessionClosed() {
	if r == nil {
		return
	}
	r.sessionsActive.Dec()
}

// ObserveAuthentication counts a clientConnect attempt.
func (r *Recorder) ObserveAuthentication(result string) {
	if r == nil {
		return
	}
	r.authentications.WithLabelValues(normalizeName(result)).Inc()
}

// ObserveMessage counts a post-authentication message.
func (r *Recorder) ObserveMessage(action, outcome string) {
	if r == nil {
		return
	}
	r.messages.WithLabelValues(normalizeName(action), normalizeName(outcome)).Inc()
}

func (r *Recorder) TransportOpened() {
	if r == nil {
		return
	}
	r.transportsActive.Inc()
}

func (r *Recorder) TransportClosed() {
	if r == nil {
		return
	}
	r.transportsActive.Dec()
}

func (r *Recorder) ObserveConsumer(kind string) {
	if r == nil {
		return
	}
	r.consumers.WithLabelValues(normalizeName(kind)).Inc()
}

func (r *Recorder) ObserveClientRemoval() {
	if r == nil {
		return
	}
	r.clientRemovals.Inc()
}

// ObserveIngestStart counts an ingest process launch.
func (r *Recorder) ObserveIngestStart(stream string) {
	if r == nil {
		return
	}
	r.ingestStarts.WithLabelValues(stream).Inc()
}

// ObserveIngestExit counts an ingest process exit; a nil error is a clean exit.
func (r *Recorder) ObserveIngestExit(stream string, err error) {
	if r == nil {
		return
	}
	result := "clean"
	if err != nil {
		result = "error"
	}
	r.ingestExits.WithLabelValues(stream, result).Inc()
}

// ObserveEngineCall records the latency of a media engine operation.
func (r *Recorder) ObserveEngineCall(operation string, duration time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.engineCalls.WithLabelValues(normalizeName(operation), result).Observe(duration.Seconds())
}

// ObserveSessionEvent counts a lifecycle event handed to the event queue.
func (r *Recorder) ObserveSessionEvent(eventType string, err error) {
	if r == nil {
		return
	}
	result := "published"
	if err != nil {
		result = "failed"
	}
	r.queueEvents.WithLabelValues(eventType, result).Inc()
}

// ObserveStoreWrite records one audit event write.
func (r *Recorder) ObserveStoreWrite(duration time.Duration, err error) {
	if r == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	r.storeWrites.WithLabelValues(result).Observe(duration.Seconds())
}

func (r *Recorder) ObserveRTPPacket(kind string) {
	if r == nil {
		return
	}
	r.rtpPackets.WithLabelValues(kind).Inc()
}

func (r *Recorder) ObserveRTPDropped(reason string) {
	if r == nil {
		return
	}
	r.rtpDropped.WithLabelValues(reason).Inc()
}

// ObserveRequest records an HTTP request under a normalised path label.
func (r *Recorder) ObserveRequest(method, path string, status int, duration time.Duration) {
	if r == nil {
		return
	}
	m := strings.ToUpper(method)
	p := normalizePath(path)
	r.requests.WithLabelValues(m, p, strconv.Itoa(status)).Inc()
	r.requestDuration.WithLabelValues(m, p).Observe(duration.Seconds())
}

func normalizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}
	parts := strings.Split(strings.Trim(path, "/"), "/")
	for i, part := range parts {
		if looksLikeIdentifier(part) {
			parts[i] = ":id"
		}
	}
	return "/" + strings.Join(parts, "/")
}

// looksLikeIdentifier treats long or digit-heavy segments as identifiers so
// path labels stay bounded.
func looksLikeIdentifier(segment string) bool {
	if len(segment) >= 8 {
		return true
	}
	digits := 0
	for _, r := range segment {
		if r >= '0' && r <= '9' {
			digits++
		}
	}
	return digits > 0 && digits == len(segment) || digits >= 3
}

func normalizeName(name string) string {
	name = strings.TrimSpace(strings.ToLower(name))
	if name == "" {
		return "unknown"
	}
	return name
}

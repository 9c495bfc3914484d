// Package metrics exposes Prometheus instrumentation for the coordinator
// and agent. Collectors are registered against a process-wide registry
// created by InitRegistry; when the registry is absent every recording
// call is a no-op.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	mu       sync.Mutex
	registry *prometheus.Registry

	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
	transfersCreated prometheus.Counter
	transferState    *prometheus.CounterVec
	chunksReceived   prometheus.Counter
	chunkBytes       prometheus.Counter
	searchFanouts    prometheus.Counter
	searchShareCalls *prometheus.CounterVec
	eventsPublished  prometheus.Counter
)

// InitRegistry creates the process registry and the collectors. Safe to
// call once per process; later calls are ignored.
func InitRegistry() {
	mu.Lock()
	defer mu.Unlock()
	if registry != nil {
		return
	}
	registry = prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	httpRequests = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnistream_http_requests_total",
			Help: "HTTP requests by route pattern, method, and status code",
		},
		[]string{"route", "method", "status"},
	)
	httpDuration = promauto.With(registry).NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "omnistream_http_request_duration_seconds",
			Help:    "HTTP request latency by route pattern",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
	transfersCreated = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "omnistream_transfers_created_total",
			Help: "Transfer requests created",
		},
	)
	transferState = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnistream_transfer_state_transitions_total",
			Help: "Transfer state transitions by resulting state",
		},
		[]string{"state"},
	)
	chunksReceived = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "omnistream_inbox_chunks_received_total",
			Help: "Upload chunks accepted by the agent inbox",
		},
	)
	chunkBytes = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "omnistream_inbox_chunk_bytes_total",
			Help: "Bytes accepted by the agent inbox",
		},
	)
	searchFanouts = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "omnistream_search_fanouts_total",
			Help: "Federated search requests",
		},
	)
	searchShareCalls = promauto.With(registry).NewCounterVec(
		prometheus.CounterOpts{
			Name: "omnistream_search_share_calls_total",
			Help: "Per-share search calls by outcome",
		},
		[]string{"outcome"},
	)
	eventsPublished = promauto.With(registry).NewCounter(
		prometheus.CounterOpts{
			Name: "omnistream_events_published_total",
			Help: "Events handed to the websocket broker",
		},
	)
}

// IsEnabled reports whether InitRegistry has been called.
func IsEnabled() bool {
	mu.Lock()
	defer mu.Unlock()
	return registry != nil
}

// GetRegistry returns the process registry, or nil when disabled.
func GetRegistry() *prometheus.Registry {
	mu.Lock()
	defer mu.Unlock()
	return registry
}

// Handler serves the /metrics endpoint. Returns 404 when disabled.
func Handler() http.Handler {
	reg := GetRegistry()
	if reg == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// RecordTransferCreated counts one new transfer request.
func RecordTransferCreated() {
	if transfersCreated != nil {
		transfersCreated.Inc()
	}
}

// RecordTransferState counts a transition into the given state.
func RecordTransferState(state string) {
	if transferState != nil {
		transferState.WithLabelValues(state).Inc()
	}
}

// RecordChunk counts one accepted upload chunk of the given size.
func RecordChunk(bytes int) {
	if chunksReceived != nil {
		chunksReceived.Inc()
		chunkBytes.Add(float64(bytes))
	}
}

// RecordSearchFanout counts one federated search.
func RecordSearchFanout() {
	if searchFanouts != nil {
		searchFanouts.Inc()
	}
}

// RecordSearchShareCall counts one per-share search call. outcome is
// "ok", "error", or "timeout".
func RecordSearchShareCall(outcome string) {
	if searchShareCalls != nil {
		searchShareCalls.WithLabelValues(outcome).Inc()
	}
}

// RecordEventPublished counts one broker publish.
func RecordEventPublished() {
	if eventsPublished != nil {
		eventsPublished.Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// HTTPMiddleware instruments chi routes with request counts and latency.
// Route patterns keep cardinality bounded; unmatched requests fall under
// the raw path "unmatched".
func HTTPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !IsEnabled() {
			next.ServeHTTP(w, r)
			return
		}
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		httpRequests.WithLabelValues(route, r.Method, strconv.Itoa(recorder.status)).Inc()
		httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

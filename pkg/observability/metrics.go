// Package observability provides Prometheus metrics and OpenTelemetry
// tracing for the chat orchestrator.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Turn metrics
	turnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_turns_total",
			Help: "Total number of processed turns",
		},
		[]string{"cache_hit", "status"},
	)

	turnDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ragchat_turn_duration_seconds",
			Help:    "Turn processing duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cache_hit"},
	)

	tokensTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_tokens_total",
			Help: "Total model tokens consumed",
		},
		[]string{"kind"},
	)

	// Session metrics
	sessionsActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "ragchat_sessions_cached",
			Help: "Number of sessions currently held in the in-memory cache",
		},
	)

	cacheLookupsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ragchat_response_cache_lookups_total",
			Help: "Response cache lookups by outcome",
		},
		[]string{"outcome"},
	)
)

var metricsOnce sync.Once

// InitMetrics registers all metrics with the default registry. Safe to
// call more than once.
func InitMetrics() {
	metricsOnce.Do(func() {
		prometheus.MustRegister(
			turnsTotal,
			turnDuration,
			tokensTotal,
			sessionsActive,
			cacheLookupsTotal,
		)
	})
}

// RecordTurn records the outcome of one processed turn.
func RecordTurn(cacheHit bool, err error, duration time.Duration) {
	hit := "false"
	if cacheHit {
		hit = "true"
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	turnsTotal.WithLabelValues(hit, status).Inc()
	if err == nil {
		turnDuration.WithLabelValues(hit).Observe(duration.Seconds())
	}
}

// RecordTokens records token consumption for a turn.
func RecordTokens(promptTokens, completionTokens int) {
	tokensTotal.WithLabelValues("prompt").Add(float64(promptTokens))
	tokensTotal.WithLabelValues("completion").Add(float64(completionTokens))
}

// RecordCacheLookup records a response-cache lookup outcome:
// "hit", "miss", or "error".
func RecordCacheLookup(outcome string) {
	cacheLookupsTotal.WithLabelValues(outcome).Inc()
}

// SetCachedSessions records the size of the in-memory session cache.
func SetCachedSessions(n int) {
	sessionsActive.Set(float64(n))
}

// Server exposes /metrics and /healthz.
type Server struct {
	srv *http.Server
}

// NewServer creates a metrics server on the given port.
func NewServer(port int) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return &Server{
		srv: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Start blocks serving until Shutdown or failure.
func (s *Server) Start() error {
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

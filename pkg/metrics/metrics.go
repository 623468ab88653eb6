// Package metrics exposes the Prometheus metrics of the order sync.
// All metrics are defined in their respective packages (auth, client,
// pagination, ratelimit, report, store, syncer) to maintain modularity and
// avoid circular dependencies; this package serves them.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the sync.
// All metrics are automatically registered via promauto in their respective packages.
var Registry = prometheus.DefaultRegisterer

// Gatherer collects the metrics registered in Registry.
var Gatherer = prometheus.DefaultGatherer

// Handler returns the /metrics handler.
func Handler() http.Handler {
	return promhttp.HandlerFor(Gatherer, promhttp.HandlerOpts{})
}

// Server serves /metrics for the lifetime of a run so a scraper or a
// pushing sidecar can collect the final values.
type Server struct {
	srv    *http.Server
	logger zerolog.Logger
}

// NewServer creates a metrics server listening on addr.
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		s.logger.Info().Str("addr", s.srv.Addr).Msg("Serving metrics")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Metrics server failed")
		}
	}()
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

// Metrics Documentation
//
// Auth (pkg/auth):
//   - spapi_token_refreshes_total{result} (Counter): OAuth token exchanges by result
//
// Requests (pkg/client):
//   - spapi_requests_total{endpoint, status} (Counter): Requests by endpoint label and HTTP status
//   - spapi_request_duration_seconds{endpoint} (Histogram): Request duration including retries
//   - spapi_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network, fatal)
//
// Retries (pkg/client):
//   - spapi_retries_total{error_class} (Counter): Retry attempts by error class
//   - spapi_retry_backoff_seconds{error_class} (Histogram): Backoff waits
//   - spapi_retry_exhausted_total{error_class} (Counter): Requests that used every attempt
//
// Pacing (pkg/ratelimit):
//   - spapi_rate_limit_observed{endpoint} (Gauge): Last x-amzn-RateLimit-Limit value
//   - spapi_rate_limit_wait_seconds{endpoint} (Histogram): Time spent waiting for the limiter
//
// Pagination (pkg/pagination):
//   - spapi_pages_fetched_total{endpoint} (Counter): Pages fetched
//   - spapi_partitions_fetched_total{endpoint, result} (Counter): Partition fetches by result
//   - spapi_partition_records{endpoint} (Histogram): Records per successful partition
//   - spapi_orders_skipped_total (Counter): Listed orders dropped as invalid (pkg/spapi)
//
// Reports (pkg/report):
//   - spapi_report_polls_total{report_type} (Counter): Status polls
//   - spapi_report_outcomes_total{status} (Counter): Jobs by terminal status
//   - spapi_report_records_total{report_type} (Counter): Parsed document records
//
// Store and sync (pkg/store, pkg/syncer):
//   - sync_store_rows_written_total{table} (Counter): Upserted rows by table
//   - sync_orders_persisted_total (Counter): Orders stored with details and items
//   - sync_orders_failed_total{stage} (Counter): Order failures by stage (listing, details, items, persist)
//   - sync_runs_total{status} (Counter): Runs by final status
//
// Example Prometheus Queries:
//
//   # Throttled share of requests
//   sum(rate(spapi_requests_total{status="429"}[1h])) / sum(rate(spapi_requests_total[1h]))
//
//   # Orders failing per run
//   increase(sync_orders_failed_total[1d])
//
//   # P95 request latency
//   histogram_quantile(0.95, rate(spapi_request_duration_seconds_bucket[1h]))

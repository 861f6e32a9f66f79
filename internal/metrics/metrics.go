// Package metrics holds the prometheus metrics of the disclaimer milter.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/d--j/go-disclaimr/internal/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Transactions counts finished mail transactions by outcome (modified, unmodified, disabled, too_big, error, aborted).
	Transactions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disclaimr_transactions_total",
			Help: "Total number of mail transactions by outcome",
		},
		[]string{"outcome"},
	)

	// Actions counts action invocations by kind and result (executed, aborted, invalid).
	Actions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disclaimr_actions_total",
			Help: "Total number of actions by kind and result",
		},
		[]string{"kind", "result"},
	)

	// DirectoryLookups counts directory server lookups by result (found, not_found, ambiguous, error).
	DirectoryLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disclaimr_directory_lookups_total",
			Help: "Total number of directory server lookups by result",
		},
		[]string{"result"},
	)

	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "disclaimr_query_cache_requests_total",
			Help: "Total number of query cache requests by result (hit, miss)",
		},
		[]string{"result"},
	)

	CacheFlushed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "disclaimr_query_cache_flushed_total",
		Help: "Total number of expired query cache entries that got removed",
	})

	EndOfBodyDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "disclaimr_end_of_body_duration_seconds",
		Help:    "Time spent evaluating rules and actions at the end of a message",
		Buckets: prometheus.DefBuckets,
	})
)

// Since observes the time elapsed since start in h.
func Since(h prometheus.Observer, start time.Time) {
	h.Observe(time.Since(start).Seconds())
}

// StartServer serves the metrics on addr under /metrics in the background.
func StartServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("address", addr).Msg("metrics server failed")
		}
	}()

	return server
}

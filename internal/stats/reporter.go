// Package stats exports provider usage as Prometheus metrics.
package stats

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/better-wallet/dapp-provider/internal/logger"
)

// Reporter implements provider.StatsReporter
type Reporter struct {
	registry *prometheus.Registry
	events   *prometheus.CounterVec
	requests *prometheus.CounterVec
	latency  *prometheus.HistogramVec
}

// NewReporter registers the provider metrics on a fresh registry
func NewReporter() *Reporter {
	r := &Reporter{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_stats_events_total",
			Help: "Transactions signed or submitted through the provider.",
		}, []string{"event", "chain_id", "success"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "provider_rpc_requests_total",
			Help: "Dapp RPC requests by method and outcome.",
		}, []string{"method", "outcome"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "provider_rpc_duration_seconds",
			Help:    "Time spent in the provider pipeline, approvals included.",
			Buckets: []float64{.005, .025, .1, .5, 1, 5, 15, 60, 120},
		}, []string{"method"}),
	}
	r.registry.MustRegister(
		r.events,
		r.requests,
		r.latency,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return r
}

// Report counts one stats event. Unknown payload shapes are counted with
// empty labels rather than dropped.
func (r *Reporter) Report(ctx context.Context, event string, payload map[string]any) {
	chainID := ""
	if v, ok := payload["chainId"]; ok {
		chainID = fmt.Sprint(v)
	}
	success := ""
	if v, ok := payload["success"].(bool); ok {
		success = strconv.FormatBool(v)
	}
	r.events.WithLabelValues(event, chainID, success).Inc()
	logger.Debug(ctx, "stats event", "event", event, "chain_id", chainID, "success", success)
}

// ObserveRequest records a finished dapp request. outcome is "ok" or the error kind.
func (r *Reporter) ObserveRequest(method, outcome string, elapsed time.Duration) {
	r.requests.WithLabelValues(method, outcome).Inc()
	r.latency.WithLabelValues(method).Observe(elapsed.Seconds())
}

// Handler serves the registry in the Prometheus text format
func (r *Reporter) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

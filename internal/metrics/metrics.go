// Package metrics holds the prometheus collectors the framework emits into.
// The registry is per-Collector so tests observe their own; a nil *Collector
// disables emission entirely.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every framework metric family.
type Collector struct {
	registry *prometheus.Registry

	rpcRequests      *prometheus.CounterVec
	rpcDuration      *prometheus.HistogramVec
	published        *prometheus.CounterVec
	timerExecutions  *prometheus.CounterVec
	timerErrors      *prometheus.CounterVec
	timerMissedTicks *prometheus.CounterVec
	sagaExecutions   *prometheus.CounterVec
	wsClients        *prometheus.GaugeVec
}

// NewCollector builds the metric families on a fresh registry.
func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	return &Collector{
		registry: registry,
		rpcRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cliffracer_rpc_requests_total",
			Help: "Handled RPC requests by service, method and outcome status.",
		}, []string{"service", "method", "status"}),
		rpcDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "cliffracer_rpc_request_duration_seconds",
			Help:    "Handler latency for RPC requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"service", "method"}),
		published: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cliffracer_messages_published_total",
			Help: "Outbound publishes by kind (rpc, async, event, broadcast).",
		}, []string{"service", "kind"}),
		timerExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cliffracer_timer_executions_total",
			Help: "Completed timer firings.",
		}, []string{"service", "timer"}),
		timerErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cliffracer_timer_errors_total",
			Help: "Timer firings that returned an error.",
		}, []string{"service", "timer"}),
		timerMissedTicks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cliffracer_timer_missed_ticks_total",
			Help: "Timer firings skipped because the previous run was still in flight.",
		}, []string{"service", "timer"}),
		sagaExecutions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cliffracer_saga_executions_total",
			Help: "Finished saga executions by type and outcome.",
		}, []string{"type", "outcome"}),
		wsClients: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cliffracer_websocket_clients",
			Help: "Currently connected WebSocket clients.",
		}, []string{"service"}),
	}
}

// Handler serves the collector's registry for the /metrics route.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

func (c *Collector) ObserveRPC(service, method, status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.rpcRequests.WithLabelValues(service, method, status).Inc()
	c.rpcDuration.WithLabelValues(service, method).Observe(elapsed.Seconds())
}

func (c *Collector) CountPublish(service, kind string) {
	if c == nil {
		return
	}
	c.published.WithLabelValues(service, kind).Inc()
}

func (c *Collector) CountTimerExecution(service, timer string) {
	if c == nil {
		return
	}
	c.timerExecutions.WithLabelValues(service, timer).Inc()
}

func (c *Collector) CountTimerError(service, timer string) {
	if c == nil {
		return
	}
	c.timerErrors.WithLabelValues(service, timer).Inc()
}

func (c *Collector) CountMissedTick(service, timer string) {
	if c == nil {
		return
	}
	c.timerMissedTicks.WithLabelValues(service, timer).Inc()
}

func (c *Collector) CountSaga(sagaType, outcome string) {
	if c == nil {
		return
	}
	c.sagaExecutions.WithLabelValues(sagaType, outcome).Inc()
}

func (c *Collector) SetWebSocketClients(service string, n int) {
	if c == nil {
		return
	}
	c.wsClients.WithLabelValues(service).Set(float64(n))
}

// Package metrics exposes engine and HTTP counters to Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/ignatij/taskgraph/pkg/models"
	"github.com/ignatij/taskgraph/pkg/service"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskgraph"

// Collector implements service.Metrics on its own registry.
type Collector struct {
	registry *prometheus.Registry

	transitions        *prometheus.CounterVec
	promotionsEligible prometheus.Counter
	promotionsApplied  prometheus.Counter
	heartbeatFailures  prometheus.Counter
	refreshes          *prometheus.CounterVec

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
}

var _ service.Metrics = (*Collector)(nil)

func NewCollector() *Collector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Collector{
		registry: reg,
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Conditional status transitions by record kind, target status and outcome",
		}, []string{"record", "to", "outcome"}),
		promotionsEligible: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_eligible_total",
			Help:      "Tasks found eligible for READY by the readiness resolver",
		}),
		promotionsApplied: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "promotions_applied_total",
			Help:      "Tasks actually moved to READY",
		}),
		heartbeatFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "heartbeat_failures_total",
			Help:      "Failed lastActivityAt updates",
		}),
		refreshes: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "progress_refreshes_total",
			Help:      "Progress refreshes by derived workflow status",
		}, []string{"status"}),
		httpRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (c *Collector) ObserveTransition(record, to string, won bool) {
	outcome := "lost"
	if won {
		outcome = "won"
	}
	c.transitions.WithLabelValues(record, to, outcome).Inc()
}

func (c *Collector) ObservePromotions(eligible, promoted int) {
	c.promotionsEligible.Add(float64(eligible))
	c.promotionsApplied.Add(float64(promoted))
}

func (c *Collector) ObserveHeartbeatFailure() {
	c.heartbeatFailures.Inc()
}

func (c *Collector) ObserveRefresh(status models.WorkflowStatus) {
	c.refreshes.WithLabelValues(string(status)).Inc()
}

// ObserveHTTPRequest records one served request. route is the mux pattern, not the raw path.
func (c *Collector) ObserveHTTPRequest(method, route string, status int, took time.Duration) {
	c.httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, route).Observe(took.Seconds())
}

// Registry returns the registry the collector writes to.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// Package metrics exposes prometheus instrumentation for the dispatch
// pipeline and the drivers behind it.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tabula-io/tabula"
	"github.com/tabula-io/tabula/driver"
)

// Metrics holds the pipeline collectors.
type Metrics struct {
	registry *prometheus.Registry

	opsTotal   *prometheus.CounterVec
	opDuration *prometheus.HistogramVec
	driverErrs *prometheus.CounterVec
	cacheHits  *prometheus.CounterVec
	slowTotal  prometheus.Counter
	hooksFired *prometheus.CounterVec
}

// New builds the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		opsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "operations_total",
			Help:      "Pipeline operations by object, operation, and outcome code.",
		}, []string{"object", "op", "code"}),
		opDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "tabula",
			Name:      "operation_duration_seconds",
			Help:      "Pipeline operation latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"object", "op"}),
		driverErrs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "driver_errors_total",
			Help:      "Driver failures by category.",
		}, []string{"category"}),
		cacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "query_cache_requests_total",
			Help:      "Query cache lookups by result.",
		}, []string{"result"}),
		slowTotal: factory.NewCounter(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "driver_slow_queries_total",
			Help:      "Driver calls exceeding the slow-query threshold.",
		}),
		hooksFired: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "tabula",
			Name:      "hooks_fired_total",
			Help:      "Hook handlers invoked by event.",
		}, []string{"event"}),
	}
}

// ObserveOp records one pipeline operation. The code label is "ok" for
// success, otherwise the domain error code.
func (m *Metrics) ObserveOp(object, op string, err error, elapsed time.Duration) {
	code := "ok"
	if err != nil {
		code = string(tabula.CodeOf(err))
		var derr *driver.Error
		if errors.As(err, &derr) {
			m.driverErrs.WithLabelValues(string(derr.Category)).Inc()
		}
	}
	m.opsTotal.WithLabelValues(object, op, code).Inc()
	m.opDuration.WithLabelValues(object, op).Observe(elapsed.Seconds())
}

// ObserveCache records a query cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheHits.WithLabelValues(result).Inc()
}

// ObserveSlowQuery counts one slow driver call; wire it to the sql
// driver's stats hook.
func (m *Metrics) ObserveSlowQuery() { m.slowTotal.Inc() }

// ObserveHook counts one hook handler invocation.
func (m *Metrics) ObserveHook(event string) {
	m.hooksFired.WithLabelValues(event).Inc()
}

// Registry exposes the underlying prometheus registry for extra
// collectors.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the scrape endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Package telemetry exposes Prometheus metrics for the HTTP surface and the
// record lifecycle. All collectors live on a private registry served at
// /metrics, so tests can build independent providers.
package telemetry

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// ---------------------------------------------------------------------------
// Configuration
// ---------------------------------------------------------------------------

// TelemetryConfig holds the provider configuration.
type TelemetryConfig struct {
	Namespace      string // metric name prefix (default: "chartkeeper")
	MetricsEnabled *bool  // nil defaults to true
	RuntimeMetrics bool   // register Go runtime and process collectors
}

func (c *TelemetryConfig) metricsOn() bool {
	return c.MetricsEnabled == nil || *c.MetricsEnabled
}

func (c *TelemetryConfig) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "chartkeeper"
	}
}

// BoolPtr returns a pointer to b.
func BoolPtr(b bool) *bool {
	return &b
}

// ---------------------------------------------------------------------------
// Recorder
// ---------------------------------------------------------------------------

// Recorder is the lifecycle metrics surface the domain services depend on.
type Recorder interface {
	// Transition counts one lifecycle operation. outcome is "ok" or the
	// error kind that rejected it.
	Transition(op, outcome string)
	// ValidationBlocked counts a sign attempt refused for a card template.
	ValidationBlocked(templateType string)
}

// Nop discards everything.
type Nop struct{}

func (Nop) Transition(string, string)  {}
func (Nop) ValidationBlocked(string) {}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

var defaultDurationBuckets = []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5}

// TelemetryProvider owns the registry and every collector.
type TelemetryProvider struct {
	cfg      TelemetryConfig
	registry *prometheus.Registry

	requestDuration   *prometheus.HistogramVec
	activeRequests    prometheus.Gauge
	transitions       *prometheus.CounterVec
	validationBlocked *prometheus.CounterVec
}

// NewTelemetryProvider builds and registers the collectors.
func NewTelemetryProvider(cfg TelemetryConfig) *TelemetryProvider {
	cfg.applyDefaults()
	ns := cfg.Namespace

	tp := &TelemetryProvider{
		cfg:      cfg,
		registry: prometheus.NewRegistry(),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration by route pattern",
			Buckets:   defaultDurationBuckets,
		}, []string{"method", "route", "status"}),
		activeRequests: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: ns,
			Subsystem: "http",
			Name:      "active_requests",
			Help:      "Requests currently being served",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "lifecycle",
			Name:      "operations_total",
			Help:      "Lifecycle operations by name and outcome",
		}, []string{"op", "outcome"}),
		validationBlocked: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Subsystem: "lifecycle",
			Name:      "sign_validation_blocked_total",
			Help:      "Provider sign attempts refused for missing high-risk fields, by card template",
		}, []string{"template_type"}),
	}

	tp.registry.MustRegister(tp.requestDuration, tp.activeRequests, tp.transitions, tp.validationBlocked)
	if cfg.RuntimeMetrics {
		tp.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return tp
}

// Registry exposes the underlying registry for additional collectors.
func (tp *TelemetryProvider) Registry() *prometheus.Registry {
	return tp.registry
}

func (tp *TelemetryProvider) Transition(op, outcome string) {
	if !tp.cfg.metricsOn() {
		return
	}
	if outcome == "" {
		outcome = "ok"
	}
	tp.transitions.WithLabelValues(op, outcome).Inc()
}

func (tp *TelemetryProvider) ValidationBlocked(templateType string) {
	if !tp.cfg.metricsOn() {
		return
	}
	tp.validationBlocked.WithLabelValues(templateType).Inc()
}

// PoolStatsFunc reports database pool connection counts.
type PoolStatsFunc func() (total, idle, acquired int32)

// RegisterPoolStats publishes pool gauges sampled at scrape time.
func (tp *TelemetryProvider) RegisterPoolStats(stats PoolStatsFunc) {
	sample := func(pick func(total, idle, acquired int32) int32) func() float64 {
		return func() float64 {
			return float64(pick(stats()))
		}
	}
	for _, g := range []struct {
		name, help string
		pick       func(total, idle, acquired int32) int32
	}{
		{"total_conns", "Connections currently open", func(t, _, _ int32) int32 { return t }},
		{"idle_conns", "Idle connections", func(_, i, _ int32) int32 { return i }},
		{"acquired_conns", "Connections checked out", func(_, _, a int32) int32 { return a }},
	} {
		tp.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: tp.cfg.Namespace,
			Subsystem: "db_pool",
			Name:      g.name,
			Help:      g.help,
		}, sample(g.pick)))
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// MetricsMiddleware records request duration by route pattern.
func (tp *TelemetryProvider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !tp.cfg.metricsOn() {
				return next(c)
			}

			tp.activeRequests.Inc()
			defer tp.activeRequests.Dec()

			start := time.Now()
			err := next(c)
			if err != nil {
				// Let the error handler settle the status before observing it.
				c.Error(err)
			}

			route := c.Path()
			if route == "" {
				route = "unmatched"
			}
			tp.requestDuration.
				WithLabelValues(c.Request().Method, route, strconv.Itoa(c.Response().Status)).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// PrometheusHandler serves the registry in the Prometheus exposition format.
func (tp *TelemetryProvider) PrometheusHandler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.HandlerFor(tp.registry, promhttp.HandlerOpts{}))
}

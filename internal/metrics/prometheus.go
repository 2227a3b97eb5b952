package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "pathproxy"

// breakerStates maps breaker state names to gauge values.
var breakerStates = map[string]float64{
	"closed":    0,
	"half-open": 1,
	"open":      2,
}

type promMetrics struct {
	registry        *prometheus.Registry
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	upstreamErrors  *prometheus.CounterVec
	backendUp       *prometheus.GaugeVec
	breakerState    *prometheus.GaugeVec
	eventsDropped   prometheus.Counter
}

func newPromMetrics() *promMetrics {
	m := &promMetrics{
		registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "requests_total",
				Help:      "Requests answered, by route, method and status code",
			},
			[]string{"route", "method", "status_code"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "request_duration_seconds",
				Help:      "Time from receiving a request to finishing its response",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		upstreamErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_errors_total",
				Help:      "Requests that failed to reach the backend",
			},
			[]string{"route"},
		),
		backendUp: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "backend_up",
				Help:      "1 if the last health probe of the route's backend succeeded",
			},
			[]string{"route"},
		),
		breakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Breaker state per route: 0 closed, 1 half-open, 2 open",
			},
			[]string{"route"},
		),
		eventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "metric_events_dropped_total",
				Help:      "Metric events dropped because the collector buffer was full",
			},
		),
	}

	m.registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.upstreamErrors,
		m.backendUp,
		m.breakerState,
		m.eventsDropped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

func (m *promMetrics) observeResponse(route, method string, status int, d time.Duration) {
	m.requestsTotal.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}

func (m *promMetrics) setHealth(route string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	m.backendUp.WithLabelValues(route).Set(v)
}

func (m *promMetrics) setBreakerState(route, state string) {
	if v, ok := breakerStates[state]; ok {
		m.breakerState.WithLabelValues(route).Set(v)
	}
}

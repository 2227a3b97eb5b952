package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type EventType string

const (
	EventRequestReceived   EventType = "request_received"
	EventResponseCompleted EventType = "response_completed"
	EventUpstreamFailed    EventType = "upstream_failed"
	EventHealthChanged     EventType = "health_changed"
	EventBreakerChanged    EventType = "breaker_changed"
)

type MetricEvent struct {
	Type       EventType
	Timestamp  time.Time
	Route      string
	Method     string
	Duration   time.Duration
	StatusCode int
	Healthy    bool
	// State is the new breaker state for EventBreakerChanged.
	State string
}

// Collector consumes metric events on its own goroutine so the request
// path never waits on bookkeeping.
type Collector struct {
	eventCh chan MetricEvent
	metrics *Metrics
	prom    *promMetrics
	logger  *slog.Logger

	mutex        sync.RWMutex
	responseEWMA map[string]func() time.Duration
}

func NewCollector(bufferSize int, logger *slog.Logger) *Collector {
	return &Collector{
		eventCh: make(chan MetricEvent, bufferSize),
		metrics: NewMetrics(),
		prom:    newPromMetrics(),
		logger:  logger,

		responseEWMA: make(map[string]func() time.Duration),
	}
}

// Emit queues event without blocking. It reports false when the buffer is
// full and the event was dropped. A nil Collector accepts and drops
// everything.
func (c *Collector) Emit(event MetricEvent) bool {
	if c == nil {
		return false
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	select {
	case c.eventCh <- event:
		return true
	default:
		c.prom.eventsDropped.Inc()
		return false
	}
}

func (c *Collector) Start(ctx context.Context) {
	go c.run(ctx)
}

func (c *Collector) run(ctx context.Context) {
	c.logger.Info("Metrics collector started")
	defer c.logger.Info("Metrics collector stopped")

	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		case <-ctx.Done():
			c.drain()
			return
		}
	}
}

func (c *Collector) processEvent(event MetricEvent) {
	switch event.Type {
	case EventRequestReceived:
		c.metrics.IncrementRequests(event.Route)

	case EventResponseCompleted:
		c.metrics.RecordResponse(event.Route, event.Duration, event.StatusCode)
		c.prom.observeResponse(event.Route, event.Method, event.StatusCode, event.Duration)

	case EventUpstreamFailed:
		c.metrics.RecordFailure(event.Route)
		c.prom.upstreamErrors.WithLabelValues(event.Route).Inc()

	case EventHealthChanged:
		c.metrics.UpdateHealthStatus(event.Route, event.Healthy)
		c.prom.setHealth(event.Route, event.Healthy)

	case EventBreakerChanged:
		c.metrics.UpdateBreakerState(event.Route, event.State)
		c.prom.setBreakerState(event.Route, event.State)

	default:
		c.logger.Debug("Unknown metric event", slog.String("type", string(event.Type)))
	}
}

func (c *Collector) drain() {
	for {
		select {
		case event := <-c.eventCh:
			c.processEvent(event)
		default:
			return
		}
	}
}

// Snapshot returns the event-based metrics plus the tracked response time
// averages.
func (c *Collector) Snapshot() Snapshot {
	snap := c.metrics.Snapshot()

	c.mutex.RLock()
	defer c.mutex.RUnlock()

	for route, ewma := range c.responseEWMA {
		rm, ok := snap.Routes[route]
		if !ok {
			rm.StatusCodes = make(map[int]int64)
		}
		rm.EWMAResponseMs = millis(ewma())
		snap.Routes[route] = rm
	}

	return snap
}

// TrackInFlight exports fn as the in-flight request gauge of route.
func (c *Collector) TrackInFlight(route string, fn func() float64) error {
	return c.prom.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "inflight_requests",
			Help:        "Requests currently being forwarded to the route's backend",
			ConstLabels: prometheus.Labels{"route": route},
		},
		fn,
	))
}

// TrackResponseTime exports fn as the smoothed response time of route, both
// as a Prometheus gauge and in the JSON snapshot.
func (c *Collector) TrackResponseTime(route string, fn func() time.Duration) error {
	err := c.prom.registry.Register(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "response_time_ewma_seconds",
			Help:        "Exponentially weighted moving average of the route's backend response time",
			ConstLabels: prometheus.Labels{"route": route},
		},
		func() float64 { return fn().Seconds() },
	))
	if err != nil {
		return err
	}

	c.mutex.Lock()
	c.responseEWMA[route] = fn
	c.mutex.Unlock()
	return nil
}

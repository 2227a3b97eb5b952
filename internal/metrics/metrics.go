package metrics

import (
	"sort"
	"sync"
	"time"
)

// maxSamples bounds the latency window kept per route for percentiles.
const maxSamples = 1000

type Metrics struct {
	mutex         sync.RWMutex
	requests      map[string]int64
	failures      map[string]int64
	responseTimes map[string][]time.Duration
	statusCodes   map[string]map[int]int64
	healthStatus  map[string]bool
	breakerState  map[string]string
	startTime     time.Time
}

type Snapshot struct {
	TotalRequests int64                   `json:"total_requests"`
	UptimeSeconds float64                 `json:"uptime_seconds"`
	Routes        map[string]RouteMetrics `json:"routes"`
}

type RouteMetrics struct {
	Requests       int64         `json:"requests"`
	UpstreamErrors int64         `json:"upstream_errors"`
	Healthy        *bool         `json:"healthy,omitempty"`
	BreakerState   string        `json:"breaker_state,omitempty"`
	EWMAResponseMs float64       `json:"ewma_response_ms"`
	AvgResponseMs  float64       `json:"avg_response_ms"`
	P50ResponseMs  float64       `json:"p50_response_ms"`
	P95ResponseMs  float64       `json:"p95_response_ms"`
	P99ResponseMs  float64       `json:"p99_response_ms"`
	StatusCodes    map[int]int64 `json:"status_codes"`
}

func NewMetrics() *Metrics {
	return &Metrics{
		requests:      make(map[string]int64),
		failures:      make(map[string]int64),
		responseTimes: make(map[string][]time.Duration),
		statusCodes:   make(map[string]map[int]int64),
		healthStatus:  make(map[string]bool),
		breakerState:  make(map[string]string),
		startTime:     time.Now(),
	}
}

func (m *Metrics) IncrementRequests(route string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.requests[route]++
}

func (m *Metrics) RecordFailure(route string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.failures[route]++
}

func (m *Metrics) RecordResponse(route string, duration time.Duration, statusCode int) {
	m.mutex.Lock()
	defer m.mutex.Unlock()

	m.responseTimes[route] = append(m.responseTimes[route], duration)

	if len(m.responseTimes[route]) > maxSamples {
		m.responseTimes[route] = m.responseTimes[route][1:]
	}

	if m.statusCodes[route] == nil {
		m.statusCodes[route] = make(map[int]int64)
	}
	m.statusCodes[route][statusCode]++
}

func (m *Metrics) UpdateHealthStatus(route string, healthy bool) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.healthStatus[route] = healthy
}

func (m *Metrics) UpdateBreakerState(route, state string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	m.breakerState[route] = state
}

func (m *Metrics) Snapshot() Snapshot {
	m.mutex.RLock()
	defer m.mutex.RUnlock()

	snap := Snapshot{
		UptimeSeconds: time.Since(m.startTime).Seconds(),
		Routes:        make(map[string]RouteMetrics),
	}

	routes := make(map[string]struct{})
	for r := range m.requests {
		routes[r] = struct{}{}
	}
	for r := range m.failures {
		routes[r] = struct{}{}
	}
	for r := range m.responseTimes {
		routes[r] = struct{}{}
	}
	for r := range m.healthStatus {
		routes[r] = struct{}{}
	}
	for r := range m.breakerState {
		routes[r] = struct{}{}
	}

	for route := range routes {
		snap.TotalRequests += m.requests[route]

		rm := RouteMetrics{
			Requests:       m.requests[route],
			UpstreamErrors: m.failures[route],
			BreakerState:   m.breakerState[route],
			StatusCodes:    make(map[int]int64, len(m.statusCodes[route])),
		}
		for code, n := range m.statusCodes[route] {
			rm.StatusCodes[code] = n
		}
		if healthy, ok := m.healthStatus[route]; ok {
			rm.Healthy = &healthy
		}

		durations := m.responseTimes[route]
		if len(durations) > 0 {
			sorted := make([]time.Duration, len(durations))
			copy(sorted, durations)
			sort.Slice(sorted, func(i, j int) bool {
				return sorted[i] < sorted[j]
			})

			rm.AvgResponseMs = millis(average(sorted))
			rm.P50ResponseMs = millis(percentile(sorted, 0.50))
			rm.P95ResponseMs = millis(percentile(sorted, 0.95))
			rm.P99ResponseMs = millis(percentile(sorted, 0.99))
		}

		snap.Routes[route] = rm
	}

	return snap
}

func millis(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

func average(durations []time.Duration) time.Duration {
	if len(durations) == 0 {
		return 0
	}

	var sum time.Duration
	for _, d := range durations {
		sum += d
	}

	return sum / time.Duration(len(durations))
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}

	index := int(float64(len(sorted)) * p)
	if index >= len(sorted) {
		index = len(sorted) - 1
	}

	return sorted[index]
}

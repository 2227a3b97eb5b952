// Package metrics provides metrics collection for the proxy.
//
// It uses a channel-based event pipeline to asynchronously collect, per route:
//   - Request counts and upstream transport failures
//   - Response times with percentile calculations (P50, P95, P99)
//   - HTTP status code distribution
//   - Backend health and circuit breaker state
//
// The collector runs in a dedicated goroutine. Events are queued with Emit,
// which never blocks; when the buffer is full the event is dropped and
// counted. The same events feed a Prometheus registry served by Handler and
// an in-memory JSON snapshot served by SnapshotHandler.
//
// Example usage:
//
//	collector := metrics.NewCollector(1000, logger)
//	collector.Start(ctx)
//
//	collector.Emit(metrics.MetricEvent{
//		Type:       metrics.EventResponseCompleted,
//		Route:      "default",
//		Method:     http.MethodGet,
//		Duration:   150 * time.Millisecond,
//		StatusCode: 200,
//	})
//
//	snapshot := collector.Snapshot()
package metrics

// Package circuitbreaker stops the proxy from hammering a backend that
// cannot be reached. It keeps one sony/gobreaker breaker per route with
// three states:
//
//   - closed: requests pass through
//   - open: requests are rejected without dialing the backend
//   - half-open: a single probe request decides whether to close again
//
// Usage:
//
//	registry := circuitbreaker.NewRegistry(circuitbreaker.Settings{
//		FailureThreshold: 5,
//		OpenTimeout:      30 * time.Second,
//	})
//	done, err := registry.GetBreaker("default").Allow()
//	if err != nil {
//		// breaker open
//	}
//	done(transportErr == nil)
package circuitbreaker

// Package handler implements the proxy's HTTP entry point. It resolves the
// route for each request, consults the route's circuit breaker, forwards
// through the route's backend and reports the outcome to metrics. Backend
// transport failures become a 502 JSON envelope.
package handler

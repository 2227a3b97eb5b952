package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/angeloszaimis/path-proxy/internal/backend"
	"github.com/angeloszaimis/path-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/path-proxy/internal/httperror"
	"github.com/angeloszaimis/path-proxy/internal/metrics"
	"github.com/angeloszaimis/path-proxy/internal/router"
)

// ProxyHandler routes each request to the backend of its route.
type ProxyHandler struct {
	logger           *slog.Logger
	table            *router.Table
	backends         map[*router.Route]*backend.Backend
	breakers         *circuitbreaker.Registry
	metricsCollector *metrics.Collector
}

type Options struct {
	Transport        http.RoundTripper
	ForwardedHeaders bool
	// Breakers is optional; nil disables circuit breaking.
	Breakers *circuitbreaker.Registry
	// Collector is optional; nil disables metrics.
	Collector *metrics.Collector
}

type statusRecorder struct {
	http.ResponseWriter
	statusCode  int
	wroteHeader bool
}

// outcome is shared between ServeHTTP and the proxy's error handler
// through the request context.
type outcome struct {
	route *router.Route
	err   error
}

type outcomeKey struct{}

func NewProxyHandler(logger *slog.Logger, table *router.Table, opts Options) *ProxyHandler {
	h := &ProxyHandler{
		logger:           logger,
		table:            table,
		backends:         make(map[*router.Route]*backend.Backend),
		breakers:         opts.Breakers,
		metricsCollector: opts.Collector,
	}

	for _, route := range table.Routes() {
		h.backends[route] = backend.New(route, backend.Options{
			Transport:        opts.Transport,
			ForwardedHeaders: opts.ForwardedHeaders,
			ErrorHandler:     h.handleUpstreamError,
		})
	}

	return h
}

// Backends returns one backend per route, default last.
func (h *ProxyHandler) Backends() []*backend.Backend {
	routes := h.table.Routes()
	out := make([]*backend.Backend, 0, len(routes))
	for _, r := range routes {
		out = append(out, h.backends[r])
	}
	return out
}

// Breakers returns the breaker registry, or nil when circuit breaking is off.
func (h *ProxyHandler) Breakers() *circuitbreaker.Registry {
	return h.breakers
}

func (h *ProxyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, path := h.table.Match(r.URL.Path)
	b := h.backends[route]

	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:   metrics.EventRequestReceived,
		Route:  route.Name,
		Method: r.Method,
	})

	var done func(bool)
	if h.breakers != nil {
		var err error
		done, err = h.breakers.GetBreaker(route.Name).Allow()
		if err != nil {
			pe := &ProxyError{Op: "breaker", Route: route.Name, Target: route.Target.String(), Cause: err}
			h.logger.Warn("Circuit breaker rejected request",
				slog.String("route", route.Name),
				slog.String("path", r.URL.Path))
			h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventUpstreamFailed, Route: route.Name})
			h.emitCompleted(route.Name, r.Method, http.StatusBadGateway, 0)
			httperror.BadGateway(w, pe)
			return
		}
	}

	h.logger.Debug("Forwarding request",
		slog.String("route", route.Name),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("backend", route.Target.String()))

	res := &outcome{route: route}
	r = r.WithContext(context.WithValue(r.Context(), outcomeKey{}, res))
	wrapped := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}

	b.IncrementConn()
	start := time.Now()
	aborted := true

	// ReverseProxy panics with http.ErrAbortHandler when the client goes
	// away mid-body, so the bookkeeping runs deferred.
	defer func() {
		duration := time.Since(start)
		b.DecrementConn()

		if done != nil {
			// a client that cancels or aborts says nothing about the backend
			done(aborted || res.err == nil || errors.Is(res.err, context.Canceled))
		}

		if !aborted && res.err == nil {
			b.RecordResponse(duration)
		}
		h.emitCompleted(route.Name, r.Method, wrapped.statusCode, duration)
	}()

	b.Forward(wrapped, r, path)
	aborted = false
}

// handleUpstreamError answers requests whose backend could not be reached.
func (h *ProxyHandler) handleUpstreamError(w http.ResponseWriter, r *http.Request, err error) {
	route := h.table.Default()
	if res, ok := r.Context().Value(outcomeKey{}).(*outcome); ok {
		res.err = err
		route = res.route
	}

	pe := &ProxyError{Op: "forward", Route: route.Name, Target: r.URL.String(), Cause: err}

	if errors.Is(err, context.Canceled) {
		h.logger.Debug("Client went away", slog.String("route", route.Name), slog.Any("err", pe))
	} else {
		h.logger.Error("Failed to reach backend",
			slog.String("route", route.Name),
			slog.String("method", r.Method),
			slog.Any("err", pe))
		h.metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventUpstreamFailed, Route: route.Name})
	}

	httperror.BadGateway(w, err)
}

func (h *ProxyHandler) emitCompleted(route, method string, status int, d time.Duration) {
	h.metricsCollector.Emit(metrics.MetricEvent{
		Type:       metrics.EventResponseCompleted,
		Route:      route,
		Method:     method,
		StatusCode: status,
		Duration:   d,
	})
}

func (r *statusRecorder) WriteHeader(code int) {
	if !r.wroteHeader {
		r.statusCode = code
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	r.wroteHeader = true
	return r.ResponseWriter.Write(b)
}

// Unwrap lets http.ResponseController reach the underlying writer for
// flushing and connection upgrades.
func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

package main

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/angeloszaimis/path-proxy/internal/handler"
	"github.com/angeloszaimis/path-proxy/internal/metrics"
	"github.com/angeloszaimis/path-proxy/internal/middleware"
)

// setupRouter mounts the proxy on every path for each allowed method.
// Other methods get 405 from chi.
func setupRouter(log *slog.Logger, methods []string, proxyHandler http.Handler, extra ...func(http.Handler) http.Handler) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(chimiddleware.Recoverer)
	r.Use(middleware.AccessLog(log))
	r.Use(extra...)

	for _, m := range methods {
		r.Method(m, "/", proxyHandler)
		r.Method(m, "/*", proxyHandler)
	}

	return r
}

type healthReport struct {
	Status   string            `json:"status"`
	Backends map[string]bool   `json:"backends,omitempty"`
	Breakers map[string]string `json:"breakers,omitempty"`
}

// setupAdminRouter serves the operational endpoints on the admin listener.
func setupAdminRouter(proxyHandler *handler.ProxyHandler, metricsCollector *metrics.Collector, healthChecks bool) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)

	r.Method(http.MethodGet, "/metrics", metricsCollector.Handler())
	r.Get("/stats", metricsCollector.SnapshotHandler())
	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		report := healthReport{Status: "ok"}
		status := http.StatusOK

		if healthChecks {
			report.Backends = make(map[string]bool)
			for _, b := range proxyHandler.Backends() {
				healthy := b.IsHealthy()
				report.Backends[b.Name()] = healthy
				if !healthy {
					report.Status = "degraded"
					status = http.StatusServiceUnavailable
				}
			}
		}

		if breakers := proxyHandler.Breakers(); breakers != nil {
			report.Breakers = breakers.Stats()
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(report)
	})

	return r
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/sony/gobreaker"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/angeloszaimis/path-proxy/config"
	"github.com/angeloszaimis/path-proxy/internal/backend"
	"github.com/angeloszaimis/path-proxy/internal/circuitbreaker"
	"github.com/angeloszaimis/path-proxy/internal/handler"
	"github.com/angeloszaimis/path-proxy/internal/healthcheck"
	"github.com/angeloszaimis/path-proxy/internal/httpserver"
	"github.com/angeloszaimis/path-proxy/internal/metrics"
	"github.com/angeloszaimis/path-proxy/internal/middleware"
	"github.com/angeloszaimis/path-proxy/internal/router"
	"github.com/angeloszaimis/path-proxy/pkg/logger"
)

const metricsBufferSize = 1024

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file")
	pflag.Parse()

	loader := config.NewLoader(*configPath)
	cfg, err := loader.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("err", err))
		os.Exit(1)
	}

	level := logger.NewLevel(cfg.Logging.Level)
	log := logger.New(logger.Options{
		Level:       level,
		AddSource:   cfg.Logging.AddSource,
		Environment: cfg.Server.Environment,
	})
	slog.SetDefault(log)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if loader.ConfigFileUsed() != "" {
		loader.Watch(func(next *config.Config) {
			level.Set(logger.ParseLevel(next.Logging.Level))
			log.Info("Applied config change", slog.String("log_level", next.Logging.Level))
		})
	}

	if err := run(ctx, cfg, log); err != nil {
		log.Error("Proxy stopped with error", slog.Any("err", err))
		os.Exit(1)
	}
}

// run wires the proxy from cfg and serves until ctx is cancelled.
func run(ctx context.Context, cfg *config.Config, log *slog.Logger) error {
	table, err := buildTable(cfg)
	if err != nil {
		return err
	}

	transport, err := backend.NewTransport(backend.TransportOptions{
		Timeout:             cfg.Proxy.Timeout,
		MaxIdleConns:        cfg.Proxy.MaxIdleConns,
		MaxIdleConnsPerHost: cfg.Proxy.MaxIdleConnsPerHost,
		IdleConnTimeout:     cfg.Server.IdleTimeout,
		HTTP2:               cfg.Proxy.HTTP2,
	})
	if err != nil {
		return err
	}
	defer transport.CloseIdleConnections()

	metricsCollector := metrics.NewCollector(metricsBufferSize, log)
	metricsCollector.Start(ctx)

	proxyHandler := handler.NewProxyHandler(log, table, handler.Options{
		Transport:        transport,
		ForwardedHeaders: cfg.Proxy.ForwardedHeaders,
		Breakers:         newBreakers(cfg.CircuitBreaker, metricsCollector, log),
		Collector:        metricsCollector,
	})

	if err := trackBackends(metricsCollector, proxyHandler.Backends()); err != nil {
		return err
	}

	for _, b := range proxyHandler.Backends() {
		log.Info("Route configured",
			slog.String("route", b.Name()),
			slog.String("prefix", b.Route().Prefix),
			slog.String("backend", b.URL().String()),
			slog.Bool("strip_prefix", b.Route().StripPrefix))
	}

	if cfg.HealthCheck.Enabled {
		startHealthChecks(ctx, cfg.HealthCheck, proxyHandler.Backends(), metricsCollector, log)
	}

	var extra []func(http.Handler) http.Handler
	if cfg.RateLimit.Enabled {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst, log)
		go limiter.Run(ctx)
		extra = append(extra, limiter.Middleware)
	}

	serverOpts := httpserver.Options{
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		ShutdownTimeout:   cfg.Server.ShutdownTimeout,
		H2C:               cfg.Server.H2C,
	}

	servers := make([]*httpserver.Server, 0, 2)

	publicSrv, err := httpserver.New(cfg.Server.Address, setupRouter(log, cfg.Proxy.Methods, proxyHandler, extra...), serverOpts)
	if err != nil {
		return fmt.Errorf("create proxy server: %w", err)
	}
	servers = append(servers, publicSrv)

	if cfg.Admin.Address != "" {
		adminSrv, err := httpserver.New(cfg.Admin.Address,
			setupAdminRouter(proxyHandler, metricsCollector, cfg.HealthCheck.Enabled),
			httpserver.Options{ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout, ShutdownTimeout: cfg.Server.ShutdownTimeout})
		if err != nil {
			return fmt.Errorf("create admin server: %w", err)
		}
		servers = append(servers, adminSrv)
	}

	return serve(ctx, log, servers...)
}

// serve starts every server and shuts all of them down when ctx ends or
// one of them fails.
func serve(ctx context.Context, log *slog.Logger, servers ...*httpserver.Server) error {
	g, gctx := errgroup.WithContext(ctx)

	for _, srv := range servers {
		srv := srv
		g.Go(func() error {
			log.Info("Listening", slog.String("addr", srv.Addr()))
			if err := srv.Start(); err != nil {
				return fmt.Errorf("listen on %s: %w", srv.Addr(), err)
			}
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down gracefully...")
		for _, srv := range servers {
			if err := srv.Shutdown(context.Background()); err != nil {
				log.Error("Error during shutdown", slog.String("addr", srv.Addr()), slog.Any("err", err))
			}
		}
		return nil
	})

	return g.Wait()
}

// buildTable turns the configured backends into a route table.
func buildTable(cfg *config.Config) (*router.Table, error) {
	defaultURL, err := url.Parse(cfg.DefaultBackend.URL)
	if err != nil {
		return nil, fmt.Errorf("parse default backend url: %w", err)
	}

	routes := make([]router.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		target, err := url.Parse(rc.URL)
		if err != nil {
			return nil, fmt.Errorf("parse url of route %q: %w", rc.Prefix, err)
		}
		routes = append(routes, router.Route{
			Name:        rc.Name,
			Prefix:      rc.Prefix,
			Target:      target,
			StripPrefix: rc.StripPrefix,
		})
	}

	return router.NewTable(router.Route{Name: config.DefaultRouteName, Target: defaultURL}, routes...)
}

// trackBackends exports each backend's in-flight count and smoothed
// response time.
func trackBackends(metricsCollector *metrics.Collector, backends []*backend.Backend) error {
	for _, b := range backends {
		b := b
		if err := metricsCollector.TrackInFlight(b.Name(), func() float64 {
			return float64(b.ActiveConnections())
		}); err != nil {
			return fmt.Errorf("register in-flight gauge for %s: %w", b.Name(), err)
		}
		if err := metricsCollector.TrackResponseTime(b.Name(), b.EWMATime); err != nil {
			return fmt.Errorf("register response time gauge for %s: %w", b.Name(), err)
		}
	}
	return nil
}

// newBreakers returns nil when circuit breaking is disabled.
func newBreakers(cfg config.CircuitBreakerConfig, metricsCollector *metrics.Collector, log *slog.Logger) *circuitbreaker.Registry {
	if !cfg.Enabled {
		return nil
	}

	return circuitbreaker.NewRegistry(circuitbreaker.Settings{
		FailureThreshold: cfg.FailureThreshold,
		OpenTimeout:      cfg.OpenTimeout,
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("Circuit breaker state changed",
				slog.String("route", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
			metricsCollector.Emit(metrics.MetricEvent{
				Type:  metrics.EventBreakerChanged,
				Route: name,
				State: to.String(),
			})
		},
	})
}

func startHealthChecks(ctx context.Context, cfg config.HealthCheckConfig, backends []*backend.Backend, metricsCollector *metrics.Collector, log *slog.Logger) {
	checker := healthcheck.New(healthcheck.Options{
		Interval: cfg.Interval,
		Timeout:  cfg.Timeout,
		Path:     cfg.Path,
		OnChange: func(b *backend.Backend, healthy bool) {
			metricsCollector.Emit(metrics.MetricEvent{
				Type:    metrics.EventHealthChanged,
				Route:   b.Name(),
				Healthy: healthy,
			})
		},
	}, log)

	for _, b := range backends {
		metricsCollector.Emit(metrics.MetricEvent{Type: metrics.EventHealthChanged, Route: b.Name(), Healthy: b.IsHealthy()})
		go checker.Run(ctx, b)
	}
}

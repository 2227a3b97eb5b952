package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/angeloszaimis/path-proxy/internal/backend"
)

type Options struct {
	Interval time.Duration
	Timeout  time.Duration
	// Path is appended to the backend base URL for each probe.
	Path string
	// OnChange is called whenever a backend flips between healthy and
	// unhealthy.
	OnChange func(b *backend.Backend, healthy bool)
}

// Checker probes backends periodically. A backend counts as healthy when
// it answers the probe with any status below 500. Health never blocks
// forwarding; it only feeds logs, metrics and the admin readiness check.
type Checker struct {
	client   *http.Client
	interval time.Duration
	path     string
	onChange func(b *backend.Backend, healthy bool)
	logger   *slog.Logger
}

func New(opts Options, logger *slog.Logger) *Checker {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	return &Checker{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		interval: opts.Interval,
		path:     opts.Path,
		onChange: opts.OnChange,
		logger:   logger,
	}
}

// Run probes b right away and then on every tick until ctx is done.
func (c *Checker) Run(ctx context.Context, b *backend.Backend) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.check(ctx, b)

	for {
		select {
		case <-ctx.Done():
			c.logger.Info("Health check stopped",
				slog.String("route", b.Name()),
				slog.String("server", b.URL().String()))
			return

		case <-ticker.C:
			c.check(ctx, b)
		}
	}
}

func (c *Checker) check(ctx context.Context, b *backend.Backend) {
	healthy := c.Probe(ctx, b)
	if ctx.Err() != nil {
		return
	}

	if !b.SetHealthy(healthy) {
		return
	}

	if healthy {
		c.logger.Info("Server is back up",
			slog.String("route", b.Name()),
			slog.String("server", b.URL().String()))
	} else {
		c.logger.Warn("Server is down",
			slog.String("route", b.Name()),
			slog.String("server", b.URL().String()))
	}

	if c.onChange != nil {
		c.onChange(b, healthy)
	}
}

// Probe sends one health request to b and reports whether it answered.
func (c *Checker) Probe(ctx context.Context, b *backend.Backend) bool {
	probeURL := *b.URL()
	probeURL.Path = strings.TrimSuffix(probeURL.Path, "/") + "/" + strings.TrimPrefix(c.path, "/")
	probeURL.RawPath = ""

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probeURL.String(), nil)
	if err != nil {
		return false
	}

	res, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("Health probe failed",
			slog.String("route", b.Name()),
			slog.String("url", probeURL.String()),
			slog.Any("err", err))
		return false
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 4096))
	res.Body.Close()

	return res.StatusCode < http.StatusInternalServerError
}

package middleware

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/angeloszaimis/path-proxy/internal/httperror"
)

const (
	// DefaultClientTTL is how long an idle client's limiter is kept.
	DefaultClientTTL = 10 * time.Minute

	cleanupInterval = time.Minute
)

type clientEntry struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// RateLimiter keeps one token bucket per client IP.
type RateLimiter struct {
	mutex     sync.Mutex
	clients   map[string]*clientEntry
	limit     rate.Limit
	burst     int
	clientTTL time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

func NewRateLimiter(rps float64, burst int, logger *slog.Logger) *RateLimiter {
	if burst < 1 {
		burst = 1
	}
	return &RateLimiter{
		clients:   make(map[string]*clientEntry),
		limit:     rate.Limit(rps),
		burst:     burst,
		clientTTL: DefaultClientTTL,
		logger:    logger,
		now:       time.Now,
	}
}

// Allow reports whether client may send one more request now.
func (rl *RateLimiter) Allow(client string) bool {
	now := rl.now()

	rl.mutex.Lock()
	entry, ok := rl.clients[client]
	if !ok {
		entry = &clientEntry{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[client] = entry
	}
	entry.lastAccess = now
	limiter := entry.limiter
	rl.mutex.Unlock()

	return limiter.AllowN(now, 1)
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mutex.Lock()
	defer rl.mutex.Unlock()
	return len(rl.clients)
}

// Cleanup drops clients idle for longer than maxAge.
func (rl *RateLimiter) Cleanup(maxAge time.Duration) int {
	now := rl.now()

	rl.mutex.Lock()
	defer rl.mutex.Unlock()

	removed := 0
	for client, entry := range rl.clients {
		if now.Sub(entry.lastAccess) > maxAge {
			delete(rl.clients, client)
			removed++
		}
	}
	return removed
}

// Run cleans up idle clients until ctx is done.
func (rl *RateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := rl.Cleanup(rl.clientTTL); n > 0 {
				rl.logger.Debug("Dropped idle rate limiter clients",
					slog.Int("removed", n),
					slog.Int("remaining", rl.Clients()))
			}
		}
	}
}

// Middleware rejects requests over the client's rate with 429.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		client := clientIP(r)
		if !rl.Allow(client) {
			rl.logger.Warn("Rate limit exceeded",
				slog.String("client", client),
				slog.String("path", r.URL.Path),
				slog.String("request_id", RequestIDFromContext(r.Context())))
			w.Header().Set("Retry-After", "1")
			httperror.Write(w, http.StatusTooManyRequests, httperror.MsgTooManyRequests, "rate limit exceeded for "+client)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP uses the connection's remote address. Forwarding headers are
// client-controlled and are not trusted here.
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

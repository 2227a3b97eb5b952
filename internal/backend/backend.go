package backend

import (
	"context"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/angeloszaimis/path-proxy/internal/httperror"
	"github.com/angeloszaimis/path-proxy/internal/router"
)

// DefaultContentType replaces a missing upstream Content-Type.
const DefaultContentType = "application/octet-stream"

const ewmaAlpha = 0.2

// forwardedHeaders are dropped by httputil before Rewrite runs. They are
// restored from the inbound request unless the proxy sets its own.
var forwardedHeaders = []string{
	"Forwarded",
	"X-Forwarded-For",
	"X-Forwarded-Host",
	"X-Forwarded-Proto",
}

// Options configure how a Backend forwards requests.
type Options struct {
	Transport http.RoundTripper
	// ForwardedHeaders makes the proxy append its own X-Forwarded-* values
	// instead of relaying the client's verbatim.
	ForwardedHeaders bool
	// ErrorHandler answers transport failures. Defaults to a 502 envelope.
	ErrorHandler func(http.ResponseWriter, *http.Request, error)
}

// Backend forwards requests for one route and tracks health, in-flight
// requests and response time for it.
type Backend struct {
	route             *router.Route
	proxy             *httputil.ReverseProxy
	forwardedHeaders  bool
	mutex             sync.Mutex
	isHealthy         bool
	activeConnections int
	ewmaResponseTime  time.Duration
	hasEWMA           bool
}

type forwardPathKey struct{}

// New creates a Backend for route. The backend starts in a healthy state.
func New(route *router.Route, opts Options) *Backend {
	b := &Backend{
		route:            route,
		forwardedHeaders: opts.ForwardedHeaders,
		isHealthy:        true,
	}

	errorHandler := opts.ErrorHandler
	if errorHandler == nil {
		errorHandler = func(w http.ResponseWriter, _ *http.Request, err error) {
			httperror.BadGateway(w, err)
		}
	}

	b.proxy = &httputil.ReverseProxy{
		Rewrite:        b.rewrite,
		Transport:      opts.Transport,
		ModifyResponse: modifyResponse,
		ErrorHandler:   errorHandler,
	}

	return b
}

// Forward proxies r to the backend. path is appended to the route target's
// path; it is usually the remainder returned by router.Table.Match.
func (b *Backend) Forward(w http.ResponseWriter, r *http.Request, path string) {
	ctx := context.WithValue(r.Context(), forwardPathKey{}, path)
	b.proxy.ServeHTTP(w, r.WithContext(ctx))
}

func (b *Backend) rewrite(pr *httputil.ProxyRequest) {
	in, out := pr.In, pr.Out
	target := b.route.Target

	path, ok := in.Context().Value(forwardPathKey{}).(string)
	if !ok {
		path = in.URL.Path
	}

	rest := &url.URL{Path: path}
	if in.URL.RawPath != "" {
		raw := in.URL.EscapedPath()
		if b.route.StripPrefix {
			raw = strings.TrimPrefix(raw, b.route.Prefix)
		}
		if unescaped, err := url.PathUnescape(raw); err == nil && unescaped == path {
			rest.RawPath = raw
		}
	}

	out.URL.Scheme = target.Scheme
	out.URL.Host = target.Host
	out.URL.Path, out.URL.RawPath = joinURLPath(target, rest)
	out.URL.RawQuery = in.URL.RawQuery
	out.Host = ""

	out.Header.Del("Host")
	out.Header.Del("Content-Length")

	if b.forwardedHeaders {
		pr.SetXForwarded()
		return
	}
	for _, h := range forwardedHeaders {
		if v := in.Header.Values(h); len(v) > 0 {
			out.Header[http.CanonicalHeaderKey(h)] = append([]string(nil), v...)
		}
	}
}

func modifyResponse(resp *http.Response) error {
	if resp.Header.Get("Content-Type") == "" {
		resp.Header.Set("Content-Type", DefaultContentType)
	}
	return nil
}

// joinURLPath appends rest to base. An empty rest yields base unchanged,
// and a slash shared by both sides is not doubled.
func joinURLPath(base, rest *url.URL) (path, rawpath string) {
	if rest.Path == "" {
		return base.Path, base.RawPath
	}

	if base.RawPath == "" && rest.RawPath == "" {
		return singleJoiningSlash(base.Path, rest.Path), ""
	}

	return singleJoiningSlash(base.Path, rest.Path), singleJoiningSlash(base.EscapedPath(), rest.EscapedPath())
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}

// Route returns the route this backend serves.
func (b *Backend) Route() *router.Route {
	return b.route
}

// Name returns the route name.
func (b *Backend) Name() string {
	return b.route.Name
}

// URL returns the backend base URL.
func (b *Backend) URL() *url.URL {
	return b.route.Target
}

// IncrementConn increments the in-flight request count.
func (b *Backend) IncrementConn() {
	b.mutex.Lock()
	b.activeConnections++
	b.mutex.Unlock()
}

// DecrementConn decrements the in-flight request count.
func (b *Backend) DecrementConn() {
	b.mutex.Lock()
	if b.activeConnections > 0 {
		b.activeConnections--
	}
	b.mutex.Unlock()
}

// ActiveConnections returns the current number of in-flight requests.
func (b *Backend) ActiveConnections() int {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.activeConnections
}

// IsHealthy returns true if the last health probe succeeded.
func (b *Backend) IsHealthy() bool {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.isHealthy
}

// SetHealthy updates the backend's health status.
// Returns true if the status changed, false if it was already in that state.
func (b *Backend) SetHealthy(healthy bool) (changed bool) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if b.isHealthy == healthy {
		return false
	}

	b.isHealthy = healthy
	return true
}

// RecordResponse folds duration into the EWMA response time.
func (b *Backend) RecordResponse(duration time.Duration) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		b.ewmaResponseTime = duration
		b.hasEWMA = true
		return
	}
	//ewma = (1 - α) * ewma + α * latest
	b.ewmaResponseTime = time.Duration((1-ewmaAlpha)*float64(b.ewmaResponseTime) + ewmaAlpha*float64(duration))
}

// EWMATime returns the EWMA response time, or 0 before the first response.
func (b *Backend) EWMATime() time.Duration {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	if !b.hasEWMA {
		return 0
	}

	return b.ewmaResponseTime
}

// Package backend forwards requests to the service behind a route. Each
// Backend wraps an httputil.ReverseProxy that rewrites the target URL,
// drops the Host and Content-Length headers, relays the response verbatim
// and reports transport failures through a 502 JSON envelope. It also
// tracks in-flight requests, health and an EWMA of response times.
package backend

// Package middleware provides the HTTP middleware mounted in front of the
// proxy handler: request IDs, per-client rate limiting and access logging.
package middleware

// Package httpserver runs an http.Server with a validated address, tunable
// timeouts, optional cleartext HTTP/2 and graceful shutdown.
package httpserver

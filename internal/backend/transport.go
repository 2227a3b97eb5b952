package backend

import (
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// TransportOptions tune the outbound connection pool shared by all backends.
type TransportOptions struct {
	// Timeout bounds dialing, the TLS handshake and the wait for response
	// headers. Zero disables them. The response body is not bounded.
	Timeout             time.Duration
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	IdleConnTimeout     time.Duration
	// HTTP2 negotiates h2 with TLS backends via ALPN.
	HTTP2 bool
}

// NewTransport builds the http.Transport used to reach backends.
func NewTransport(opts TransportOptions) (*http.Transport, error) {
	idleTimeout := opts.IdleConnTimeout
	if idleTimeout == 0 {
		idleTimeout = 90 * time.Second
	}

	dialer := &net.Dialer{
		Timeout:   opts.Timeout,
		KeepAlive: 30 * time.Second,
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxIdleConnsPerHost,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   opts.Timeout,
		ResponseHeaderTimeout: opts.Timeout,
		ExpectContinueTimeout: 1 * time.Second,
	}

	if opts.HTTP2 {
		if err := http2.ConfigureTransport(t); err != nil {
			return nil, fmt.Errorf("configure http2 transport: %w", err)
		}
	}

	return t, nil
}

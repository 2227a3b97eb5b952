package handler

import "fmt"

// ProxyError describes a request that could not be forwarded.
type ProxyError struct {
	Op     string // forward or breaker
	Route  string
	Target string
	Cause  error
}

func (e *ProxyError) Error() string {
	return fmt.Sprintf("proxy %s route=%s target=%s: %v", e.Op, e.Route, e.Target, e.Cause)
}

func (e *ProxyError) Unwrap() error {
	return e.Cause
}

// Package config handles loading and validation of the proxy configuration
// from a YAML file and PATHPROXY_* environment variables. It defines the
// listener settings, the default backend, the prefix routes, upstream
// transport tuning and the optional health check, circuit breaker and rate
// limiting sections.
package config

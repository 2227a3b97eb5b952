// Package healthcheck implements periodic health probing for backends.
// Results update each backend's health flag and are reported to logs and
// metrics; the proxy keeps forwarding regardless of the outcome.
package healthcheck

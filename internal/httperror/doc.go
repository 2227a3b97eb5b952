// Package httperror writes the proxy's JSON error envelope,
// {"error": "...", "details": "..."}.
package httperror

// Package middleware provides the HTTP middleware for the orchestrator
// endpoint: CORS for extension-scheme origins and token-bucket rate
// limiting, per-IP or global.
package middleware

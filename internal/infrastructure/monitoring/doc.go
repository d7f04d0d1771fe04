// Package monitoring exposes Prometheus metrics for the bus, the rule
// orchestrator and the recovery coordinator. Each Metrics instance owns its
// registry; the server mounts it at /metrics.
package monitoring

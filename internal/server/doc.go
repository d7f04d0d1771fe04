// Package server exposes the orchestrator over HTTP: a websocket attach
// point that joins peers to the hub transport, host lifecycle hooks
// (observed requests, tab closes, shutdown hints), rule and credential
// management, health, and Prometheus metrics.
package server

// Package logging provides structured logging using uber/zap.
//
// Every isolated execution context gets a named child logger via ForLocus,
// so a single aggregated log stream still shows which context (orchestrator,
// content script, offscreen document, ...) produced each line.
//
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
package logging

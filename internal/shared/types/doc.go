// Package types holds the data model shared across components: network
// rules and their bookkeeping, and the recovery state that survives
// orchestrator restarts. Keeping these here lets the rule orchestrator, the
// provider registry, and the recovery coordinator exchange values without
// importing each other.
package types

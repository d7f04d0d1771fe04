// Package config provides 12-factor configuration management.
//
// Configuration is loaded from environment variables with sensible defaults.
// All timing knobs of the core subsystems live here: bus request timeouts,
// codec reference retention, rule TTL and sweep cadence, and the recovery
// coordinator's grace and health windows.
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Orchestrator on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, APP_NAME, RULE_ENGINE_ADDR
//   - BUS_REQUEST_TIMEOUT, BUS_POLL_INTERVAL
//   - RULES_TTL, RULES_SWEEP_INTERVAL
//   - RECOVERY_GRACE_WINDOW, RECOVERY_HEALTH_INTERVAL
//   - LOG_LEVEL, LOG_DEV, VAULT_BACKEND, DATA_DIR
package config

// Package recovery reconciles the orchestrator's unreliable lifecycle. The
// host may tear the process down at any moment; a durable bookkeeping
// record that outlives the teardown, compared against a volatile session
// marker that does not, tells the next boot whether it is a cold start or a
// restart. Restarts trigger a strictly ordered recovery sequence, and a
// periodic health check re-runs it whenever live state looks wrong.
package recovery

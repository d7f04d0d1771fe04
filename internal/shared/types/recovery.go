package types

import "time"

// RecoveryState is the durable bookkeeping that survives orchestrator
// teardown. A volatile mirror of the boot marker is what distinguishes a
// restart from a cold start.
type RecoveryState struct {
	LastBootTime       time.Time `json:"last_boot_time"`
	LastShutdownTime   time.Time `json:"last_shutdown_time"`
	LastRestartTime    time.Time `json:"last_restart_time,omitempty"`
	RestartCount       int       `json:"restart_count"`
	RecoveryInProgress bool      `json:"recovery_in_progress"`
}

// PendingMessage is a bus message that was queued but not yet acknowledged
// when the orchestrator went down; recovery replays it exactly once.
type PendingMessage struct {
	EventName string    `json:"event_name"`
	Args      []byte    `json:"args"`
	QueuedAt  time.Time `json:"queued_at"`
}

// Valid reports whether a replayed record still has the shape recovery can
// act on. Corrupt records are discarded, never propagated.
func (p *PendingMessage) Valid() bool {
	return p != nil && p.EventName != "" && !p.QueuedAt.IsZero()
}

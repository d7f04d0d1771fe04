package recovery

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"github.com/extmesh/extmesh/internal/bus"
	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/infrastructure/monitoring"
	"github.com/extmesh/extmesh/internal/shared/types"
	"github.com/extmesh/extmesh/internal/store"
)

// Storage keys. The durable namespace survives teardown; the volatile one
// holds only the session marker whose absence signals a restart.
const (
	keyState    = "recovery:state"
	keyPending  = "recovery:pending"
	keyInflight = "recovery:inflight"
	keySession  = "recovery:session"
)

// Phase is the coordinator's position in its cycle.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDetecting
	PhaseNormal
	PhaseRecovering
)

// Config tunes restart classification and the health loop.
type Config struct {
	// GraceWindow bounds how stale a shutdown timestamp may be for a boot
	// to count as a restart rather than a cold start.
	GraceWindow time.Duration
	// HealthInterval is how often live state is re-verified.
	HealthInterval time.Duration
	// ResetWindow is how long without a restart clears the restart counter.
	ResetWindow time.Duration
}

// MessageBus is the slice of the bus the coordinator drives: bring it up,
// check it is up, and replay queued messages through it.
type MessageBus interface {
	Init() error
	State() bus.State
	Send(ctx context.Context, event string, args ...any) (any, error)
}

// RuleOrchestrator is the slice of the rule subsystem the coordinator
// rebuilds on recovery.
type RuleOrchestrator interface {
	Start(ctx context.Context) error
	Started() bool
}

// Coordinator owns the orchestrator's unreliable lifecycle: it detects that
// the host tore the process down and restarted it, rehydrates durable
// state, replays undelivered messages, and rebuilds the bus and rule
// subsystem. The host can kill the process at any time; everything here
// exists to make that survivable.
type Coordinator struct {
	cfg      Config
	durable  store.Store
	volatile store.Store
	bus      MessageBus
	rules    RuleOrchestrator
	log      *logging.Logger
	metrics  *monitoring.Metrics
	now      func() time.Time

	phase atomic.Int32

	mu    sync.Mutex
	state types.RecoveryState

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
	looping  atomic.Bool
}

// Option customizes a coordinator.
type Option func(*Coordinator)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// New creates a coordinator.
func New(cfg Config, durable, volatile store.Store, b MessageBus, rules RuleOrchestrator, log *logging.Logger, opts ...Option) *Coordinator {
	if cfg.GraceWindow <= 0 {
		cfg.GraceWindow = 60 * time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 5 * time.Second
	}
	if cfg.ResetWindow <= 0 {
		cfg.ResetWindow = 5 * time.Minute
	}
	c := &Coordinator{
		cfg:      cfg,
		durable:  durable,
		volatile: volatile,
		bus:      b,
		rules:    rules,
		log:      log,
		now:      time.Now,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Phase returns the coordinator's current position.
func (c *Coordinator) Phase() Phase {
	return Phase(c.phase.Load())
}

// RestartCount returns the current restart-loop signal.
func (c *Coordinator) RestartCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.RestartCount
}

// Boot runs once at process start: classify the boot, recover if it was a
// restart, bring up the bus and rule subsystem, write the boot markers, and
// start the health loop.
func (c *Coordinator) Boot(ctx context.Context) error {
	c.phase.Store(int32(PhaseDetecting))

	restarted, err := c.DetectRestart()
	if err != nil {
		// Unreadable durable storage is treated like a cold start; the
		// health loop keeps probing it.
		c.log.Warn("Restart detection failed, assuming cold start", zap.Error(err))
		restarted = false
	}

	if err := c.bus.Init(); err != nil {
		return fmt.Errorf("recovery: failed to initialize bus: %w", err)
	}

	if restarted {
		if c.metrics != nil {
			c.metrics.RestartsDetected.Inc()
		}
		if err := c.Recover(ctx, "restart"); err != nil {
			return err
		}
	} else {
		c.phase.Store(int32(PhaseNormal))
		if err := c.rules.Start(ctx); err != nil {
			return fmt.Errorf("recovery: failed to start rule subsystem: %w", err)
		}
	}

	if err := c.markBoot(); err != nil {
		return err
	}

	if c.looping.CompareAndSwap(false, true) {
		go c.healthLoop()
	}
	c.phase.Store(int32(PhaseIdle))
	return nil
}

// DetectRestart classifies this boot. A restart is: durable bookkeeping
// exists, the volatile session marker does not, and the recorded shutdown
// is recent enough to be the same session. Anything else is a cold start.
func (c *Coordinator) DetectRestart() (bool, error) {
	durable, err := c.durable.Get([]string{keyState})
	if err != nil {
		return false, fmt.Errorf("recovery: durable storage unreadable: %w", err)
	}
	raw, ok := durable[keyState]
	if !ok {
		return false, nil // first boot ever
	}

	var state types.RecoveryState
	if err := sonic.Unmarshal(raw, &state); err != nil {
		// Corrupt bookkeeping record: discard it, treat as cold start.
		c.log.Warn("Discarding corrupt recovery state", zap.Error(err))
		return false, nil
	}
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	vol, err := c.volatile.Get([]string{keySession})
	if err != nil {
		return false, fmt.Errorf("recovery: volatile storage unreadable: %w", err)
	}
	if _, present := vol[keySession]; present {
		return false, nil // same session still alive, not a restart
	}

	if state.LastShutdownTime.IsZero() {
		return false, nil
	}
	sinceShutdown := c.now().Sub(state.LastShutdownTime)
	return sinceShutdown >= 0 && sinceShutdown <= c.cfg.GraceWindow, nil
}

// Recover runs the full sequence. The order is load-bearing: each step
// assumes the previous one left consistent state behind.
func (c *Coordinator) Recover(ctx context.Context, trigger string) error {
	c.phase.Store(int32(PhaseRecovering))
	defer c.phase.Store(int32(PhaseIdle))

	if c.metrics != nil {
		c.metrics.RecoveryRuns.WithLabelValues(trigger).Inc()
	}
	c.log.Info("Recovery started", zap.String("trigger", trigger))

	// 1. Rehydrate durable slices, discarding structurally invalid records.
	state, pending, inflight, err := c.rehydrate()
	if err != nil {
		return err
	}
	c.bumpRestartCounter(&state)
	state.RecoveryInProgress = true
	if err := c.writeState(state); err != nil {
		return err
	}

	// 2. Rebuild the rule subsystem from scratch, drop-then-rebuild.
	if err := c.rules.Start(ctx); err != nil {
		return fmt.Errorf("recovery: failed to rebuild rule subsystem: %w", err)
	}

	// 3. Requests in flight before the restart are failed, not dropped.
	if len(inflight) > 0 {
		c.log.Warn("Failing requests lost to restart", zap.Int("count", len(inflight)))
		if c.metrics != nil {
			c.metrics.FailedRequests.Add(float64(len(inflight)))
		}
		if err := c.durable.Remove([]string{keyInflight}); err != nil {
			return fmt.Errorf("recovery: failed to clear in-flight list: %w", err)
		}
	}

	// 4. Replay every queued message exactly once, then clear the queue.
	c.replay(ctx, pending)
	if err := c.durable.Remove([]string{keyPending}); err != nil {
		return fmt.Errorf("recovery: failed to clear pending queue: %w", err)
	}

	// 5. Bring the bus back up; Init is idempotent, so a healthy bus is a
	// no-op and a torn-down one comes back ready.
	if err := c.bus.Init(); err != nil {
		return fmt.Errorf("recovery: failed to reinitialize bus: %w", err)
	}

	state.RecoveryInProgress = false
	if err := c.writeState(state); err != nil {
		return err
	}
	c.log.Info("Recovery finished",
		zap.Int("replayed", len(pending)),
		zap.Int("failed_requests", len(inflight)),
		zap.Int("restart_count", state.RestartCount))
	return nil
}

// QueuePending appends a message to the durable replay queue.
func (c *Coordinator) QueuePending(msg types.PendingMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// A failed read must not shrink the queue to just this message.
	queue, err := c.loadPending()
	if err != nil {
		return fmt.Errorf("recovery: failed to read pending queue: %w", err)
	}
	queue = append(queue, msg)
	data, err := sonic.Marshal(queue)
	if err != nil {
		return fmt.Errorf("recovery: failed to encode pending queue: %w", err)
	}
	return c.durable.Set(map[string][]byte{keyPending: data})
}

// TrackRequest records an in-flight request id durably so a restart can
// fail it instead of losing it.
func (c *Coordinator) TrackRequest(id string) error {
	return c.mutateInflight(func(ids []string) []string {
		for _, have := range ids {
			if have == id {
				return ids
			}
		}
		return append(ids, id)
	})
}

// UntrackRequest removes a settled request id.
func (c *Coordinator) UntrackRequest(id string) error {
	return c.mutateInflight(func(ids []string) []string {
		out := ids[:0]
		for _, have := range ids {
			if have != id {
				out = append(out, have)
			}
		}
		return out
	})
}

// MarkShutdown is the best-effort teardown hook: record when we stopped and
// drop the volatile session marker. The host may kill the process without
// ever calling this; restart detection tolerates that.
func (c *Coordinator) MarkShutdown() error {
	c.mu.Lock()
	c.state.LastShutdownTime = c.now()
	state := c.state
	c.mu.Unlock()

	if err := c.volatile.Remove([]string{keySession}); err != nil {
		c.log.Warn("Failed to clear session marker", zap.Error(err))
	}
	return c.writeState(state)
}

// Stop ends the health loop.
func (c *Coordinator) Stop() {
	c.stopOnce.Do(func() { close(c.stop) })
	if c.looping.Load() {
		<-c.done
	}
}

// Healthy re-verifies the live invariants the health loop watches.
func (c *Coordinator) Healthy() bool {
	if _, err := c.durable.Get([]string{keyState}); err != nil {
		return false
	}
	return c.bus.State() == bus.StateReady && c.rules.Started()
}

func (c *Coordinator) healthLoop() {
	defer close(c.done)
	ticker := time.NewTicker(c.cfg.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if c.Healthy() {
				continue
			}
			c.log.Warn("Health check failed, re-running recovery")
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			if err := c.Recover(ctx, "health"); err != nil {
				c.log.Error("Proactive recovery failed", zap.Error(err))
			}
			cancel()
		}
	}
}

// rehydrate loads every durable slice, validating shapes and discarding
// corrupt records rather than letting them propagate.
func (c *Coordinator) rehydrate() (types.RecoveryState, []types.PendingMessage, []string, error) {
	got, err := c.durable.Get([]string{keyState, keyPending, keyInflight})
	if err != nil {
		return types.RecoveryState{}, nil, nil, fmt.Errorf("recovery: durable storage unreadable: %w", err)
	}

	var state types.RecoveryState
	if raw, ok := got[keyState]; ok {
		if err := sonic.Unmarshal(raw, &state); err != nil {
			c.log.Warn("Discarding corrupt recovery state", zap.Error(err))
			state = types.RecoveryState{}
		}
	}

	var pending []types.PendingMessage
	if raw, ok := got[keyPending]; ok {
		var all []types.PendingMessage
		if err := sonic.Unmarshal(raw, &all); err != nil {
			c.log.Warn("Discarding corrupt pending queue", zap.Error(err))
		} else {
			for i := range all {
				if all[i].Valid() {
					pending = append(pending, all[i])
				} else {
					c.log.Warn("Discarding invalid pending record",
						zap.String("event", all[i].EventName))
				}
			}
		}
	}

	var inflight []string
	if raw, ok := got[keyInflight]; ok {
		if err := sonic.Unmarshal(raw, &inflight); err != nil {
			c.log.Warn("Discarding corrupt in-flight list", zap.Error(err))
			inflight = nil
		}
	}

	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	return state, pending, inflight, nil
}

// replay pushes each queued message through the bus exactly once. Replay
// failures are logged, never retried: the queue is cleared regardless, so a
// poison message cannot wedge every future boot.
func (c *Coordinator) replay(ctx context.Context, pending []types.PendingMessage) {
	for _, msg := range pending {
		var args []any
		if len(msg.Args) > 0 {
			if err := sonic.Unmarshal(msg.Args, &args); err != nil {
				c.log.Warn("Skipping replay with corrupt args",
					zap.String("event", msg.EventName), zap.Error(err))
				continue
			}
		}
		if _, err := c.bus.Send(ctx, msg.EventName, args...); err != nil {
			c.log.Warn("Replay delivery failed",
				zap.String("event", msg.EventName), zap.Error(err))
			continue
		}
		if c.metrics != nil {
			c.metrics.ReplayedMessages.Inc()
		}
	}
}

func (c *Coordinator) bumpRestartCounter(state *types.RecoveryState) {
	now := c.now()
	if !state.LastRestartTime.IsZero() && now.Sub(state.LastRestartTime) > c.cfg.ResetWindow {
		state.RestartCount = 0
	}
	state.RestartCount++
	state.LastRestartTime = now
}

func (c *Coordinator) markBoot() error {
	c.mu.Lock()
	c.state.LastBootTime = c.now()
	state := c.state
	c.mu.Unlock()

	if err := c.volatile.Set(map[string][]byte{keySession: []byte("1")}); err != nil {
		return fmt.Errorf("recovery: failed to write session marker: %w", err)
	}
	return c.writeState(state)
}

func (c *Coordinator) writeState(state types.RecoveryState) error {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()

	data, err := sonic.Marshal(state)
	if err != nil {
		return fmt.Errorf("recovery: failed to encode state: %w", err)
	}
	return c.durable.Set(map[string][]byte{keyState: data})
}

func (c *Coordinator) loadPending() ([]types.PendingMessage, error) {
	got, err := c.durable.Get([]string{keyPending})
	if err != nil {
		return nil, err
	}
	var queue []types.PendingMessage
	if raw, ok := got[keyPending]; ok {
		if err := sonic.Unmarshal(raw, &queue); err != nil {
			return nil, err
		}
	}
	return queue, nil
}

func (c *Coordinator) mutateInflight(mutate func([]string) []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	got, err := c.durable.Get([]string{keyInflight})
	if err != nil {
		return err
	}
	var ids []string
	if raw, ok := got[keyInflight]; ok {
		if err := sonic.Unmarshal(raw, &ids); err != nil {
			ids = nil
		}
	}
	ids = mutate(ids)
	data, err := sonic.Marshal(ids)
	if err != nil {
		return fmt.Errorf("recovery: failed to encode in-flight list: %w", err)
	}
	return c.durable.Set(map[string][]byte{keyInflight: data})
}

package netrules

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/infrastructure/monitoring"
	"github.com/extmesh/extmesh/internal/netrules/engine"
	"github.com/extmesh/extmesh/internal/registry"
	"github.com/extmesh/extmesh/internal/shared/id"
	"github.com/extmesh/extmesh/internal/shared/types"
	"github.com/extmesh/extmesh/internal/vault"
)

// Config tunes rule lifetime and sweeping.
type Config struct {
	// RuleTTL is how long an installed set survives without renewal.
	RuleTTL time.Duration
	// SweepInterval is how often expired sets are collected.
	SweepInterval time.Duration
}

// Orchestrator installs credential-injecting rules just in time: a set goes
// live when a matching request is observed and dies when its TTL lapses,
// its tab closes, or its provider is explicitly deactivated. At most one
// set exists per (tab, provider) at any instant.
type Orchestrator struct {
	cfg      Config
	registry *registry.Registry
	vault    vault.Vault
	engine   engine.RuleEngine
	log      *logging.Logger
	metrics  *monitoring.Metrics
	now      func() time.Time
	gen      *id.Generator

	// mu is held across engine calls so concurrent activations for the
	// same pair serialize; the later one wins.
	mu     sync.Mutex
	active map[ruleKey]*types.ActiveRuleSet

	started  atomic.Bool
	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

type ruleKey struct {
	provider string
	tabID    int
}

// Option customizes an orchestrator.
type Option func(*Orchestrator)

// WithMetrics attaches a metrics collector.
func WithMetrics(m *monitoring.Metrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

// New creates a rule orchestrator.
func New(cfg Config, reg *registry.Registry, v vault.Vault, eng engine.RuleEngine, log *logging.Logger, opts ...Option) *Orchestrator {
	if cfg.RuleTTL <= 0 {
		cfg.RuleTTL = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 10 * time.Second
	}
	o := &Orchestrator{
		cfg:      cfg,
		registry: reg,
		vault:    v,
		engine:   eng,
		log:      log,
		now:      time.Now,
		gen:      id.NewGenerator(),
		active:   make(map[ruleKey]*types.ActiveRuleSet),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Start drops any rules the engine still holds and begins the TTL sweep
// loop. At boot a non-empty engine is leftovers from a previous
// incarnation; on a recovery rerun it is the live sets, which are dropped
// and forgotten together so tracking can never mask a future reinstall.
func (o *Orchestrator) Start(ctx context.Context) error {
	o.mu.Lock()
	o.active = make(map[ruleKey]*types.ActiveRuleSet)
	if o.metrics != nil {
		o.metrics.RulesActive.Set(0)
	}
	o.mu.Unlock()

	leftovers, err := o.engine.Installed(ctx)
	if err != nil {
		return fmt.Errorf("netrules: failed to list leftover rules: %w", err)
	}
	if len(leftovers) > 0 {
		o.log.Warn("Dropping leftover rules from previous run",
			zap.Int("count", len(leftovers)))
		if err := o.engine.Remove(ctx, leftovers); err != nil {
			return fmt.Errorf("netrules: failed to drop leftover rules: %w", err)
		}
		if o.metrics != nil {
			o.metrics.RuleRemovals.WithLabelValues("leftover").Add(float64(len(leftovers)))
		}
	}

	if o.started.CompareAndSwap(false, true) {
		go o.sweepLoop()
	}
	return nil
}

// Stop ends the sweep loop and removes every live set.
func (o *Orchestrator) Stop(ctx context.Context) {
	o.stopOnce.Do(func() { close(o.stop) })
	if o.started.Load() {
		<-o.done
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	for key, set := range o.active {
		o.removeLocked(ctx, key, set, "shutdown")
	}
}

// Observe reports one outgoing request. It never blocks the caller: the
// match and any resulting activation happen on their own goroutine, and
// failures surface only in logs and metrics.
func (o *Orchestrator) Observe(req types.ObservedRequest) {
	go func() {
		p, ok := o.registry.ProviderForURL(req.URL)
		if !ok {
			return
		}
		if o.metrics != nil {
			o.metrics.ObservedCalls.WithLabelValues(p.Name).Inc()
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := o.Activate(ctx, p.Name, req.TabID); err != nil {
			o.log.Debug("Observed activation failed",
				zap.String("provider", p.Name),
				zap.Int("tab", req.TabID),
				zap.Error(err))
		}
	}()
}

// Activate ensures a live rule set for (provider, tab). Calling it again
// before the TTL lapses renews the set without reinstalling; concurrent
// calls serialize, last writer wins. A missing or expired credential is a
// skip, not an error.
func (o *Orchestrator) Activate(ctx context.Context, provider string, tabID int) error {
	key := ruleKey{provider: provider, tabID: tabID}

	o.mu.Lock()
	defer o.mu.Unlock()

	if set, ok := o.active[key]; ok && !o.expiredLocked(set) {
		set.InstalledAt = o.now()
		o.skip(provider, "renewed")
		return nil
	}

	cred, err := o.vault.Get(provider)
	if err != nil {
		o.skip(provider, "no_credential")
		return nil
	}
	if vault.Expired(cred) {
		o.skip(provider, "expired_credential")
		return nil
	}

	rules, err := o.registry.BuildRules(cred, tabID)
	if err != nil {
		return fmt.Errorf("netrules: failed to build rules for %q: %w", provider, err)
	}
	if err := o.engine.Install(ctx, rules); err != nil {
		return fmt.Errorf("netrules: failed to install rules for %q: %w", provider, err)
	}

	ids := make([]string, len(rules))
	for i, r := range rules {
		ids[i] = r.ID
	}
	setID := o.gen.NewRuleSetID().String()
	o.active[key] = &types.ActiveRuleSet{
		ID:          setID,
		Provider:    provider,
		TabID:       tabID,
		RuleIDs:     ids,
		InstalledAt: o.now(),
	}
	if o.metrics != nil {
		o.metrics.RuleInstalls.WithLabelValues(provider).Inc()
		o.metrics.RulesActive.Set(float64(len(o.active)))
	}
	o.log.Info("Rules activated",
		zap.String("set", setID),
		zap.String("provider", provider),
		zap.Int("tab", tabID),
		zap.Int("rules", len(ids)))
	return nil
}

// Deactivate withdraws the live set for (provider, tab), if any.
func (o *Orchestrator) Deactivate(ctx context.Context, provider string, tabID int) error {
	key := ruleKey{provider: provider, tabID: tabID}

	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.active[key]
	if !ok {
		return nil
	}
	return o.removeLocked(ctx, key, set, "deactivated")
}

// HandleTabClosed withdraws every set owned by the closed tab.
func (o *Orchestrator) HandleTabClosed(ctx context.Context, tabID int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for key, set := range o.active {
		if key.tabID != tabID {
			continue
		}
		if err := o.removeLocked(ctx, key, set, "tab_closed"); err != nil {
			o.log.Warn("Failed to remove rules for closed tab",
				zap.String("provider", key.provider),
				zap.Int("tab", tabID),
				zap.Error(err))
		}
	}
}

// Started reports whether the sweep loop is running. The recovery health
// check treats false as "needs reinitialization".
func (o *Orchestrator) Started() bool {
	return o.started.Load()
}

// ActiveCount reports live rule sets.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// ActiveSet returns a copy of the live set for (provider, tab).
func (o *Orchestrator) ActiveSet(provider string, tabID int) (types.ActiveRuleSet, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	set, ok := o.active[ruleKey{provider: provider, tabID: tabID}]
	if !ok {
		return types.ActiveRuleSet{}, false
	}
	return *set, true
}

// ActiveSets returns a snapshot of every live set.
func (o *Orchestrator) ActiveSets() []types.ActiveRuleSet {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]types.ActiveRuleSet, 0, len(o.active))
	for _, set := range o.active {
		out = append(out, *set)
	}
	return out
}

// Sweep removes every expired set now. The loop calls this on its
// interval; tests call it directly.
func (o *Orchestrator) Sweep(ctx context.Context) int {
	o.mu.Lock()
	defer o.mu.Unlock()

	removed := 0
	for key, set := range o.active {
		if !o.expiredLocked(set) {
			continue
		}
		if err := o.removeLocked(ctx, key, set, "expired"); err != nil {
			o.log.Warn("Failed to sweep expired rules",
				zap.String("provider", key.provider),
				zap.Int("tab", key.tabID),
				zap.Error(err))
			continue
		}
		removed++
	}
	return removed
}

func (o *Orchestrator) sweepLoop() {
	defer close(o.done)
	ticker := time.NewTicker(o.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), o.cfg.SweepInterval)
			o.Sweep(ctx)
			cancel()
		}
	}
}

func (o *Orchestrator) expiredLocked(set *types.ActiveRuleSet) bool {
	return o.now().Sub(set.InstalledAt) >= o.cfg.RuleTTL
}

// removeLocked withdraws one set. Callers hold o.mu.
func (o *Orchestrator) removeLocked(ctx context.Context, key ruleKey, set *types.ActiveRuleSet, reason string) error {
	if err := o.engine.Remove(ctx, set.RuleIDs); err != nil {
		return fmt.Errorf("netrules: failed to remove rules for %q: %w", key.provider, err)
	}
	delete(o.active, key)
	if o.metrics != nil {
		o.metrics.RuleRemovals.WithLabelValues(reason).Inc()
		o.metrics.RulesActive.Set(float64(len(o.active)))
	}
	o.log.Info("Rules removed",
		zap.String("provider", key.provider),
		zap.Int("tab", key.tabID),
		zap.String("reason", reason))
	return nil
}

func (o *Orchestrator) skip(provider, reason string) {
	if o.metrics != nil {
		o.metrics.RuleSkips.WithLabelValues(reason).Inc()
	}
	o.log.Debug("Rule activation skipped",
		zap.String("provider", provider),
		zap.String("reason", reason))
}

package netrules

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/netrules/engine"
	"github.com/extmesh/extmesh/internal/registry"
	sid "github.com/extmesh/extmesh/internal/shared/id"
	"github.com/extmesh/extmesh/internal/shared/types"
	"github.com/extmesh/extmesh/internal/vault"
)

type fixture struct {
	orch   *Orchestrator
	engine *engine.Memory
	vault  vault.Vault
	clock  *fakeClock
}

type fakeClock struct {
	now time.Time
}

func (c *fakeClock) Now() time.Time          { return c.now }
func (c *fakeClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newFixture(t *testing.T) *fixture {
	t.Helper()
	eng := engine.NewMemory()
	v := vault.NewMemory()
	require.NoError(t, v.Init())
	require.NoError(t, v.Set("openai", &vault.Credential{
		Provider:    "openai",
		AccessToken: "sk-test",
	}))

	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	orch := New(
		Config{RuleTTL: 30 * time.Second, SweepInterval: 10 * time.Second},
		registry.Defaults(),
		v, eng, logging.NewNop(),
		WithClock(clock.Now),
	)
	t.Cleanup(func() { orch.Stop(context.Background()) })
	return &fixture{orch: orch, engine: eng, vault: v, clock: clock}
}

func TestStartDropsLeftovers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// Simulate rules surviving from a previous incarnation.
	require.NoError(t, f.engine.Install(ctx, []types.NetworkRule{
		{ID: "openai:tab99:0"},
		{ID: "anthropic:tab4:0"},
	}))

	require.NoError(t, f.orch.Start(ctx))
	assert.Equal(t, 0, f.engine.Len())
	assert.Equal(t, 0, f.orch.ActiveCount())
}

func TestActivateInstallsScopedRules(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.orch.Activate(ctx, "openai", 3))
	assert.Equal(t, 1, f.orch.ActiveCount())
	require.Greater(t, f.engine.Len(), 0)

	set, ok := f.orch.ActiveSet("openai", 3)
	require.True(t, ok)
	assert.True(t, sid.IsValid(set.ID, sid.RuleSetPrefix), "set id %q", set.ID)
	for _, id := range set.RuleIDs {
		rule, ok := f.engine.Rule(id)
		require.True(t, ok)
		assert.Equal(t, 3, rule.Condition.TabID)
		assert.Equal(t, types.HeaderSet, rule.Actions[0].Kind)
		assert.Equal(t, "Bearer sk-test", rule.Actions[0].Value)
	}
}

func TestActivateIdempotentBeforeTTL(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.orch.Activate(ctx, "openai", 3))
	installed := f.engine.Len()
	first, _ := f.orch.ActiveSet("openai", 3)

	f.clock.Advance(10 * time.Second)
	require.NoError(t, f.orch.Activate(ctx, "openai", 3))

	// Same set, renewed rather than reinstalled.
	assert.Equal(t, 1, f.orch.ActiveCount())
	assert.Equal(t, installed, f.engine.Len())
	renewed, _ := f.orch.ActiveSet("openai", 3)
	assert.True(t, renewed.InstalledAt.After(first.InstalledAt))
	assert.Equal(t, first.ID, renewed.ID)
}

func TestOneSetPerTabProviderPair(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.orch.Activate(ctx, "openai", 3))
	require.NoError(t, f.orch.Activate(ctx, "openai", 4))
	assert.Equal(t, 2, f.orch.ActiveCount())

	_, ok := f.orch.ActiveSet("openai", 3)
	assert.True(t, ok)
	_, ok = f.orch.ActiveSet("openai", 4)
	assert.True(t, ok)
}

func TestActivateSkipsWithoutCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.orch.Activate(ctx, "anthropic", 3))
	assert.Equal(t, 0, f.orch.ActiveCount())
	assert.Equal(t, 0, f.engine.Len())
}

func TestSkipIsLogged(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	eng := engine.NewMemory()
	v := vault.NewMemory()
	require.NoError(t, v.Init())

	orch := New(
		Config{RuleTTL: 30 * time.Second, SweepInterval: 10 * time.Second},
		registry.Defaults(),
		v, eng, &logging.Logger{Logger: zap.New(core)},
	)
	ctx := context.Background()
	require.NoError(t, orch.Start(ctx))
	t.Cleanup(func() { orch.Stop(ctx) })

	require.NoError(t, orch.Activate(ctx, "anthropic", 3))

	entries := logs.FilterMessage("Rule activation skipped").All()
	require.Len(t, entries, 1)
	fields := entries[0].ContextMap()
	assert.Equal(t, "anthropic", fields["provider"])
	assert.Equal(t, "no_credential", fields["reason"])
}

func TestActivateSkipsExpiredCredential(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.vault.Set("gemini", &vault.Credential{
		Provider:    "gemini",
		AccessToken: "ya29.stale",
		ExpiresAt:   time.Now().Add(-time.Hour),
	}))

	require.NoError(t, f.orch.Activate(ctx, "gemini", 3))
	assert.Equal(t, 0, f.orch.ActiveCount())
}

func TestSweepRemovesExpiredSets(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.orch.Activate(ctx, "openai", 3))
	require.Greater(t, f.engine.Len(), 0)

	f.clock.Advance(29 * time.Second)
	assert.Equal(t, 0, f.orch.Sweep(ctx))
	assert.Equal(t, 1, f.orch.ActiveCount())

	f.clock.Advance(2 * time.Second)
	assert.Equal(t, 1, f.orch.Sweep(ctx))
	assert.Equal(t, 0, f.orch.ActiveCount())
	assert.Equal(t, 0, f.engine.Len())
}

func TestRenewalDefersExpiry(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.orch.Activate(ctx, "openai", 3))
	f.clock.Advance(20 * time.Second)
	require.NoError(t, f.orch.Activate(ctx, "openai", 3))
	f.clock.Advance(20 * time.Second)

	// 40s since install but only 20s since renewal.
	assert.Equal(t, 0, f.orch.Sweep(ctx))
	assert.Equal(t, 1, f.orch.ActiveCount())
}

func TestDeactivate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.orch.Activate(ctx, "openai", 3))
	require.NoError(t, f.orch.Deactivate(ctx, "openai", 3))
	assert.Equal(t, 0, f.orch.ActiveCount())
	assert.Equal(t, 0, f.engine.Len())

	// Deactivating an absent pair is a no-op.
	require.NoError(t, f.orch.Deactivate(ctx, "openai", 3))
}

func TestHandleTabClosed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	require.NoError(t, f.vault.Set("anthropic", &vault.Credential{
		Provider:    "anthropic",
		AccessToken: "sk-ant-test",
	}))

	require.NoError(t, f.orch.Activate(ctx, "openai", 3))
	require.NoError(t, f.orch.Activate(ctx, "anthropic", 3))
	require.NoError(t, f.orch.Activate(ctx, "openai", 4))

	f.orch.HandleTabClosed(ctx, 3)
	assert.Equal(t, 1, f.orch.ActiveCount())
	_, ok := f.orch.ActiveSet("openai", 4)
	assert.True(t, ok)
}

func TestObserveActivatesOnMatch(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	f.orch.Observe(types.ObservedRequest{
		URL:   "https://api.openai.com/v1/chat/completions",
		TabID: 7,
	})

	require.Eventually(t, func() bool {
		_, ok := f.orch.ActiveSet("openai", 7)
		return ok
	}, time.Second, 5*time.Millisecond)
}

func TestObserveIgnoresUnknownHosts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.orch.Start(ctx))

	f.orch.Observe(types.ObservedRequest{URL: "https://example.com/api", TabID: 7})

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.orch.ActiveCount())
}

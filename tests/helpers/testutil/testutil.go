// Package testutil provides shared fixtures and mocks for extmesh tests.
package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/extmesh/extmesh/internal/bus"
	"github.com/extmesh/extmesh/internal/codec"
	"github.com/extmesh/extmesh/internal/infrastructure/logging"
	"github.com/extmesh/extmesh/internal/locus"
	"github.com/extmesh/extmesh/internal/shared/types"
	"github.com/extmesh/extmesh/internal/vault"
)

// MockRuleEngine is a testify mock of the rule engine contract.
type MockRuleEngine struct {
	mock.Mock
}

func (m *MockRuleEngine) Install(ctx context.Context, rules []types.NetworkRule) error {
	args := m.Called(ctx, rules)
	return args.Error(0)
}

func (m *MockRuleEngine) Remove(ctx context.Context, ruleIDs []string) error {
	args := m.Called(ctx, ruleIDs)
	return args.Error(0)
}

func (m *MockRuleEngine) Installed(ctx context.Context) ([]string, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]string), args.Error(1)
}

// MockVault is a testify mock of the credential vault contract.
type MockVault struct {
	mock.Mock
}

func (m *MockVault) Init() error {
	return m.Called().Error(0)
}

func (m *MockVault) Get(provider string) (*vault.Credential, error) {
	args := m.Called(provider)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*vault.Credential), args.Error(1)
}

func (m *MockVault) Set(provider string, cred *vault.Credential) error {
	return m.Called(provider, cred).Error(0)
}

func (m *MockVault) Delete(provider string) error {
	return m.Called(provider).Error(0)
}

func (m *MockVault) All() (map[string]*vault.Credential, error) {
	args := m.Called()
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[string]*vault.Credential), args.Error(1)
}

func (m *MockVault) ClearExpired() error {
	return m.Called().Error(0)
}

// Environments for the loci tests commonly run as.

func OrchestratorEnv() locus.Environment {
	return locus.Environment{Protocol: "ext", HasRuleAPI: true, HasStorageAPI: true}
}

func ContentScriptEnv() locus.Environment {
	return locus.Environment{
		URL:           "https://example.com/",
		Protocol:      "https",
		HasDOM:        true,
		HasStorageAPI: true,
	}
}

func PageScriptEnv() locus.Environment {
	return locus.Environment{URL: "https://example.com/", Protocol: "https", HasDOM: true}
}

// NewBus builds a bus for the given environment with test-friendly
// timeouts. The caller still attaches transports and calls Init.
func NewBus(t *testing.T, appName string, env locus.Environment, opts ...bus.Option) *bus.Bus {
	t.Helper()
	refs := codec.NewRegistry(codec.DefaultRegistryConfig())
	t.Cleanup(refs.Stop)

	b := bus.New(
		bus.Config{
			AppName:        appName,
			RequestTimeout: 500 * time.Millisecond,
			PollInterval:   10 * time.Millisecond,
		},
		locus.NewDetector(env), codec.New(refs), logging.NewNop(),
		opts...,
	)
	t.Cleanup(func() { b.Destroy() })
	return b
}

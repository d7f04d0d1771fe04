package engine

import (
	"context"
	"sync"

	"github.com/extmesh/extmesh/internal/shared/types"
)

// Memory is an in-process engine. It backs tests and the standalone dev
// foreground, where no real enforcement host exists.
type Memory struct {
	mu    sync.RWMutex
	rules map[string]types.NetworkRule
}

// NewMemory creates an empty in-process engine.
func NewMemory() *Memory {
	return &Memory{rules: make(map[string]types.NetworkRule)}
}

func (m *Memory) Install(ctx context.Context, rules []types.NetworkRule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rules {
		m.rules[r.ID] = r
	}
	return nil
}

func (m *Memory) Remove(ctx context.Context, ruleIDs []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ruleIDs {
		delete(m.rules, id)
	}
	return nil
}

func (m *Memory) Installed(ctx context.Context) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.rules))
	for id := range m.rules {
		ids = append(ids, id)
	}
	return ids, nil
}

// Rule returns an installed rule by id. Test hook.
func (m *Memory) Rule(id string) (types.NetworkRule, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	return r, ok
}

// Len reports how many rules are in effect.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.rules)
}

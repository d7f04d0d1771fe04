package vault

import "sync"

// Memory is an in-process Vault, the default backend for tests and for
// deployments where the host keyring is unavailable.
type Memory struct {
	mu    sync.RWMutex
	creds map[string]*Credential
}

// NewMemory creates an empty in-memory vault.
func NewMemory() *Memory {
	return &Memory{creds: make(map[string]*Credential)}
}

func (m *Memory) Init() error { return nil }

func (m *Memory) Get(provider string) (*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	cred, ok := m.creds[provider]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *cred
	return &cp, nil
}

func (m *Memory) Set(provider string, cred *Credential) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *cred
	cp.Provider = provider
	m.creds[provider] = &cp
	return nil
}

func (m *Memory) Delete(provider string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, provider)
	return nil
}

func (m *Memory) All() (map[string]*Credential, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]*Credential, len(m.creds))
	for k, v := range m.creds {
		cp := *v
		out[k] = &cp
	}
	return out, nil
}

func (m *Memory) ClearExpired() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k, v := range m.creds {
		if Expired(v) {
			delete(m.creds, k)
		}
	}
	return nil
}

package vault

import (
	"errors"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/zalando/go-keyring"
)

// indexUser keys the provider index: keyrings cannot enumerate, so the list
// of stored providers is itself a keyring entry.
const indexUser = "__providers"

// Keyring stores credentials in the operating system keyring.
type Keyring struct {
	service string
	mu      sync.Mutex
}

// NewKeyring creates a keyring-backed vault under the given service name.
func NewKeyring(service string) *Keyring {
	return &Keyring{service: service}
}

// Init verifies the host keyring is usable.
func (k *Keyring) Init() error {
	if _, err := k.index(); err != nil {
		return fmt.Errorf("keyring unavailable: %w", err)
	}
	return nil
}

func (k *Keyring) Get(provider string) (*Credential, error) {
	raw, err := keyring.Get(k.service, provider)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var cred Credential
	if err := sonic.Unmarshal([]byte(raw), &cred); err != nil {
		return nil, fmt.Errorf("corrupt credential for %s: %w", provider, err)
	}
	return &cred, nil
}

func (k *Keyring) Set(provider string, cred *Credential) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	cp := *cred
	cp.Provider = provider
	data, err := sonic.Marshal(&cp)
	if err != nil {
		return err
	}
	if err := keyring.Set(k.service, provider, string(data)); err != nil {
		return err
	}
	return k.addToIndex(provider)
}

func (k *Keyring) Delete(provider string) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if err := keyring.Delete(k.service, provider); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return err
	}
	return k.removeFromIndex(provider)
}

func (k *Keyring) All() (map[string]*Credential, error) {
	providers, err := k.index()
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Credential, len(providers))
	for _, p := range providers {
		cred, err := k.Get(p)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[p] = cred
	}
	return out, nil
}

func (k *Keyring) ClearExpired() error {
	all, err := k.All()
	if err != nil {
		return err
	}
	for p, cred := range all {
		if Expired(cred) {
			if err := k.Delete(p); err != nil {
				return err
			}
		}
	}
	return nil
}

func (k *Keyring) index() ([]string, error) {
	raw, err := keyring.Get(k.service, indexUser)
	if errors.Is(err, keyring.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var providers []string
	if err := sonic.Unmarshal([]byte(raw), &providers); err != nil {
		return nil, nil
	}
	return providers, nil
}

func (k *Keyring) writeIndex(providers []string) error {
	data, err := sonic.Marshal(providers)
	if err != nil {
		return err
	}
	return keyring.Set(k.service, indexUser, string(data))
}

func (k *Keyring) addToIndex(provider string) error {
	providers, err := k.index()
	if err != nil {
		return err
	}
	for _, p := range providers {
		if p == provider {
			return nil
		}
	}
	return k.writeIndex(append(providers, provider))
}

func (k *Keyring) removeFromIndex(provider string) error {
	providers, err := k.index()
	if err != nil {
		return err
	}
	out := providers[:0]
	for _, p := range providers {
		if p != provider {
			out = append(out, p)
		}
	}
	return k.writeIndex(out)
}

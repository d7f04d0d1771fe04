package vault

import (
	"errors"
	"time"
)

// ErrNotFound is returned when no credential exists for a provider.
var ErrNotFound = errors.New("vault: no credential for provider")

// Credential is a provider token read transiently to build network rules.
// The rule orchestrator never persists it anywhere itself.
type Credential struct {
	Provider    string    `json:"provider"`
	AccessToken string    `json:"access_token"`
	HeaderName  string    `json:"header_name,omitempty"`
	ExpiresAt   time.Time `json:"expires_at,omitempty"`
}

// Vault stores provider credentials. The core treats it as an external
// collaborator: it only ever reads tokens on the way to a rule install.
type Vault interface {
	Init() error
	Get(provider string) (*Credential, error)
	Set(provider string, cred *Credential) error
	Delete(provider string) error
	All() (map[string]*Credential, error)
	ClearExpired() error
}

// Expired reports whether a credential can no longer be injected. A zero
// expiry means the token does not expire.
func Expired(cred *Credential) bool {
	if cred == nil {
		return true
	}
	return !cred.ExpiresAt.IsZero() && time.Now().After(cred.ExpiresAt)
}

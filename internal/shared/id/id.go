// Package id provides centralized ID generation.
//
// IDs are ULIDs: lexicographically sortable, timestamp-prefixed, and safe to
// mint concurrently. Typed prefixes keep logs readable and prevent an id
// minted for one purpose from being accepted somewhere else: request
// correlation ids (req_*), codec reference tokens (ref_*), and rule set ids
// (rs_*).
package id

import (
	"crypto/rand"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// RequestID correlates one in-flight bus call with its reply.
type RequestID string

// RefID names a registry entry standing in for a callable or blob.
type RefID string

// RuleSetID identifies one installed (tab, provider) rule set.
type RuleSetID string

const (
	RequestPrefix = "req"
	RefPrefix     = "ref"
	RuleSetPrefix = "rs"
)

// Generator mints ULIDs from a guarded entropy source.
type Generator struct {
	entropy   io.Reader
	entropyMu sync.Mutex
}

// NewGenerator creates a generator with cryptographically secure entropy.
func NewGenerator() *Generator {
	return &Generator{entropy: rand.Reader}
}

// NewGeneratorWithEntropy creates a generator with a custom entropy source.
// Useful for deterministic tests.
func NewGeneratorWithEntropy(entropy io.Reader) *Generator {
	return &Generator{entropy: entropy}
}

// Generate creates a new ULID.
func (g *Generator) Generate() ulid.ULID {
	g.entropyMu.Lock()
	defer g.entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(time.Now()), g.entropy)
}

// GenerateWithPrefix creates a prefixed ULID string.
func (g *Generator) GenerateWithPrefix(prefix string) string {
	return fmt.Sprintf("%s_%s", prefix, g.Generate().String())
}

// NewRequestID mints a correlation id for one bus round trip.
func (g *Generator) NewRequestID() RequestID {
	return RequestID(g.GenerateWithPrefix(RequestPrefix))
}

// NewRefID mints a reference token for the codec registry.
func (g *Generator) NewRefID() RefID {
	return RefID(g.GenerateWithPrefix(RefPrefix))
}

// NewRuleSetID mints an id for an installed rule set.
func (g *Generator) NewRuleSetID() RuleSetID {
	return RuleSetID(g.GenerateWithPrefix(RuleSetPrefix))
}

func (id RequestID) String() string { return string(id) }
func (id RefID) String() string     { return string(id) }
func (id RuleSetID) String() string { return string(id) }

// IsValid checks if an id string carries the given prefix and a valid ULID.
func IsValid(s, prefix string) bool {
	want := prefix + "_"
	if len(s) <= len(want) || s[:len(want)] != want {
		return false
	}
	_, err := ulid.Parse(s[len(want):])
	return err == nil
}

// Timestamp extracts the mint time from a prefixed id.
func Timestamp(s, prefix string) (time.Time, error) {
	want := prefix + "_"
	if len(s) <= len(want) || s[:len(want)] != want {
		return time.Time{}, fmt.Errorf("id %q does not carry prefix %q", s, prefix)
	}
	parsed, err := ulid.Parse(s[len(want):])
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}

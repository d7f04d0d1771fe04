package codec

import (
	"sync"
	"time"

	"github.com/extmesh/extmesh/internal/shared/id"
)

// Callable is a function reference that can cross the bus by token. The real
// function never leaves the process that minted the token.
type Callable func(args ...any) (any, error)

// Blob is an opaque large binary that crosses the bus by token rather than
// by copy.
type Blob struct {
	Data []byte
}

type refKind int

const (
	refCallable refKind = iota
	refBlob
)

type refEntry struct {
	kind     refKind
	callable Callable
	blob     *Blob
	expires  time.Time
}

// Registry holds the real objects behind reference tokens. Entries are
// evicted after a grace period so abandoned references cannot grow memory
// without bound.
type Registry struct {
	gen         *id.Generator
	callableTTL time.Duration
	blobTTL     time.Duration

	mu      sync.Mutex
	entries map[id.RefID]*refEntry

	done     chan struct{}
	stopOnce sync.Once
}

// RegistryConfig sets retention per reference kind.
type RegistryConfig struct {
	CallableTTL time.Duration
	BlobTTL     time.Duration
}

// DefaultRegistryConfig matches the retention the bus protocol assumes:
// binaries are short-lived transfer staging, callables live longer because
// the remote side may hold them across several exchanges.
func DefaultRegistryConfig() RegistryConfig {
	return RegistryConfig{
		CallableTTL: 10 * time.Minute,
		BlobTTL:     5 * time.Minute,
	}
}

// NewRegistry creates a reference registry. Call Stop when the owning
// context is destroyed.
func NewRegistry(cfg RegistryConfig) *Registry {
	if cfg.CallableTTL <= 0 {
		cfg.CallableTTL = 10 * time.Minute
	}
	if cfg.BlobTTL <= 0 {
		cfg.BlobTTL = 5 * time.Minute
	}
	r := &Registry{
		gen:         id.NewGenerator(),
		callableTTL: cfg.CallableTTL,
		blobTTL:     cfg.BlobTTL,
		entries:     make(map[id.RefID]*refEntry),
		done:        make(chan struct{}),
	}
	go r.janitor()
	return r
}

// PutCallable registers a function and returns its token.
func (r *Registry) PutCallable(fn Callable) id.RefID {
	ref := r.gen.NewRefID()
	r.mu.Lock()
	r.entries[ref] = &refEntry{
		kind:     refCallable,
		callable: fn,
		expires:  time.Now().Add(r.callableTTL),
	}
	r.mu.Unlock()
	return ref
}

// PutBlob registers a binary and returns its token.
func (r *Registry) PutBlob(b *Blob) id.RefID {
	ref := r.gen.NewRefID()
	r.mu.Lock()
	r.entries[ref] = &refEntry{
		kind:    refBlob,
		blob:    b,
		expires: time.Now().Add(r.blobTTL),
	}
	r.mu.Unlock()
	return ref
}

// Callable resolves a callable token. ok is false when the token is unknown,
// expired, or names a blob.
func (r *Registry) Callable(ref id.RefID) (Callable, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok || e.kind != refCallable || time.Now().After(e.expires) {
		return nil, false
	}
	return e.callable, true
}

// Blob resolves a blob token.
func (r *Registry) Blob(ref id.RefID) (*Blob, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[ref]
	if !ok || e.kind != refBlob || time.Now().After(e.expires) {
		return nil, false
	}
	return e.blob, true
}

// Release drops a token early, before its grace period would.
func (r *Registry) Release(ref id.RefID) {
	r.mu.Lock()
	delete(r.entries, ref)
	r.mu.Unlock()
}

// Len reports live entries; expired-but-unswept entries still count.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Sweep removes expired entries and reports how many were dropped.
func (r *Registry) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for ref, e := range r.entries {
		if now.After(e.expires) {
			delete(r.entries, ref)
			removed++
		}
	}
	return removed
}

// Stop ends the background eviction loop.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() { close(r.done) })
}

func (r *Registry) janitor() {
	interval := r.blobTTL
	if r.callableTTL < interval {
		interval = r.callableTTL
	}
	ticker := time.NewTicker(interval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-r.done:
			return
		case now := <-ticker.C:
			r.Sweep(now)
		}
	}
}

package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/bytedance/sonic"
)

// Durable is a file-backed Store. The whole namespace lives in one JSON
// document rewritten atomically on every mutation; state files are small
// (markers, queues, rule bookkeeping), so simplicity beats cleverness here.
type Durable struct {
	path string

	mu     sync.Mutex
	values map[string]json.RawMessage
}

// OpenDurable loads (or creates) the namespace at path.
func OpenDurable(path string) (*Durable, error) {
	d := &Durable{
		path:   path,
		values: make(map[string]json.RawMessage),
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return d, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open durable store: %w", err)
	}

	if err := sonic.Unmarshal(data, &d.values); err != nil {
		// A corrupt state file is treated as empty rather than fatal; the
		// recovery layer validates individual records anyway.
		d.values = make(map[string]json.RawMessage)
	}
	return d, nil
}

// Get returns the stored values for the keys that exist.
func (d *Durable) Get(keys []string) (map[string][]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string][]byte)
	for _, k := range keys {
		if v, ok := d.values[k]; ok {
			cp := make([]byte, len(v))
			copy(cp, v)
			out[k] = cp
		}
	}
	return out, nil
}

// Set stores the given values and persists the namespace.
func (d *Durable) Set(values map[string][]byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for k, v := range values {
		cp := make(json.RawMessage, len(v))
		copy(cp, v)
		d.values[k] = cp
	}
	return d.flush()
}

// Remove deletes the given keys and persists the namespace.
func (d *Durable) Remove(keys []string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	for _, k := range keys {
		delete(d.values, k)
	}
	return d.flush()
}

// Keys lists every stored key.
func (d *Durable) Keys() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	keys := make([]string, 0, len(d.values))
	for k := range d.values {
		keys = append(keys, k)
	}
	return keys, nil
}

// flush writes the whole namespace with a rename so readers never observe a
// half-written file. Caller holds d.mu.
func (d *Durable) flush() error {
	data, err := sonic.Marshal(d.values)
	if err != nil {
		return fmt.Errorf("failed to marshal durable store: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(d.path), 0o755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	tmp := d.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("failed to write durable store: %w", err)
	}
	if err := os.Rename(tmp, d.path); err != nil {
		return fmt.Errorf("failed to replace durable store: %w", err)
	}
	return nil
}

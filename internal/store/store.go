package store

// Store is a generic key-value namespace. Get returns a partial map holding
// only the keys that exist; missing keys are simply absent, never an error.
//
// Two independent namespaces back the recovery protocol: a durable one that
// survives process teardown and a volatile one that does not. The presence
// of durable data without the volatile marker is how a restart is detected.
type Store interface {
	Get(keys []string) (map[string][]byte, error)
	Set(values map[string][]byte) error
	Remove(keys []string) error
	Keys() ([]string, error)
}

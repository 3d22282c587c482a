// Package opstate provides a namespaced key-value store for persistent
// operational state. Pattern memory keeps its JSON document here; any
// other small state that must survive restarts can share the store under
// its own namespace.
//
// Three backends implement [Store]: SQLite for a single host, Redis when
// several processes should learn from each other, and an in-memory map
// for tests and throwaway runs.
package opstate

import "context"

// Store is a namespaced string key-value store. Implementations are safe
// for concurrent use.
type Store interface {
	// Get returns the stored value, or "" and nil error when the key
	// does not exist.
	Get(ctx context.Context, namespace, key string) (string, error)

	// Set upserts a value.
	Set(ctx context.Context, namespace, key, value string) error

	// Delete removes a key. Missing keys are not an error.
	Delete(ctx context.Context, namespace, key string) error

	// DeleteNamespace removes every key in a namespace.
	DeleteNamespace(ctx context.Context, namespace string) error

	// List returns all pairs in a namespace as a non-nil map.
	List(ctx context.Context, namespace string) (map[string]string, error)

	// Close releases the backend's resources.
	Close() error
}

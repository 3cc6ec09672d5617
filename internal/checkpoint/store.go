// Package checkpoint provides the durable key/value store behind workflow
// recovery: (namespace, key) to opaque blob, with file and Postgres backends.
// Writes to the same key serialize; reads always see the latest committed
// value. Last-writer-wins is acceptable because each thread has one engine.
package checkpoint

import (
	"context"
	"errors"
	"strings"
)

// ErrNotFound reports a missing key. Callers distinguish it from store
// failure with errors.Is.
var ErrNotFound = errors.New("checkpoint not found")

// Namespace is an ordered tuple of strings, e.g. {"workflow", "instances"}
// or {"memory", userID}.
type Namespace []string

// String joins the namespace for storage and diagnostics.
func (n Namespace) String() string {
	return strings.Join(n, "/")
}

// Well-known namespaces and keys.

// WorkflowInstances is where workflow checkpoints live, keyed by task ID.
func WorkflowInstances() Namespace {
	return Namespace{"workflow", "instances"}
}

// MemoryNamespace is the per-user namespace for memory snapshots and
// per-thread workflow state.
func MemoryNamespace(userID string) Namespace {
	return Namespace{"memory", userID}
}

// StateKey names a thread's workflow state inside its user's memory
// namespace.
func StateKey(threadID string) string {
	return "state_" + threadID
}

// GraphKey names the user's memory graph snapshot inside the same namespace.
func GraphKey() string {
	return "graph"
}

// Store is the durable KV contract. Implementations map infrastructure
// failures to StoreUnavailableError and missing keys to ErrNotFound.
type Store interface {
	// Put durably writes one blob. The write is visible to subsequent
	// Gets as soon as it returns.
	Put(ctx context.Context, ns Namespace, key string, blob []byte) error
	// Get returns the latest committed blob for a key.
	Get(ctx context.Context, ns Namespace, key string) ([]byte, error)
	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, ns Namespace, key string) error
	// List returns the keys present in a namespace.
	List(ctx context.Context, ns Namespace) ([]string, error)
	// Ping verifies the store is reachable; the readiness probe uses it.
	Ping(ctx context.Context) error
	// Close releases the backing resources.
	Close() error
}

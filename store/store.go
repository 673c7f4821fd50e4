// Package store defines the content-addressed network that feeds are
// replicated from.
//
// A [Store] pins, unpins, sizes and fetches blobs by content id and resolves
// feed keys to their current root. Implementations live in subpackages; see
// [github.com/meigma/feedpin/store/oras] for an OCI registry backed store.
package store

import (
	"context"
	"errors"

	"github.com/opencontainers/go-digest"
)

// Sentinel errors returned by Store implementations.
var (
	// ErrConnection is returned when the network or local node is unavailable.
	// Callers may retry; the client never retries internally.
	ErrConnection = errors.New("store: connection error")

	// ErrKey is returned when a feed key cannot be resolved to a root.
	ErrKey = errors.New("store: feed key not resolvable")

	// ErrNotFound is returned when a blob does not exist in the network.
	ErrNotFound = errors.New("store: not found")
)

// Store is the network and storage collaborator.
//
// All methods block until the operation completes or ctx is canceled.
// Implementations must be safe for concurrent use.
type Store interface {
	// Pin makes id durable in local storage, fetching it if needed.
	Pin(ctx context.Context, id digest.Digest) error

	// Unpin allows id to be garbage collected.
	Unpin(ctx context.Context, id digest.Digest) error

	// SizeOf returns the size of id in bytes without fetching it.
	SizeOf(ctx context.Context, id digest.Digest) (int64, error)

	// Fetch returns the full content of id.
	Fetch(ctx context.Context, id digest.Digest) ([]byte, error)

	// Resolve returns the current root id published under key.
	Resolve(ctx context.Context, key string) (digest.Digest, error)

	// GC compacts local storage, dropping unpinned content. Best effort.
	GC(ctx context.Context) error
}

package feedpin

import (
	"errors"

	"github.com/meigma/feedpin/feed"
	"github.com/meigma/feedpin/internal/audit"
	"github.com/meigma/feedpin/internal/followee"
	"github.com/meigma/feedpin/internal/keylock"
	"github.com/meigma/feedpin/store"
)

// ErrUsage is returned when a caller precondition is violated, such as
// favouriting a record twice or unfollowing a feed that is not followed.
var ErrUsage = errors.New("feedpin: usage error")

// ErrClosed is returned by operations on a closed client.
var ErrClosed = errors.New("feedpin: client closed")

// Errors re-exported from store.
var (
	// ErrConnection is returned when the network or local node is unavailable.
	ErrConnection = store.ErrConnection

	// ErrKey is returned when a feed key cannot be resolved.
	ErrKey = store.ErrKey

	// ErrNotFound is returned when a blob does not exist in the network.
	ErrNotFound = store.ErrNotFound
)

// Errors re-exported from feed.
var (
	// ErrOversize is returned when content exceeds its type's byte limit.
	ErrOversize = feed.ErrOversize

	// ErrProtocolData is returned when content fails to decode.
	ErrProtocolData = feed.ErrProtocolData
)

// Errors re-exported from internal packages.
var (
	// ErrShutdown is returned by operations abandoned because the client
	// closed while they were queued.
	ErrShutdown = keylock.ErrShutdown

	// ErrMissingPins is returned by Audit when an owner references content
	// the pin ledger does not account for.
	ErrMissingPins = audit.ErrMissingPins

	// ErrIncompleteRelease is returned when an operation reached its new
	// state but one or more unpins failed. The next audit repairs them.
	ErrIncompleteRelease = followee.ErrIncompleteRelease
)

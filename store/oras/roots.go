package oras

import (
	"sync"

	"github.com/opencontainers/go-digest"
)

// defaultRootCacheEntries bounds the manifest to root memo.
const defaultRootCacheEntries = 1024

// rootCache remembers the index blob named by each feed manifest. Manifests
// are immutable, so a refresh of an unchanged feed costs one HEAD request.
type rootCache struct {
	mu      sync.Mutex
	max     int
	entries map[digest.Digest]digest.Digest
	order   []digest.Digest
}

func newRootCache(limit int) *rootCache {
	return &rootCache{max: limit, entries: make(map[digest.Digest]digest.Digest)}
}

func (c *rootCache) get(manifest digest.Digest) (digest.Digest, bool) {
	if c.max <= 0 {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	root, ok := c.entries[manifest]
	return root, ok
}

// put records root for manifest, dropping the oldest entry when full.
func (c *rootCache) put(manifest, root digest.Digest) {
	if c.max <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[manifest]; ok {
		return
	}
	if len(c.order) >= c.max {
		delete(c.entries, c.order[0])
		c.order = c.order[1:]
	}
	c.entries[manifest] = root
	c.order = append(c.order, manifest)
}

func (c *rootCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

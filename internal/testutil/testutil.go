// Package testutil provides an in-memory content-addressed store and a feed
// publisher for tests.
package testutil

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/store"
)

// MemStore is an in-memory store.Store that records every network call.
// It is safe for concurrent use.
type MemStore struct {
	mu     sync.Mutex
	blobs  map[digest.Digest][]byte
	keys   map[string]digest.Digest
	pinned map[digest.Digest]bool

	failPin   map[digest.Digest]error
	failUnpin map[digest.Digest]error
	failSize  map[digest.Digest]error
	sizes     map[digest.Digest]int64
	holds     map[digest.Digest]*hold

	pins    int
	unpins  int
	sizeOfs int
	fetches int
	gcs     int
}

// Interface compliance.
var _ store.Store = (*MemStore)(nil)

// NewMemStore returns an empty store.
func NewMemStore() *MemStore {
	return &MemStore{
		blobs:     make(map[digest.Digest][]byte),
		keys:      make(map[string]digest.Digest),
		pinned:    make(map[digest.Digest]bool),
		failPin:   make(map[digest.Digest]error),
		failUnpin: make(map[digest.Digest]error),
		failSize:  make(map[digest.Digest]error),
		sizes:     make(map[digest.Digest]int64),
		holds:     make(map[digest.Digest]*hold),
	}
}

type hold struct {
	started chan struct{}
	once    sync.Once
	release chan struct{}
}

// HoldPin makes every Pin of id wait until release is called or the pin's
// context ends. started is closed once the first such Pin is waiting.
func (s *MemStore) HoldPin(id digest.Digest) (started <-chan struct{}, release func()) {
	h := &hold{started: make(chan struct{}), release: make(chan struct{})}
	s.mu.Lock()
	s.holds[id] = h
	s.mu.Unlock()

	var once sync.Once
	return h.started, func() { once.Do(func() { close(h.release) }) }
}

// Put stores data and returns its id.
func (s *MemStore) Put(data []byte) digest.Digest {
	id := digest.FromBytes(data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[id] = slices.Clone(data)
	return id
}

// PutString stores a string blob and returns its id.
func (s *MemStore) PutString(data string) digest.Digest {
	return s.Put([]byte(data))
}

// Delete makes id unavailable, as if it vanished from the network.
// A locally pinned copy stays fetchable.
func (s *MemStore) Delete(id digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.pinned[id] {
		delete(s.blobs, id)
	}
}

// SetKey points key at root.
func (s *MemStore) SetKey(key string, root digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key] = root
}

// FailPin makes every Pin of id return err. A nil err clears the failure.
func (s *MemStore) FailPin(id digest.Digest, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setFailure(s.failPin, id, err)
}

// FailUnpin makes every Unpin of id return err. A nil err clears the failure.
func (s *MemStore) FailUnpin(id digest.Digest, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setFailure(s.failUnpin, id, err)
}

// FailSizeOf makes every SizeOf of id return err. A nil err clears the failure.
func (s *MemStore) FailSizeOf(id digest.Digest, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	setFailure(s.failSize, id, err)
}

// ReportSize makes SizeOf report size for id instead of its real length.
func (s *MemStore) ReportSize(id digest.Digest, size int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizes[id] = size
}

func setFailure(m map[digest.Digest]error, id digest.Digest, err error) {
	if err == nil {
		delete(m, id)
		return
	}
	m[id] = err
}

// MarkPinned records id as pinned without counting a Pin call.
func (s *MemStore) MarkPinned(id digest.Digest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pinned[id] = true
}

// IsPinned reports whether id is pinned.
func (s *MemStore) IsPinned(id digest.Digest) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pinned[id]
}

// Pinned returns the pinned ids in sorted order.
func (s *MemStore) Pinned() []digest.Digest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Sorted(maps.Keys(s.pinned))
}

// Calls returns the number of Pin and Unpin calls that reached the store.
func (s *MemStore) Calls() (pins, unpins int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pins, s.unpins
}

// Reads returns the number of SizeOf and Fetch calls.
func (s *MemStore) Reads() (sizeOfs, fetches int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sizeOfs, s.fetches
}

// GCs returns the number of GC calls.
func (s *MemStore) GCs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gcs
}

// ResetCalls zeroes the call counters.
func (s *MemStore) ResetCalls() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins, s.unpins, s.sizeOfs, s.fetches, s.gcs = 0, 0, 0, 0, 0
}

func (s *MemStore) Pin(ctx context.Context, id digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	h := s.holds[id]
	s.mu.Unlock()
	if h != nil {
		h.once.Do(func() { close(h.started) })
		select {
		case <-h.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.pins++
	if err := s.failPin[id]; err != nil {
		return err
	}
	if _, ok := s.blobs[id]; !ok {
		return fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	s.pinned[id] = true
	return nil
}

func (s *MemStore) Unpin(ctx context.Context, id digest.Digest) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unpins++
	if err := s.failUnpin[id]; err != nil {
		return err
	}
	delete(s.pinned, id)
	return nil
}

func (s *MemStore) SizeOf(ctx context.Context, id digest.Digest) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sizeOfs++
	if err := s.failSize[id]; err != nil {
		return 0, err
	}
	data, ok := s.blobs[id]
	if !ok {
		return 0, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	if size, ok := s.sizes[id]; ok {
		return size, nil
	}
	return int64(len(data)), nil
}

func (s *MemStore) Fetch(ctx context.Context, id digest.Digest) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fetches++
	data, ok := s.blobs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", store.ErrNotFound, id)
	}
	return slices.Clone(data), nil
}

func (s *MemStore) Resolve(ctx context.Context, key string) (digest.Digest, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	root, ok := s.keys[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", store.ErrKey, key)
	}
	return root, nil
}

// GC only counts the call; published blobs stay available.
func (s *MemStore) GC(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gcs++
	return nil
}

package testutil

import (
	"context"
	"sync"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/internal/ledger"
)

// LedgerSupport pairs a MemStore with a pin ledger so that only ledger
// transitions reach the store. It implements the followee engine's Support.
type LedgerSupport struct {
	*MemStore

	mu     sync.Mutex
	Ledger *ledger.Ledger
}

// NewLedgerSupport returns a support over s with an empty ledger.
func NewLedgerSupport(s *MemStore) *LedgerSupport {
	return &LedgerSupport{MemStore: s, Ledger: ledger.New()}
}

// Pin adds a reference and pins on the 0->1 transition, rolling the ledger
// back if the store fails.
func (s *LedgerSupport) Pin(ctx context.Context, id digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Ledger.Add(id) {
		return nil
	}
	if err := s.MemStore.Pin(ctx, id); err != nil {
		s.Ledger.Remove(id)
		return err
	}
	return nil
}

// Release drops a reference and unpins on the 1->0 transition, rolling the
// ledger back if the store fails.
func (s *LedgerSupport) Release(ctx context.Context, id digest.Digest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.Ledger.Remove(id) {
		return nil
	}
	if err := s.MemStore.Unpin(ctx, id); err != nil {
		s.Ledger.Add(id)
		return err
	}
	return nil
}

// Count returns the ledger count for id.
func (s *LedgerSupport) Count(id digest.Digest) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Ledger.Count(id)
}

// Len returns the number of ids in the ledger.
func (s *LedgerSupport) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Ledger.Len()
}

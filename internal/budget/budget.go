// Package budget decides which size-tagged candidates fit in a byte budget.
//
// A Budget is constructed with a capacity and the current usage. Admit picks
// candidates to add without ever exceeding the capacity; Evict picks
// candidates to drop when usage is above the capacity.
package budget

import (
	"math/rand/v2"

	"github.com/opencontainers/go-digest"
)

// Candidate is an item competing for space in a budget.
type Candidate struct {
	ID   digest.Digest
	Size int64
}

// Budget tracks capacity and usage in bytes.
type Budget struct {
	capacity int64
	usage    int64
	rng      *rand.Rand
}

// Option configures a Budget.
type Option func(*Budget)

// WithRand sets the random source used by Admit.
// Tests use a seeded source for reproducible admission.
func WithRand(r *rand.Rand) Option {
	return func(b *Budget) {
		if r != nil {
			b.rng = r
		}
	}
}

// New creates a budget with the given capacity and current usage.
// Negative values are clamped to zero.
func New(capacity, usage int64, opts ...Option) *Budget {
	b := &Budget{
		capacity: max(capacity, 0),
		usage:    max(usage, 0),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.rng == nil {
		b.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())) //nolint:gosec // admission fairness, not security
	}
	return b
}

// Capacity returns the configured capacity in bytes.
func (b *Budget) Capacity() int64 { return b.capacity }

// Usage returns the bytes currently accounted for.
func (b *Budget) Usage() int64 { return b.usage }

// BytesAvailable returns the bytes that can still be admitted.
func (b *Budget) BytesAvailable() int64 {
	return max(b.capacity-b.usage, 0)
}

// OverBudget reports whether usage exceeds capacity.
func (b *Budget) OverBudget() bool {
	return b.usage > b.capacity
}

// Force accounts for c regardless of capacity.
// It is used for items that must be kept even when they do not fit.
func (b *Budget) Force(c Candidate) {
	b.usage += max(c.Size, 0)
}

// Admit scans candidates in order and returns the ids it accepts.
//
// Each candidate that fits is accepted with probability
// min(1, available/demand), where demand is the total size of the candidates
// not yet scanned. When everything fits every candidate is accepted; when the
// demand exceeds the budget the acceptance odds are spread over the whole
// list instead of favouring the first entries. Zero-size candidates are
// always accepted. The accepted total never exceeds BytesAvailable at call
// time.
func (b *Budget) Admit(candidates []Candidate) []digest.Digest {
	var demand int64
	for _, c := range candidates {
		demand += max(c.Size, 0)
	}

	accepted := make([]digest.Digest, 0, len(candidates))
	for _, c := range candidates {
		size := max(c.Size, 0)
		available := b.BytesAvailable()
		switch {
		case size == 0:
			accepted = append(accepted, c.ID)
		case size > available:
		case demand <= available || b.rng.Int64N(demand) < available:
			accepted = append(accepted, c.ID)
			b.usage += size
		}
		demand -= size
	}
	return accepted
}

// Evict scans candidates in order and returns the ids to remove so that
// usage is at or below capacity. It stops as soon as the budget is met and
// removes nothing when usage is already within capacity. If the candidates
// run out first the budget stays over capacity.
func (b *Budget) Evict(candidates []Candidate) []digest.Digest {
	var removed []digest.Digest
	for _, c := range candidates {
		if b.usage <= b.capacity {
			break
		}
		removed = append(removed, c.ID)
		b.usage = max(b.usage-max(c.Size, 0), 0)
	}
	return removed
}

// Package audit reconciles the pin ledger with the state that owns pins.
//
// Every live owner (the home channel, each followee, both caches) is walked
// to build the expected reference count of each id. The ledger is then
// diffed against that table without any network reads:
//
//   - ids in the ledger that no owner references are leaks; their counts are
//     dropped and the blob is unpinned.
//   - ids whose ledger count exceeds the expected count are trimmed down to
//     it. No network call is needed because the count stays above zero.
//   - ids that an owner references but the ledger does not fully count are
//     reported as missing. They are never re-created.
//
// Running an audit on a consistent ledger changes nothing.
package audit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/opencontainers/go-digest"
)

// ErrMissingPins is returned when an owner references an id that the ledger
// does not account for. The data that should justify the pin may be gone.
var ErrMissingPins = errors.New("audit: expected pins missing from ledger")

// Ledger is the view of the pin ledger the auditor needs. Remove must record
// the change durably.
type Ledger interface {
	Range(fn func(id digest.Digest, count uint32) bool)
	Add(id digest.Digest) bool
	Remove(id digest.Digest) bool
}

// Root is one owner of pins.
type Root struct {
	Name string
	Walk func(visit func(digest.Digest))
}

// UnpinFunc issues the network unpin for a leaked id.
type UnpinFunc func(ctx context.Context, id digest.Digest) error

// Report describes what an audit found and repaired.
type Report struct {
	// Leaked ids were not referenced by any owner and have been unpinned.
	Leaked []digest.Digest

	// Trimmed ids had more ledger references than owners.
	Trimmed []digest.Digest

	// Missing ids are referenced by an owner but under-counted in the ledger.
	Missing []digest.Digest

	// Failed ids were leaked but could not be unpinned; they stay in the
	// ledger with a single reference.
	Failed []digest.Digest
}

// Repairs returns the number of ids whose ledger entry was corrected.
func (r Report) Repairs() int {
	return len(r.Leaked) + len(r.Trimmed)
}

// Repaired reports whether the audit changed the ledger.
func (r Report) Repaired() bool {
	return r.Repairs() > 0
}

// Expected walks roots and returns the number of references to each id.
func Expected(roots []Root) map[digest.Digest]uint32 {
	expected := make(map[digest.Digest]uint32)
	for _, root := range roots {
		root.Walk(func(id digest.Digest) {
			expected[id]++
		})
	}
	return expected
}

// Run audits l against roots. Leak repairs are logged at Warn and never
// fail the audit; an unpin failure is recorded in [Report.Failed] and joined
// into the returned error. Missing pins produce [ErrMissingPins].
func Run(ctx context.Context, l Ledger, roots []Root, unpin UnpinFunc, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	expected := Expected(roots)

	counts := make(map[digest.Digest]uint32)
	l.Range(func(id digest.Digest, count uint32) bool {
		counts[id] = count
		return true
	})

	var (
		report Report
		errs   []error
	)
	for _, id := range slices.Sorted(maps.Keys(counts)) {
		count, want := counts[id], expected[id]
		switch {
		case want == 0:
			if err := release(ctx, l, id, count, unpin); err != nil {
				logger.Warn("leaked pin could not be released", "id", id, "error", err)
				report.Failed = append(report.Failed, id)
				errs = append(errs, fmt.Errorf("unpin %s: %w", id, err))
				continue
			}
			logger.Warn("released leaked pin", "id", id, "count", count)
			report.Leaked = append(report.Leaked, id)
		case count > want:
			for range count - want {
				l.Remove(id)
			}
			logger.Warn("trimmed over-counted pin", "id", id, "count", count, "expected", want)
			report.Trimmed = append(report.Trimmed, id)
		}
	}

	for _, id := range slices.Sorted(maps.Keys(expected)) {
		if counts[id] < expected[id] {
			report.Missing = append(report.Missing, id)
		}
	}
	if len(report.Missing) > 0 {
		logger.Error("pins missing from ledger", "count", len(report.Missing))
		errs = append(errs, fmt.Errorf("%w: %d ids", ErrMissingPins, len(report.Missing)))
	}
	return report, errors.Join(errs...)
}

// release drops every reference to a leaked id. The last removal unpins; if
// that fails one reference is restored so the ledger still matches the
// store.
func release(ctx context.Context, l Ledger, id digest.Digest, count uint32, unpin UnpinFunc) error {
	for range count - 1 {
		l.Remove(id)
	}
	if !l.Remove(id) {
		return nil
	}
	if err := unpin(ctx, id); err != nil {
		l.Add(id)
		return err
	}
	return nil
}

package feedpin

import (
	"context"

	"github.com/opencontainers/go-digest"

	"github.com/meigma/feedpin/internal/audit"
	"github.com/meigma/feedpin/internal/state"
)

// AuditReport lists what an audit repaired and what it could not.
type AuditReport = audit.Report

// Audit reconciles the pin ledger with everything that owns pins: the home
// channel, every followed feed and both caches. Leaked pins are released
// and over-counted ones trimmed. Pins that an owner expects but the ledger
// lacks are reported with [ErrMissingPins] and left alone.
//
// Audit waits for running operations that pin or release content and
// blocks new ones until it returns.
func (c *Client) Audit(ctx context.Context) (AuditReport, error) {
	c.syncMu.Lock()
	defer c.syncMu.Unlock()
	if c.closed.Load() {
		return AuditReport{}, ErrClosed
	}

	var report AuditReport
	err := c.state.Update(func(tx *state.Tx) error {
		var err error
		report, err = audit.Run(ctx, tx, tx.Roots(), func(ctx context.Context, id digest.Digest) error {
			return c.store.Unpin(ctx, id)
		}, c.logger)
		return err
	})
	if report.Repaired() {
		c.log().Info("audit repaired pin ledger",
			"leaked", len(report.Leaked), "trimmed", len(report.Trimmed), "failed", len(report.Failed))
		c.gc(ctx)
	}
	return report, err
}

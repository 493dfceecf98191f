package ca

import (
	"context"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/store"
)

// sweepBatch bounds one pass of the expiry and hold sweeps.
const sweepBatch = 500

// SweepExpired removes certificates that expired more than
// KeepExpiredDays ago, going through the publisher acknowledgement path
// like a manual removal. Disabled when KeepExpiredDays is negative.
func (c *CA) SweepExpired(ctx context.Context) error {
	if !c.master || c.cfg.KeepExpiredDays < 0 {
		return nil
	}
	if !tryAcquire(c.purgeBusy) {
		return nil
	}
	defer release(c.purgeBusy)

	cutoff := c.now().AddDate(0, 0, -(c.cfg.KeepExpiredDays + 1))
	var removed int
	for {
		page, err := c.store.ExpiredBefore(ctx, c.cfg.Name, cutoff, sweepBatch)
		if err != nil {
			return Wrap(KindDatabaseFailure, "failed to page expired certificates", err)
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.Remove(ctx, rec.Serial, "expiry-sweep"); err != nil {
				// A publisher refusing the removal keeps the record for
				// the next pass.
				c.logger.Warn("expiry sweep could not remove certificate",
					zap.String("ca", c.cfg.Name),
					zap.String("serial", rec.Serial.Text(16)),
					zap.Error(err))
				continue
			}
			removed++
		}
		if len(page) < sweepBatch {
			break
		}
	}
	if removed > 0 {
		c.logger.Info("expiry sweep complete",
			zap.String("ca", c.cfg.Name), zap.Int("removed", removed))
	}
	return nil
}

// SweepHeld escalates certificates left on certificateHold longer than
// HoldThreshold to the configured final reason. Disabled when the
// threshold is zero.
func (c *CA) SweepHeld(ctx context.Context) error {
	if !c.master || c.cfg.HoldThreshold <= 0 {
		return nil
	}
	if !tryAcquire(c.holdBusy) {
		return nil
	}
	defer release(c.holdBusy)

	reason := c.cfg.HoldTargetReason
	if reason == ReasonUnspecified || reason == ReasonCertificateHold {
		reason = ReasonSuperseded
	}

	cutoff := c.now().Add(-c.cfg.HoldThreshold)
	var escalated int
	for {
		page, err := c.store.HeldSince(ctx, c.cfg.Name, cutoff, sweepBatch)
		if err != nil {
			return Wrap(KindDatabaseFailure, "failed to page held certificates", err)
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			if err := ctx.Err(); err != nil {
				return err
			}
			if err := c.escalateHold(ctx, rec, reason); err != nil {
				c.logger.Warn("hold sweep could not escalate certificate",
					zap.String("ca", c.cfg.Name),
					zap.String("serial", rec.Serial.Text(16)),
					zap.Error(err))
				continue
			}
			escalated++
		}
		if len(page) < sweepBatch {
			break
		}
	}
	if escalated > 0 {
		c.logger.Info("hold sweep complete",
			zap.String("ca", c.cfg.Name), zap.Int("escalated", escalated))
	}
	return nil
}

// escalateHold rewrites an on-hold revocation with the final reason,
// keeping the original revocation time.
func (c *CA) escalateHold(ctx context.Context, rec *store.CertRecord, reason RevocationReason) error {
	if rec.Revocation == nil || !rec.Revocation.OnHold() {
		return nil
	}
	rev := store.Revocation{
		Reason:       int(reason),
		RevokedAt:    rec.Revocation.RevokedAt,
		InvalidityAt: rec.Revocation.InvalidityAt,
	}
	if err := c.store.SetRevocation(ctx, c.cfg.Name, rec.Serial, rev); err != nil {
		return Wrap(KindDatabaseFailure, "failed to escalate hold", err)
	}
	rec.Revocation = &rev
	c.publishRevoked(ctx, rec)
	return nil
}

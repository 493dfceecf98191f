package ca

import (
	"context"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/audit"
	"github.com/remiblancher/cmp-ca/internal/metrics"
	"github.com/remiblancher/cmp-ca/internal/publish"
	"github.com/remiblancher/cmp-ca/internal/store"
)

// publishSweepBatch bounds one pass over the retry queue.
const publishSweepBatch = 500

// publishParkAttempts parks an entry after this many failed deliveries;
// parked entries need operator attention and are only logged.
const publishParkAttempts = 1000

// enqueue records a pending publication. The store already holds the
// certificate, so a queue failure is logged but never fails the
// operation that triggered it.
func (c *CA) enqueue(ctx context.Context, pub publish.Publisher, rec *store.CertRecord) {
	if err := c.store.EnqueuePublish(ctx, c.cfg.Name, pub.Name(), rec.ID); err != nil {
		c.logger.Error("failed to enqueue publication",
			zap.String("ca", c.cfg.Name),
			zap.String("publisher", pub.Name()),
			zap.String("serial", rec.Serial.Text(16)),
			zap.Error(err))
		return
	}
	c.updateQueueDepth(ctx)
}

// publishAdded dispatches a newly issued certificate. Synchronous
// publishers are tried inline and degrade to the queue; asynchronous
// publishers always go through the queue.
func (c *CA) publishAdded(ctx context.Context, rec *store.CertRecord) {
	for _, pub := range c.publishers {
		if !pub.PublishesGoodCerts() {
			continue
		}
		if pub.Async() {
			c.enqueue(ctx, pub, rec)
			continue
		}
		if err := pub.CertificateAdded(ctx, rec); err != nil {
			c.logger.Warn("inline publication failed, queued for retry",
				zap.String("ca", c.cfg.Name),
				zap.String("publisher", pub.Name()),
				zap.String("serial", rec.Serial.Text(16)),
				zap.Error(err))
			c.enqueue(ctx, pub, rec)
		}
	}
}

// publishRevoked dispatches a revocation to every publisher.
func (c *CA) publishRevoked(ctx context.Context, rec *store.CertRecord) {
	for _, pub := range c.publishers {
		if pub.Async() {
			c.enqueue(ctx, pub, rec)
			continue
		}
		if err := pub.CertificateRevoked(ctx, rec); err != nil {
			c.logger.Warn("inline revocation publish failed, queued for retry",
				zap.String("ca", c.cfg.Name),
				zap.String("publisher", pub.Name()),
				zap.String("serial", rec.Serial.Text(16)),
				zap.Error(err))
			c.enqueue(ctx, pub, rec)
		}
	}
}

// publishUnrevoked dispatches a reactivation to every publisher.
func (c *CA) publishUnrevoked(ctx context.Context, rec *store.CertRecord) {
	for _, pub := range c.publishers {
		if pub.Async() {
			c.enqueue(ctx, pub, rec)
			continue
		}
		if err := pub.CertificateUnrevoked(ctx, rec); err != nil {
			c.logger.Warn("inline unrevoke publish failed, queued for retry",
				zap.String("ca", c.cfg.Name),
				zap.String("publisher", pub.Name()),
				zap.String("serial", rec.Serial.Text(16)),
				zap.Error(err))
			c.enqueue(ctx, pub, rec)
		}
	}
}

// publishCRL dispatches a generated CRL. CRL publication is best effort:
// the next CRL supersedes a missed one, so failures are only logged.
func (c *CA) publishCRL(ctx context.Context, crlDER []byte) {
	for _, pub := range c.publishers {
		if err := pub.CRLAdded(ctx, c.cfg.Name, crlDER); err != nil {
			c.logger.Warn("CRL publication failed",
				zap.String("ca", c.cfg.Name),
				zap.String("publisher", pub.Name()),
				zap.Error(err))
		}
	}
}

func (c *CA) publisherByName(name string) publish.Publisher {
	for _, pub := range c.publishers {
		if pub.Name() == name {
			return pub
		}
	}
	return nil
}

// SweepPublishQueue replays queued publications. Delivery re-sends the
// current store record, so the queue gives at-least-once semantics:
// a retried entry reflects later state changes rather than the event
// that queued it.
func (c *CA) SweepPublishQueue(ctx context.Context) error {
	if !c.master {
		return nil
	}
	if !tryAcquire(c.publishBusy) {
		return nil
	}
	defer release(c.publishBusy)

	entries, err := c.store.PublishQueuePage(ctx, c.cfg.Name, publishSweepBatch)
	if err != nil {
		return Wrap(KindDatabaseFailure, "failed to read publish queue", err)
	}
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		// Parked entries stay in the store for operator attention; the
		// sweep neither retries nor removes them.
		if entry.Attempts >= publishParkAttempts {
			continue
		}
		if err := c.deliverQueued(ctx, entry); err != nil {
			c.logger.Warn("queued publication failed",
				zap.String("ca", c.cfg.Name),
				zap.String("publisher", entry.Publisher),
				zap.Int64("cert", entry.CertID),
				zap.Int("attempts", entry.Attempts+1),
				zap.Error(err))
			if berr := c.store.BumpPublishAttempts(ctx, entry.ID); berr != nil {
				return Wrap(KindDatabaseFailure, "failed to bump publish attempts", berr)
			}
			if entry.Attempts+1 >= publishParkAttempts {
				c.logger.Error("publication parked after repeated failures",
					zap.String("ca", c.cfg.Name),
					zap.String("publisher", entry.Publisher),
					zap.Int64("cert", entry.CertID))
			}
			continue
		}
		if err := c.store.RemovePublishEntry(ctx, entry.ID); err != nil {
			return Wrap(KindDatabaseFailure, "failed to remove publish entry", err)
		}
	}
	c.updateQueueDepth(ctx)
	return nil
}

// deliverQueued re-delivers one queue entry from current store state.
func (c *CA) deliverQueued(ctx context.Context, entry *store.PublishEntry) error {
	pub := c.publisherByName(entry.Publisher)
	if pub == nil {
		// Publisher removed from configuration; drop the entry.
		c.logger.Warn("dropping queue entry for unknown publisher",
			zap.String("ca", c.cfg.Name), zap.String("publisher", entry.Publisher))
		return nil
	}
	rec, err := c.store.CertByID(ctx, entry.CertID)
	if err != nil {
		// Certificate removed since queuing; nothing left to publish.
		c.logger.Warn("dropping queue entry for missing certificate",
			zap.String("ca", c.cfg.Name), zap.Int64("cert", entry.CertID))
		return nil
	}
	if rec.Revocation != nil {
		return pub.CertificateRevoked(ctx, rec)
	}
	if !pub.PublishesGoodCerts() {
		return nil
	}
	return pub.CertificateAdded(ctx, rec)
}

func (c *CA) updateQueueDepth(ctx context.Context) {
	depth, err := c.store.PublishQueueDepth(ctx, c.cfg.Name)
	if err != nil {
		return
	}
	metrics.PublishQueueDepth.WithLabelValues(c.cfg.Name).Set(float64(depth))
}

// Republish replays the whole certificate population to the named
// publishers (all bound publishers when names is empty). The CA is
// inactive for the duration; the replay aborts on the first failure so
// a broken target is noticed instead of silently skipped.
func (c *CA) Republish(ctx context.Context, names []string) error {
	targets := c.publishers
	if len(names) > 0 {
		targets = nil
		for _, name := range names {
			pub := c.publisherByName(name)
			if pub == nil {
				return Errf(KindBadRequest, "unknown publisher %q", name)
			}
			targets = append(targets, pub)
		}
	}
	if len(targets) == 0 {
		return Errf(KindBadRequest, "no publishers bound to CA %s", c.cfg.Name)
	}

	prev := c.Status()
	c.SetStatus(StatusInactive)
	defer c.SetStatus(prev)

	if err := audit.Log(audit.NewEvent(audit.EventRepublishStarted, audit.ResultSuccess).
		WithObject(audit.Object{Type: "ca", CA: c.cfg.Name})); err != nil {
		return err
	}

	for _, pub := range targets {
		if err := pub.CAAdded(ctx, c.cfg.Name, c.cert.Raw); err != nil {
			return Wrap(KindSystemFailure, "publisher "+pub.Name()+" rejected CA certificate", err)
		}
	}

	var afterID int64
	var count int
	for {
		page, err := c.store.CertPage(ctx, c.cfg.Name, afterID, publishSweepBatch)
		if err != nil {
			return Wrap(KindDatabaseFailure, "failed to page certificates", err)
		}
		if len(page) == 0 {
			break
		}
		for _, rec := range page {
			afterID = rec.ID
			for _, pub := range targets {
				if rec.Revocation == nil && !pub.PublishesGoodCerts() {
					continue
				}
				if err := pub.CertificateAdded(ctx, rec); err != nil {
					return Wrap(KindSystemFailure, "republish aborted at "+rec.Serial.Text(16), err)
				}
				if rec.Revocation != nil {
					if err := pub.CertificateRevoked(ctx, rec); err != nil {
						return Wrap(KindSystemFailure, "republish aborted at "+rec.Serial.Text(16), err)
					}
				}
			}
			count++
		}
	}

	// Latest CRL, so consumers converge without waiting for the next tick.
	if crl, err := c.store.LastCRL(ctx, c.cfg.Name); err == nil {
		for _, pub := range targets {
			if err := pub.CRLAdded(ctx, c.cfg.Name, crl.Raw); err != nil {
				return Wrap(KindSystemFailure, "publisher "+pub.Name()+" rejected CRL", err)
			}
		}
	}

	c.mu.Lock()
	caRev := c.revocation
	c.mu.Unlock()
	if caRev != nil {
		for _, pub := range targets {
			if err := pub.CARevoked(ctx, c.cfg.Name, *caRev); err != nil {
				return Wrap(KindSystemFailure, "publisher "+pub.Name()+" rejected CA revocation", err)
			}
		}
	}

	if err := audit.Log(audit.NewEvent(audit.EventRepublishDone, audit.ResultSuccess).
		WithObject(audit.Object{Type: "ca", CA: c.cfg.Name}).
		WithContext(audit.Context{Entries: count})); err != nil {
		return err
	}
	c.logger.Info("republish complete",
		zap.String("ca", c.cfg.Name), zap.Int("certificates", count))
	return nil
}

package ca

import (
	"context"
	"errors"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/audit"
	"github.com/remiblancher/cmp-ca/internal/metrics"
	"github.com/remiblancher/cmp-ca/internal/store"
)

// RevokeRequest identifies a certificate to revoke.
type RevokeRequest struct {
	Serial *big.Int
	Reason RevocationReason

	// InvalidityAt optionally marks when the key is believed compromised.
	InvalidityAt *time.Time

	Requestor     string
	TransactionID string
}

// Revoke marks a certificate revoked and dispatches publication.
// Reserved reasons (caCompromise, aaCompromise, removeFromCRL) are
// rejected; revoking the CA's own certificate goes through CA
// administration, not this path.
func (c *CA) Revoke(ctx context.Context, req *RevokeRequest) error {
	if req.Reason.reserved() {
		return Errf(KindInsufficientPermission, "reason %s is reserved", req.Reason)
	}
	return c.revoke(ctx, req)
}

// revoke is the internal path; the hold sweep uses it with the
// configured target reason without the reserved-reason gate.
func (c *CA) revoke(ctx context.Context, req *RevokeRequest) error {
	if req.Serial == nil {
		return Errf(KindBadRequest, "serial is required")
	}
	if req.Serial.Cmp(c.cert.SerialNumber) == 0 {
		return Errf(KindNotPermitted, "refusing to revoke the CA's own certificate")
	}

	rec, err := c.store.CertBySerial(ctx, c.cfg.Name, req.Serial)
	if errors.Is(err, store.ErrNotFound) {
		return Errf(KindUnknownCert, "no certificate with serial %s", req.Serial.Text(16))
	}
	if err != nil {
		return Wrap(KindDatabaseFailure, "certificate lookup failed", err)
	}

	// A hold may be escalated to a final reason; anything else is
	// already terminally revoked.
	if rec.Revocation != nil && !rec.Revocation.OnHold() {
		return Errf(KindCertRevoked, "certificate %s is already revoked", req.Serial.Text(16))
	}

	rev := store.Revocation{
		Reason:       int(req.Reason),
		RevokedAt:    c.now(),
		InvalidityAt: req.InvalidityAt,
	}
	if err := c.store.SetRevocation(ctx, c.cfg.Name, req.Serial, rev); err != nil {
		return Wrap(KindDatabaseFailure, "failed to record revocation", err)
	}
	rec.Revocation = &rev

	if err := audit.LogCertRevoked(c.cfg.Name, req.Serial.Text(16), rec.Subject, req.Reason.String(), true); err != nil {
		return err
	}
	metrics.CertificatesRevoked.WithLabelValues(c.cfg.Name, req.Reason.String()).Inc()
	c.logger.Info("certificate revoked",
		zap.String("ca", c.cfg.Name),
		zap.String("serial", req.Serial.Text(16)),
		zap.String("reason", req.Reason.String()))

	c.publishRevoked(ctx, rec)
	return nil
}

// Unrevoke reactivates an on-hold certificate. Only certificateHold may
// be cleared; every other revocation is final.
func (c *CA) Unrevoke(ctx context.Context, serial *big.Int, requestor string) error {
	if serial == nil {
		return Errf(KindBadRequest, "serial is required")
	}
	rec, err := c.store.CertBySerial(ctx, c.cfg.Name, serial)
	if errors.Is(err, store.ErrNotFound) {
		return Errf(KindUnknownCert, "no certificate with serial %s", serial.Text(16))
	}
	if err != nil {
		return Wrap(KindDatabaseFailure, "certificate lookup failed", err)
	}
	if rec.Revocation == nil {
		return Errf(KindNotPermitted, "certificate %s is not revoked", serial.Text(16))
	}
	if !rec.Revocation.OnHold() {
		return Errf(KindNotPermitted, "certificate %s is not on hold (reason %d)", serial.Text(16), rec.Revocation.Reason)
	}

	if err := c.store.ClearRevocation(ctx, c.cfg.Name, serial); err != nil {
		return Wrap(KindDatabaseFailure, "failed to clear revocation", err)
	}
	rec.Revocation = nil

	if err := audit.LogCertUnrevoked(c.cfg.Name, serial.Text(16), true); err != nil {
		return err
	}
	c.logger.Info("certificate reactivated",
		zap.String("ca", c.cfg.Name), zap.String("serial", serial.Text(16)))

	c.publishUnrevoked(ctx, rec)
	return nil
}

// Remove deletes a certificate record entirely. Every publisher must
// acknowledge the removal before the store record is dropped, so a
// removed certificate never lingers downstream.
func (c *CA) Remove(ctx context.Context, serial *big.Int, requestor string) error {
	if serial == nil {
		return Errf(KindBadRequest, "serial is required")
	}
	if serial.Cmp(c.cert.SerialNumber) == 0 {
		return Errf(KindNotPermitted, "refusing to remove the CA's own certificate")
	}
	rec, err := c.store.CertBySerial(ctx, c.cfg.Name, serial)
	if errors.Is(err, store.ErrNotFound) {
		return Errf(KindUnknownCert, "no certificate with serial %s", serial.Text(16))
	}
	if err != nil {
		return Wrap(KindDatabaseFailure, "certificate lookup failed", err)
	}

	for _, pub := range c.publishers {
		if err := pub.CertificateRemoved(ctx, rec); err != nil {
			return Wrap(KindSystemFailure, "publisher "+pub.Name()+" rejected removal", err)
		}
	}

	if err := c.store.RemoveCertificate(ctx, c.cfg.Name, serial); err != nil {
		return Wrap(KindDatabaseFailure, "failed to remove certificate", err)
	}

	if err := audit.LogCertRemoved(c.cfg.Name, serial.Text(16), true); err != nil {
		return err
	}
	c.logger.Info("certificate removed",
		zap.String("ca", c.cfg.Name), zap.String("serial", serial.Text(16)))
	return nil
}

package ca

import (
	"context"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"errors"
	"math/big"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/audit"
	"github.com/remiblancher/cmp-ca/internal/metrics"
	"github.com/remiblancher/cmp-ca/internal/store"
)

// CRLUpdateMode selects how CRL generation is scheduled.
type CRLUpdateMode int

const (
	// CRLOnDemand disables scheduled generation.
	CRLOnDemand CRLUpdateMode = iota

	// CRLInterval generates on a fixed cadence from the base time.
	CRLInterval

	// CRLDaily generates once a day at a fixed wall-clock time.
	CRLDaily
)

// CRLScope restricts which certificates a CRL covers.
type CRLScope int

const (
	ScopeAll CRLScope = iota
	ScopeCAOnly
	ScopeUserOnly
)

// InvalidityPolicy controls the invalidityDate entry extension.
type InvalidityPolicy int

const (
	// InvalidityForbidden never emits the extension.
	InvalidityForbidden InvalidityPolicy = iota

	// InvalidityOptional emits it when a date was recorded.
	InvalidityOptional

	// InvalidityRequired always emits it, falling back to the
	// revocation time.
	InvalidityRequired
)

// CRLControl is the per-CA CRL generation policy.
type CRLControl struct {
	// UpdateMode selects scheduled or on-demand generation.
	UpdateMode CRLUpdateMode

	// Interval is the boundary cadence for CRLInterval mode.
	Interval time.Duration

	// DailyHour and DailyMinute place the boundary for CRLDaily mode
	// (UTC).
	DailyHour   int
	DailyMinute int

	// Overlap extends nextUpdate past the boundary so consumers have
	// slack to fetch the successor.
	Overlap time.Duration

	// FullIntervals makes every Nth boundary a full CRL. 1 (or 0) means
	// every boundary is full.
	FullIntervals int

	// DeltaIntervals makes every Nth boundary between full boundaries a
	// delta CRL. 0 disables deltas: boundaries that are not full produce
	// nothing.
	DeltaIntervals int

	// ExtendedNextUpdate makes nextUpdate always point at the next full
	// boundary instead of the next boundary of any kind.
	ExtendedNextUpdate bool

	// IncludeExpired keeps expired certificates on the CRL.
	IncludeExpired bool

	// Scope restricts the covered population.
	Scope CRLScope

	// Invalidity is the invalidityDate policy.
	Invalidity InvalidityPolicy

	// ExcludeReason normalizes entry reasons to unspecified, leaking no
	// revocation detail. removeFromCRL survives: delta semantics depend
	// on it.
	ExcludeReason bool

	// Keep bounds stored CRL history; 0 keeps everything.
	Keep int

	// BaseTime anchors the boundary grid. Zero means the CA's notBefore.
	BaseTime time.Time

	// IncludeSerialSet embeds the vendor extension listing all
	// non-expired revoked serials as CBOR, on full CRLs.
	IncludeSerialSet bool
}

const (
	// crlSignWindow is how long past a boundary a scheduled generation
	// may still run.
	crlSignWindow = 20 * time.Minute

	// crlIdempotenceSlack: a CRL younger than signWindow+slack means the
	// boundary was already served, possibly by another node.
	crlIdempotenceSlack = 5 * time.Minute

	// crlMinLifetime is the floor for nextUpdate-thisUpdate.
	crlMinLifetime = 10 * time.Minute

	// crlExpiryGrace keeps just-expired certificates on the CRL so
	// consumers with modest clock skew still see them.
	crlExpiryGrace = 10 * time.Minute

	// crlPageSize bounds one store read while collecting entries.
	crlPageSize = 500
)

var (
	oidInvalidityDate    = asn1.ObjectIdentifier{2, 5, 29, 24}
	oidDeltaCRLIndicator = asn1.ObjectIdentifier{2, 5, 29, 27}
	oidIssuingDistPoint  = asn1.ObjectIdentifier{2, 5, 29, 28}
	oidCertificateIssuer = asn1.ObjectIdentifier{2, 5, 29, 29}

	// oidRevokedSerialSet is a private-arc extension carrying the CBOR
	// set of all non-expired revoked serials.
	oidRevokedSerialSet = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 53087, 1, 1}
)

// base returns the boundary grid anchor.
func (ctl *CRLControl) base(caNotBefore time.Time) time.Time {
	if !ctl.BaseTime.IsZero() {
		return ctl.BaseTime
	}
	if ctl.UpdateMode == CRLDaily {
		y, m, d := caNotBefore.UTC().Date()
		b := time.Date(y, m, d, ctl.DailyHour, ctl.DailyMinute, 0, 0, time.UTC)
		if b.Before(caNotBefore) {
			b = b.Add(24 * time.Hour)
		}
		return b
	}
	return caNotBefore
}

// period is the boundary spacing; zero means on-demand only.
func (ctl *CRLControl) period() time.Duration {
	switch ctl.UpdateMode {
	case CRLInterval:
		return ctl.Interval
	case CRLDaily:
		return 24 * time.Hour
	default:
		return 0
	}
}

// fullEvery normalizes FullIntervals.
func (ctl *CRLControl) fullEvery() int {
	if ctl.FullIntervals <= 0 {
		return 1
	}
	return ctl.FullIntervals
}

// boundaryAt returns the time of boundary k.
func (ctl *CRLControl) boundaryAt(base time.Time, k int64) time.Time {
	return base.Add(time.Duration(k) * ctl.period())
}

// currentBoundary returns the index of the latest boundary at or before
// now, or false when there is none or scheduling is off.
func (ctl *CRLControl) currentBoundary(base, now time.Time) (int64, bool) {
	p := ctl.period()
	if p <= 0 || now.Before(base) {
		return 0, false
	}
	return int64(now.Sub(base) / p), true
}

// CRLTick is the scheduler entry point. It checks whether now falls in
// the sign window of a boundary, decides full versus delta, and
// generates at most one CRL. Safe to call every minute.
func (c *CA) CRLTick(ctx context.Context) error {
	if !c.master {
		return nil
	}
	ctl := &c.cfg.CRL
	now := c.now()
	base := ctl.base(c.cert.NotBefore)

	k, ok := ctl.currentBoundary(base, now)
	if !ok {
		return nil
	}
	if now.Sub(ctl.boundaryAt(base, k)) >= crlSignWindow {
		return nil
	}

	// Another node (or an earlier tick) may already have served this
	// boundary. A CRL younger than the window plus slack means done.
	last, err := c.store.LastCRL(ctx, c.cfg.Name)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return Wrap(KindDatabaseFailure, "failed to read last CRL", err)
	}
	if last != nil && now.Sub(last.ThisUpdate) < crlSignWindow+crlIdempotenceSlack {
		return nil
	}

	delta := k%int64(ctl.fullEvery()) != 0
	if delta {
		// Between full boundaries only the delta cadence signs, and a
		// delta needs a full CRL to be relative to. Otherwise the
		// boundary passes without a CRL.
		if ctl.DeltaIntervals <= 0 || k%int64(ctl.DeltaIntervals) != 0 {
			return nil
		}
		if _, err := c.store.LastFullCRL(ctx, c.cfg.Name); errors.Is(err, store.ErrNotFound) {
			return nil
		} else if err != nil {
			return Wrap(KindDatabaseFailure, "failed to read last full CRL", err)
		}
	}

	_, err = c.GenerateCRL(ctx, delta)
	return err
}

// GenerateCRL produces one CRL immediately. delta requests a delta CRL,
// which fails when no full CRL exists to base it on. Only one generation
// runs at a time; a concurrent caller gets SystemUnavailable rather than
// waiting.
func (c *CA) GenerateCRL(ctx context.Context, delta bool) (*store.CRLRecord, error) {
	c.mu.Lock()
	if c.crlInProgress {
		c.mu.Unlock()
		return nil, Errf(KindSystemUnavailable, "CRL generation already in progress")
	}
	c.crlInProgress = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.crlInProgress = false
		c.mu.Unlock()
	}()

	rec, err := c.generateCRL(ctx, delta)
	if err != nil {
		if aerr := audit.LogCRLGenerated(c.cfg.Name, 0, 0, false); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}
	return rec, nil
}

func (c *CA) generateCRL(ctx context.Context, delta bool) (*store.CRLRecord, error) {
	signer := c.crlIssuerSigner()
	if signer == nil || !signer.Healthy() {
		return nil, Errf(KindCRLFailure, "CRL signer unavailable")
	}

	var baseCRL *store.CRLRecord
	if delta {
		var err error
		baseCRL, err = c.store.LastFullCRL(ctx, c.cfg.Name)
		if errors.Is(err, store.ErrNotFound) {
			return nil, Errf(KindCRLFailure, "no full CRL to base a delta on")
		} else if err != nil {
			return nil, Wrap(KindDatabaseFailure, "failed to read last full CRL", err)
		}
	}

	now := c.now()
	thisUpdate := now
	nextUpdate := c.nextUpdateAfter(now)

	var entries []x509.RevocationListEntry
	var err error
	if delta {
		entries, err = c.deltaEntries(ctx, baseCRL)
	} else {
		entries, err = c.fullEntries(ctx, now)
	}
	if err != nil {
		return nil, err
	}

	number, err := c.store.NextCRLNumber(ctx, c.cfg.Name)
	if err != nil {
		return nil, Wrap(KindDatabaseFailure, "CRL number allocation failed", err)
	}

	tmpl := &x509.RevocationList{
		Number:                    big.NewInt(number),
		ThisUpdate:                thisUpdate,
		NextUpdate:                nextUpdate,
		RevokedCertificateEntries: entries,
	}
	if err := c.addCRLExtensions(tmpl, delta, baseCRL); err != nil {
		return nil, err
	}

	der, err := x509.CreateRevocationList(rand.Reader, tmpl, c.crlIssuerCert(), signer)
	if err != nil {
		return nil, Wrap(KindCRLFailure, "CRL signing failed", err)
	}

	rec := &store.CRLRecord{
		CAName:     c.cfg.Name,
		Number:     number,
		ThisUpdate: thisUpdate,
		Raw:        der,
	}
	if delta {
		rec.BaseNumber = baseCRL.Number
	}
	if err := c.store.StoreCRL(ctx, rec); err != nil {
		return nil, Wrap(KindDatabaseFailure, "failed to store CRL", err)
	}

	// A new full CRL subsumes the delta history before it.
	if !delta {
		if err := c.store.ClearDeltaBefore(ctx, c.cfg.Name, thisUpdate); err != nil {
			c.logger.Warn("failed to trim delta cache",
				zap.String("ca", c.cfg.Name), zap.Error(err))
		}
	}

	if err := audit.LogCRLGenerated(c.cfg.Name, number, len(entries), true); err != nil {
		return nil, err
	}
	kind := "full"
	if delta {
		kind = "delta"
	}
	metrics.CRLsGenerated.WithLabelValues(c.cfg.Name, kind).Inc()
	c.logger.Info("CRL generated",
		zap.String("ca", c.cfg.Name),
		zap.Int64("number", number),
		zap.String("kind", kind),
		zap.Int("entries", len(entries)),
		zap.Time("nextUpdate", nextUpdate))

	c.publishCRL(ctx, der)

	if c.cfg.CRL.Keep > 0 {
		if err := c.store.PurgeCRLs(ctx, c.cfg.Name, c.cfg.CRL.Keep); err != nil {
			c.logger.Warn("failed to purge old CRLs",
				zap.String("ca", c.cfg.Name), zap.Error(err))
		}
	}
	return rec, nil
}

// nextUpdateAfter walks the boundary grid to the next boundary that will
// produce a CRL, adds the overlap, and enforces the minimum lifetime.
// ExtendedNextUpdate ignores delta boundaries and lands on the next full
// one.
func (c *CA) nextUpdateAfter(now time.Time) time.Time {
	ctl := &c.cfg.CRL
	base := ctl.base(c.cert.NotBefore)
	p := ctl.period()

	var next time.Time
	if p <= 0 {
		// On-demand CAs promise a daily refresh.
		next = now.Add(24 * time.Hour)
	} else {
		k, _ := ctl.currentBoundary(base, now)
		fullEvery := int64(ctl.fullEvery())
		deltaEvery := int64(ctl.DeltaIntervals)
		if ctl.ExtendedNextUpdate {
			deltaEvery = 0
		}
		for j := k + 1; ; j++ {
			if j%fullEvery == 0 || (deltaEvery > 0 && j%deltaEvery == 0) {
				next = ctl.boundaryAt(base, j)
				break
			}
		}
	}
	next = next.Add(ctl.Overlap)
	if floor := now.Add(crlMinLifetime); next.Before(floor) {
		next = floor
	}
	return next
}

// inScope applies the CRL population scope to one certificate.
func (c *CA) inScope(rec *store.CertRecord) bool {
	switch c.cfg.CRL.Scope {
	case ScopeCAOnly, ScopeUserOnly:
		cert, err := x509.ParseCertificate(rec.Raw)
		if err != nil {
			return true
		}
		if c.cfg.CRL.Scope == ScopeCAOnly {
			return cert.IsCA
		}
		return !cert.IsCA
	default:
		return true
	}
}

// fullEntries collects every currently revoked, in-scope certificate.
func (c *CA) fullEntries(ctx context.Context, now time.Time) ([]x509.RevocationListEntry, error) {
	notExpiredAt := now.Add(-crlExpiryGrace)
	if c.cfg.CRL.IncludeExpired {
		notExpiredAt = time.Time{}
	}

	var entries []x509.RevocationListEntry
	var afterID int64
	for {
		page, err := c.store.RevokedPage(ctx, c.cfg.Name, notExpiredAt, afterID, crlPageSize)
		if err != nil {
			return nil, Wrap(KindDatabaseFailure, "failed to page revoked certificates", err)
		}
		if len(page) == 0 {
			return entries, nil
		}
		for _, rec := range page {
			afterID = rec.ID
			if !c.inScope(rec) {
				continue
			}
			entry, err := c.crlEntry(rec, rec.Revocation.Reason)
			if err != nil {
				return nil, err
			}
			entries = append(entries, entry)
		}
	}
}

// deltaEntries collects revocation-state changes since the base full
// CRL. A certificate revoked then unrevoked appears with removeFromCRL
// so consumers drop it from their merged view.
func (c *CA) deltaEntries(ctx context.Context, baseCRL *store.CRLRecord) ([]x509.RevocationListEntry, error) {
	seen := make(map[string]int) // serial -> entries index, latest change wins
	var entries []x509.RevocationListEntry
	var afterID int64
	for {
		page, err := c.store.DeltaPage(ctx, c.cfg.Name, afterID, crlPageSize)
		if err != nil {
			return nil, Wrap(KindDatabaseFailure, "failed to page delta cache", err)
		}
		if len(page) == 0 {
			return entries, nil
		}
		for _, de := range page {
			afterID = de.ID
			if !de.AddedAt.After(baseCRL.ThisUpdate) {
				continue
			}
			rec, err := c.store.CertByID(ctx, de.CertID)
			if errors.Is(err, store.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, Wrap(KindDatabaseFailure, "failed to load delta certificate", err)
			}
			if !c.inScope(rec) {
				continue
			}
			reason := int(ReasonRemoveFromCRL)
			if rec.Revocation != nil {
				reason = rec.Revocation.Reason
			}
			entry, err := c.crlEntry(rec, reason)
			if err != nil {
				return nil, err
			}
			key := rec.Serial.Text(16)
			if idx, ok := seen[key]; ok {
				entries[idx] = entry
			} else {
				seen[key] = len(entries)
				entries = append(entries, entry)
			}
		}
	}
}

// crlEntry builds one revokedCertificates entry.
func (c *CA) crlEntry(rec *store.CertRecord, reason int) (x509.RevocationListEntry, error) {
	revokedAt := c.now()
	var invalidity *time.Time
	if rec.Revocation != nil {
		revokedAt = rec.Revocation.RevokedAt
		invalidity = rec.Revocation.InvalidityAt
	}

	if c.cfg.CRL.ExcludeReason && reason != int(ReasonRemoveFromCRL) {
		reason = int(ReasonUnspecified)
	}

	entry := x509.RevocationListEntry{
		SerialNumber:   rec.Serial,
		RevocationTime: revokedAt,
		ReasonCode:     reason,
	}

	switch c.cfg.CRL.Invalidity {
	case InvalidityForbidden:
	case InvalidityOptional:
		if invalidity != nil {
			ext, err := invalidityExtension(*invalidity)
			if err != nil {
				return x509.RevocationListEntry{}, err
			}
			entry.ExtraExtensions = append(entry.ExtraExtensions, ext)
		}
	case InvalidityRequired:
		at := revokedAt
		if invalidity != nil {
			at = *invalidity
		}
		ext, err := invalidityExtension(at)
		if err != nil {
			return x509.RevocationListEntry{}, err
		}
		entry.ExtraExtensions = append(entry.ExtraExtensions, ext)
	}
	return entry, nil
}

func invalidityExtension(at time.Time) (pkix.Extension, error) {
	val, err := asn1.MarshalWithParams(at.UTC(), "generalized")
	if err != nil {
		return pkix.Extension{}, Wrap(KindCRLFailure, "failed to encode invalidity date", err)
	}
	return pkix.Extension{Id: oidInvalidityDate, Value: val}, nil
}

// issuingDistributionPoint mirrors the RFC 5280 IDP structure; unused
// defaults are omitted by the optional tags.
type issuingDistributionPoint struct {
	OnlyContainsUserCerts bool `asn1:"optional,tag:1"`
	OnlyContainsCACerts   bool `asn1:"optional,tag:2"`
	IndirectCRL           bool `asn1:"optional,tag:4"`
}

// addCRLExtensions attaches the delta indicator, IDP, certificateIssuer
// compression and the vendor serial-set extension.
func (c *CA) addCRLExtensions(tmpl *x509.RevocationList, delta bool, baseCRL *store.CRLRecord) error {
	if delta {
		val, err := asn1.Marshal(big.NewInt(baseCRL.Number))
		if err != nil {
			return Wrap(KindCRLFailure, "failed to encode delta indicator", err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{
			Id:       oidDeltaCRLIndicator,
			Critical: true,
			Value:    val,
		})
	}

	scoped := c.cfg.CRL.Scope != ScopeAll
	if c.indirectCRL() || scoped {
		idp := issuingDistributionPoint{
			OnlyContainsUserCerts: c.cfg.CRL.Scope == ScopeUserOnly,
			OnlyContainsCACerts:   c.cfg.CRL.Scope == ScopeCAOnly,
			IndirectCRL:           c.indirectCRL(),
		}
		val, err := asn1.Marshal(idp)
		if err != nil {
			return Wrap(KindCRLFailure, "failed to encode issuing distribution point", err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{
			Id:       oidIssuingDistPoint,
			Critical: true,
			Value:    val,
		})

		// Whenever an IDP narrows the CRL, name the CA that issued the
		// entries. certificateIssuer on the first entry covers the rest.
		if len(tmpl.RevokedCertificateEntries) > 0 {
			gn := asn1.RawValue{
				Class:      asn1.ClassContextSpecific,
				Tag:        4,
				IsCompound: true,
				Bytes:      c.cert.RawSubject,
			}
			val, err := asn1.Marshal([]asn1.RawValue{gn})
			if err != nil {
				return Wrap(KindCRLFailure, "failed to encode certificate issuer", err)
			}
			first := &tmpl.RevokedCertificateEntries[0]
			first.ExtraExtensions = append(first.ExtraExtensions, pkix.Extension{
				Id:       oidCertificateIssuer,
				Critical: true,
				Value:    val,
			})
		}
	}

	if !delta && c.cfg.CRL.IncludeSerialSet {
		serials := make([]string, 0, len(tmpl.RevokedCertificateEntries))
		for _, e := range tmpl.RevokedCertificateEntries {
			serials = append(serials, e.SerialNumber.Text(16))
		}
		val, err := cbor.Marshal(serials)
		if err != nil {
			return Wrap(KindCRLFailure, "failed to encode serial set", err)
		}
		tmpl.ExtraExtensions = append(tmpl.ExtraExtensions, pkix.Extension{
			Id:    oidRevokedSerialSet,
			Value: val,
		})
	}
	return nil
}

// CurrentCRL returns the most recent CRL.
func (c *CA) CurrentCRL(ctx context.Context) (*store.CRLRecord, error) {
	rec, err := c.store.LastCRL(ctx, c.cfg.Name)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errf(KindCRLFailure, "no CRL generated yet for CA %s", c.cfg.Name)
	}
	if err != nil {
		return nil, Wrap(KindDatabaseFailure, "failed to read CRL", err)
	}
	return rec, nil
}

// CRLByNumber returns a stored CRL by its CRL number.
func (c *CA) CRLByNumber(ctx context.Context, number int64) (*store.CRLRecord, error) {
	rec, err := c.store.CRLByNumber(ctx, c.cfg.Name, number)
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errf(KindCRLFailure, "no CRL with number %d", number)
	}
	if err != nil {
		return nil, Wrap(KindDatabaseFailure, "failed to read CRL", err)
	}
	return rec, nil
}

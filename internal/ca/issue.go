package ca

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/audit"
	pkicrypto "github.com/remiblancher/cmp-ca/internal/crypto"
	"github.com/remiblancher/cmp-ca/internal/metrics"
	"github.com/remiblancher/cmp-ca/internal/profile"
	"github.com/remiblancher/cmp-ca/internal/store"
)

// RequestType distinguishes the enrollment flavors.
type RequestType string

const (
	RequestEnroll    RequestType = "enroll"
	RequestKeyUpdate RequestType = "keyupdate"
	RequestCrossCert RequestType = "crosscert"
	RequestP10       RequestType = "p10"
)

// maxNotAfter is the RFC 5280 GeneralizedTime ceiling.
var maxNotAfter = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

// autoIncrementAttempts bounds the serialNumber-RDN collision walk.
const autoIncrementAttempts = 100

// IssueRequest carries one certificate request into the CA.
type IssueRequest struct {
	// Profile names the enrollment profile.
	Profile string

	// Subject is the requested subject DN.
	Subject pkix.Name

	// PublicKey is the key to certify.
	PublicKey crypto.PublicKey

	// NotBefore and NotAfter are the requested validity bounds; zero
	// means profile defaults.
	NotBefore time.Time
	NotAfter  time.Time

	// SANs are the requested subject alternative names.
	SANs profile.RequestedSANs

	// RequestType is the enrollment flavor; defaults to enroll.
	RequestType RequestType

	// FromRA marks requests relayed by a registration authority.
	FromRA bool

	// Requestor, Username and TransactionID are recorded with the
	// certificate for audit and idempotence.
	Requestor     string
	Username      string
	TransactionID string
}

// IssuedCertificate is the outcome of an issuance.
type IssuedCertificate struct {
	Certificate *x509.Certificate
	Record      *store.CertRecord

	// AlreadyIssued marks an idempotent replay: the certificate was
	// issued by an earlier request with the same transaction id.
	AlreadyIssued bool
}

// Issue runs the full issuance pipeline for a request.
func (c *CA) Issue(ctx context.Context, req *IssueRequest) (*IssuedCertificate, error) {
	if req.RequestType == "" {
		req.RequestType = RequestEnroll
	}

	if c.Status() != StatusActive {
		return nil, Errf(KindNotPermitted, "CA %s is not active", c.cfg.Name)
	}
	if c.Revoked() {
		return nil, Errf(KindNotPermitted, "CA %s is revoked", c.cfg.Name)
	}

	prof, ok := c.profiles[req.Profile]
	if !ok {
		return nil, Errf(KindUnknownProfile, "unknown profile %q", req.Profile)
	}
	if prof.RAOnly && !req.FromRA {
		return nil, Errf(KindInsufficientPermission, "profile %q is restricted to RA requestors", req.Profile)
	}

	issued, err := c.issue(ctx, req, prof, nil)
	if err != nil {
		metrics.RequestsRejected.WithLabelValues(c.cfg.Name, KindOf(err).String()).Inc()
		if aerr := audit.LogRequestRejected(c.cfg.Name, req.Requestor, req.TransactionID, KindOf(err).String()); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}
	return issued, nil
}

// Rekey issues a replacement certificate for an existing subject. The
// subject must have a live prior certificate; the duplicate-key check is
// skipped for the prior key's subject.
func (c *CA) Rekey(ctx context.Context, req *IssueRequest) (*IssuedCertificate, error) {
	if req.RequestType == "" {
		req.RequestType = RequestKeyUpdate
	}

	if c.Status() != StatusActive {
		return nil, Errf(KindNotPermitted, "CA %s is not active", c.cfg.Name)
	}
	if c.Revoked() {
		return nil, Errf(KindNotPermitted, "CA %s is revoked", c.cfg.Name)
	}

	prof, ok := c.profiles[req.Profile]
	if !ok {
		return nil, Errf(KindUnknownProfile, "unknown profile %q", req.Profile)
	}
	if prof.RAOnly && !req.FromRA {
		return nil, Errf(KindInsufficientPermission, "profile %q is restricted to RA requestors", req.Profile)
	}

	granted, err := prof.GrantSubject(stripEmptyRDNs(req.Subject))
	if err != nil {
		return nil, Wrap(KindBadCertTemplate, "subject rejected", err)
	}
	prior, err := c.store.LatestBySubjectFP(ctx, c.cfg.Name, SubjectFingerprint(granted))
	if errors.Is(err, store.ErrNotFound) {
		return nil, Errf(KindUnknownCert, "no prior certificate for subject %q", granted.String())
	}
	if err != nil {
		return nil, Wrap(KindDatabaseFailure, "failed to look up prior certificate", err)
	}
	if prior.Revocation != nil && !prior.Revocation.OnHold() {
		return nil, Errf(KindCertRevoked, "prior certificate %s is revoked", prior.Serial.Text(16))
	}

	issued, err := c.issue(ctx, req, prof, prior)
	if err != nil {
		metrics.RequestsRejected.WithLabelValues(c.cfg.Name, KindOf(err).String()).Inc()
		if aerr := audit.LogRequestRejected(c.cfg.Name, req.Requestor, req.TransactionID, KindOf(err).String()); aerr != nil {
			return nil, aerr
		}
		return nil, err
	}
	return issued, nil
}

// issue is the shared pipeline. prior is non-nil for key updates and
// exempts the prior subject from duplicate checks.
func (c *CA) issue(ctx context.Context, req *IssueRequest, prof *profile.Profile, prior *store.CertRecord) (*IssuedCertificate, error) {
	now := c.now()

	// Step 1: subject policy.
	granted, err := prof.GrantSubject(stripEmptyRDNs(req.Subject))
	if err != nil {
		return nil, Wrap(KindBadCertTemplate, "subject rejected", err)
	}
	if granted.String() == "" {
		return nil, Errf(KindBadCertTemplate, "empty subject")
	}
	if granted.SerialNumber != "" && !prof.AllowSubjectSerial {
		return nil, Errf(KindBadCertTemplate, "subject serialNumber attribute not allowed by profile %q", req.Profile)
	}
	if canonicalSubject(granted) == canonicalSubject(c.cert.Subject) {
		return nil, Errf(KindNotPermitted, "requested subject collides with the CA's own subject")
	}

	// Step 2: key policy.
	if req.PublicKey == nil {
		return nil, Errf(KindBadCertTemplate, "public key is required")
	}
	if err := prof.CheckPublicKey(req.PublicKey); err != nil {
		return nil, Wrap(KindBadCertTemplate, "public key rejected", err)
	}
	if len(req.SANs.DNSNames) > 0 {
		if err := prof.CheckDNSNames(req.SANs.DNSNames); err != nil {
			return nil, Wrap(KindBadCertTemplate, "DNS name rejected", err)
		}
	}
	keyFP, err := KeyFingerprint(req.PublicKey)
	if err != nil {
		return nil, Wrap(KindBadCertTemplate, "unsupported public key", err)
	}

	// Step 3: transaction idempotence. A replayed transaction returns
	// the prior certificate instead of issuing again.
	if req.TransactionID != "" {
		if rec, err := c.store.LatestBySubjectFP(ctx, c.cfg.Name, SubjectFingerprint(granted)); err == nil {
			if rec.TransactionID == req.TransactionID && rec.KeyFP == keyFP {
				cert, perr := x509.ParseCertificate(rec.Raw)
				if perr != nil {
					return nil, Wrap(KindSystemFailure, "stored certificate is corrupt", perr)
				}
				rec.AlreadyIssued = true
				return &IssuedCertificate{Certificate: cert, Record: rec, AlreadyIssued: true}, nil
			}
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, Wrap(KindDatabaseFailure, "transaction lookup failed", err)
		}
	}

	// Step 4: duplicate key.
	allowDupKeys := c.cfg.AllowDuplicateKeys && prof.AllowDuplicateKeys
	if !allowDupKeys && prior == nil {
		exists, err := c.store.HasKeyFP(ctx, c.cfg.Name, keyFP)
		if err != nil {
			return nil, Wrap(KindDatabaseFailure, "duplicate key lookup failed", err)
		}
		if exists {
			return nil, Errf(KindAlreadyIssued, "public key already certified")
		}
	}

	// Step 5: duplicate subject, with optional serialNumber-RDN walk.
	allowDupSubjects := c.cfg.AllowDuplicateSubjects && prof.AllowDuplicateSubjects
	subjectFP := SubjectFingerprint(granted)
	if !allowDupSubjects && (prior == nil || prior.SubjectFP != subjectFP) {
		exists, err := c.store.HasSubjectFP(ctx, c.cfg.Name, subjectFP)
		if err != nil {
			return nil, Wrap(KindDatabaseFailure, "duplicate subject lookup failed", err)
		}
		if exists {
			if !prof.AutoIncrementSubject {
				return nil, Errf(KindAlreadyIssued, "subject already certified: %s", granted.String())
			}
			granted, subjectFP, err = c.incrementSubject(ctx, granted)
			if err != nil {
				return nil, err
			}
		}
	}

	// Step 6: notBefore.
	notBefore := req.NotBefore
	if notBefore.IsZero() {
		notBefore = now
	}
	notBefore = notBefore.Add(-prof.Backdate)
	if prof.SnapToMidnight {
		loc := prof.Location()
		local := notBefore.In(loc)
		notBefore = time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	}
	if notBefore.Before(c.cert.NotBefore) {
		notBefore = c.cert.NotBefore
	}
	if notBefore.After(c.expirationCutoff()) {
		return nil, Errf(KindNotPermitted, "CA %s no longer issues certificates", c.cfg.Name)
	}

	// Step 7: notAfter with the validity mode clamp.
	notAfter := req.NotAfter
	if notAfter.IsZero() {
		notAfter = notBefore.Add(prof.Validity)
	}
	if prof.MaxLifetime > 0 {
		if ceil := notBefore.Add(prof.MaxLifetime); notAfter.After(ceil) {
			notAfter = ceil
		}
	}
	if c.cfg.MaxValidity > 0 {
		if ceil := notBefore.Add(c.cfg.MaxValidity); notAfter.After(ceil) {
			notAfter = ceil
		}
	}
	if notAfter.After(maxNotAfter) {
		notAfter = maxNotAfter
	}
	if notAfter.After(c.cert.NotAfter) {
		switch c.cfg.ValidityMode {
		case ValidityCutoff:
			notAfter = c.cert.NotAfter
		case ValidityStrict:
			return nil, Errf(KindNotPermitted, "requested validity exceeds CA validity (ends %s)", c.cert.NotAfter.Format(time.RFC3339))
		case ValidityLax:
			// granted as requested
		}
	}
	if !notAfter.After(notBefore) {
		return nil, Errf(KindBadCertTemplate, "notAfter %s is not after notBefore %s",
			notAfter.Format(time.RFC3339), notBefore.Format(time.RFC3339))
	}

	// Step 8: signer health.
	if c.signer == nil || !c.signer.Healthy() {
		return nil, Errf(KindSystemUnavailable, "CA signer unavailable")
	}

	// Step 9: in-process marker serializing concurrent requests for the
	// same identity across processes.
	if err := c.store.MarkInProcess(ctx, c.cfg.Name, keyFP, subjectFP); err != nil {
		if errors.Is(err, store.ErrInProcess) {
			return nil, Errf(KindSystemUnavailable, "identity already being processed, retry later")
		}
		return nil, Wrap(KindDatabaseFailure, "failed to mark identity in process", err)
	}
	defer func() {
		if err := c.store.ClearInProcess(ctx, c.cfg.Name, keyFP, subjectFP); err != nil {
			c.logger.Warn("failed to clear in-process marker",
				zap.String("ca", c.cfg.Name), zap.Error(err))
		}
	}()

	// Step 10: serial and template.
	serial, err := c.store.NextSerial(ctx, c.cfg.Name)
	if err != nil {
		return nil, Wrap(KindDatabaseFailure, "serial allocation failed", err)
	}

	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      granted,
		NotBefore:    notBefore,
		NotAfter:     notAfter,
	}
	if prof.Extensions != nil {
		if err := prof.Extensions.Apply(template, req.SANs); err != nil {
			return nil, Wrap(KindInvalidExtension, "extension rejected", err)
		}
	}

	// Step 11: sign, then re-verify what came back before it leaves the
	// CA. A broken HSM must never hand out a bad certificate.
	der, err := x509.CreateCertificate(rand.Reader, template, c.cert, req.PublicKey, c.signer)
	if err != nil {
		return nil, Wrap(KindSystemFailure, "certificate signing failed", err)
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, Wrap(KindSystemFailure, "signed certificate failed to parse", err)
	}
	if err := c.verifyIssued(cert); err != nil {
		return nil, Wrap(KindSystemFailure, "signed certificate failed verification", err)
	}

	// Step 12: authoritative store write.
	rec := &store.CertRecord{
		CAName:        c.cfg.Name,
		Serial:        serial,
		Subject:       granted.String(),
		SubjectFP:     subjectFP,
		KeyFP:         keyFP,
		Profile:       req.Profile,
		Requestor:     req.Requestor,
		Username:      req.Username,
		TransactionID: req.TransactionID,
		RequestType:   string(req.RequestType),
		Raw:           der,
		NotBefore:     notBefore,
		NotAfter:      notAfter,
		IssuedAt:      now,
	}
	if err := c.store.AddCertificate(ctx, rec); err != nil {
		return nil, Wrap(KindDatabaseFailure, "failed to store certificate", err)
	}

	if err := audit.LogCertIssued(c.cfg.Name, serial.Text(16), rec.Subject, req.Profile, req.Requestor, req.TransactionID, true); err != nil {
		return nil, err
	}
	metrics.CertificatesIssued.WithLabelValues(c.cfg.Name, req.Profile).Inc()
	c.logger.Info("certificate issued",
		zap.String("ca", c.cfg.Name),
		zap.String("serial", serial.Text(16)),
		zap.String("subject", rec.Subject),
		zap.String("profile", req.Profile))

	// Step 13: publication dispatch, after the authoritative write.
	c.publishAdded(ctx, rec)

	return &IssuedCertificate{Certificate: cert, Record: rec}, nil
}

// incrementSubject walks the serialNumber RDN until the subject no
// longer collides. Best effort: a concurrent winner between the check
// and the store write surfaces as a store error.
func (c *CA) incrementSubject(ctx context.Context, granted pkix.Name) (pkix.Name, string, error) {
	for i := 0; i < autoIncrementAttempts; i++ {
		granted = incrementSerialRDN(granted)
		fp := SubjectFingerprint(granted)
		exists, err := c.store.HasSubjectFP(ctx, c.cfg.Name, fp)
		if err != nil {
			return pkix.Name{}, "", Wrap(KindDatabaseFailure, "duplicate subject lookup failed", err)
		}
		if !exists {
			return granted, fp, nil
		}
	}
	return pkix.Name{}, "", Errf(KindAlreadyIssued, "could not find a free subject serial in %d attempts", autoIncrementAttempts)
}

// verifyIssued checks the issued certificate's signature against the CA
// certificate, covering post-quantum algorithms the x509 package cannot
// verify itself.
func (c *CA) verifyIssued(cert *x509.Certificate) error {
	err := cert.CheckSignatureFrom(c.cert)
	if err == nil {
		return nil
	}
	if !errors.Is(err, x509.ErrUnsupportedAlgorithm) {
		return err
	}
	if !pkicrypto.Verify(c.cert.PublicKey, cert.RawTBSCertificate, cert.Signature) {
		return errors.New("signature does not verify against the CA key")
	}
	return nil
}

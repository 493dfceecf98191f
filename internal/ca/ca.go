// Package ca implements the certificate authority core: issuance,
// revocation, CRL generation, publication dispatch and the background
// sweeps that keep the certificate population consistent.
package ca

import (
	"crypto/x509"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/audit"
	pkicrypto "github.com/remiblancher/cmp-ca/internal/crypto"
	"github.com/remiblancher/cmp-ca/internal/profile"
	"github.com/remiblancher/cmp-ca/internal/publish"
	"github.com/remiblancher/cmp-ca/internal/store"
)

// Status is the operational state of a CA.
type Status int

const (
	StatusActive Status = iota
	StatusInactive
)

// ValidityMode controls how a requested notAfter beyond the CA's own
// validity is handled.
type ValidityMode int

const (
	// ValidityCutoff truncates the granted notAfter to the CA's notAfter.
	ValidityCutoff ValidityMode = iota

	// ValidityStrict rejects requests reaching beyond the CA's notAfter.
	ValidityStrict

	// ValidityLax grants notAfter beyond the CA's own validity.
	ValidityLax
)

// Permission is a bitmask of operations a CA (or a requestor) allows.
type Permission uint32

const (
	PermEnrollCert Permission = 1 << iota
	PermKeyUpdate
	PermCrossCertEnroll
	PermRevokeCert
	PermUnrevokeCert
	PermRemoveCert
	PermGetCRL
	PermGenCRL
)

// PermAll grants every operation.
const PermAll = Permission(1<<31 - 1)

// Allows reports whether all bits of p2 are granted.
func (p Permission) Allows(p2 Permission) bool { return p&p2 == p2 }

// RevocationReason values are RFC 5280 CRLReason codes.
type RevocationReason int

const (
	ReasonUnspecified          RevocationReason = 0
	ReasonKeyCompromise        RevocationReason = 1
	ReasonCACompromise         RevocationReason = 2
	ReasonAffiliationChanged   RevocationReason = 3
	ReasonSuperseded           RevocationReason = 4
	ReasonCessationOfOperation RevocationReason = 5
	ReasonCertificateHold      RevocationReason = 6
	ReasonRemoveFromCRL        RevocationReason = 8
	ReasonPrivilegeWithdrawn   RevocationReason = 9
	ReasonAACompromise         RevocationReason = 10
)

// String returns a human-readable name for the reason.
func (r RevocationReason) String() string {
	switch r {
	case ReasonUnspecified:
		return "unspecified"
	case ReasonKeyCompromise:
		return "keyCompromise"
	case ReasonCACompromise:
		return "caCompromise"
	case ReasonAffiliationChanged:
		return "affiliationChanged"
	case ReasonSuperseded:
		return "superseded"
	case ReasonCessationOfOperation:
		return "cessationOfOperation"
	case ReasonCertificateHold:
		return "certificateHold"
	case ReasonRemoveFromCRL:
		return "removeFromCRL"
	case ReasonPrivilegeWithdrawn:
		return "privilegeWithdrawn"
	case ReasonAACompromise:
		return "aaCompromise"
	default:
		return fmt.Sprintf("unknown(%d)", int(r))
	}
}

// ParseRevocationReason parses a reason string.
func ParseRevocationReason(s string) (RevocationReason, error) {
	switch strings.ToLower(s) {
	case "unspecified", "":
		return ReasonUnspecified, nil
	case "keycompromise", "key-compromise":
		return ReasonKeyCompromise, nil
	case "cacompromise", "ca-compromise":
		return ReasonCACompromise, nil
	case "affiliationchanged", "affiliation-changed":
		return ReasonAffiliationChanged, nil
	case "superseded":
		return ReasonSuperseded, nil
	case "cessationofoperation", "cessation":
		return ReasonCessationOfOperation, nil
	case "certificatehold", "hold":
		return ReasonCertificateHold, nil
	case "removefromcrl":
		return ReasonRemoveFromCRL, nil
	case "privilegewithdrawn":
		return ReasonPrivilegeWithdrawn, nil
	case "aacompromise":
		return ReasonAACompromise, nil
	default:
		return 0, fmt.Errorf("unknown revocation reason: %s", s)
	}
}

// reservedReasons may not be used through the public revocation entry
// points; they are reserved for internal self-revocation and CRL
// maintenance paths.
func (r RevocationReason) reserved() bool {
	return r == ReasonCACompromise || r == ReasonAACompromise || r == ReasonRemoveFromCRL
}

// Config holds the per-CA policy.
type Config struct {
	// Name identifies the CA in the store and in endpoints.
	Name string

	// ValidityMode controls clamping of notAfter against the CA validity.
	ValidityMode ValidityMode

	// MaxValidity caps any granted lifetime. Zero means no CA-level cap.
	MaxValidity time.Duration

	// AllowDuplicateKeys permits several live certificates per key.
	AllowDuplicateKeys bool

	// AllowDuplicateSubjects permits several live certificates per subject.
	AllowDuplicateSubjects bool

	// ExpirationCutoff stops new issuance after this instant. Zero means
	// the CA's own notAfter.
	ExpirationCutoff time.Time

	// Permissions gates which operations this CA serves.
	Permissions Permission

	// KeepExpiredDays is how long expired certificates are retained
	// before the purge sweep removes them. Negative disables the purge.
	KeepExpiredDays int

	// HoldThreshold auto-revokes certificates left on hold longer than
	// this. Zero disables the sweep.
	HoldThreshold time.Duration

	// HoldTargetReason is the reason applied by the hold sweep.
	HoldTargetReason RevocationReason

	// ConfirmWait is the confirmation deadline granted to enrollments.
	ConfirmWait time.Duration

	// CRL is the CRL generation policy.
	CRL CRLControl
}

// CA is one certificate authority: its certificate, signer, policy and
// collaborators. The mutex guards exactly {status, crlInProgress}; all
// other fields are immutable after construction.
type CA struct {
	cfg        Config
	cert       *x509.Certificate
	signer     pkicrypto.Signer
	crlSigner  pkicrypto.Signer
	crlCert    *x509.Certificate
	store      store.CertStore
	profiles   map[string]*profile.Profile
	publishers []publish.Publisher
	logger     *zap.Logger
	master     bool

	mu            sync.Mutex
	status        Status
	crlInProgress bool
	revocation    *store.Revocation

	// now is the clock; replaced in tests.
	now func() time.Time

	// single-slot guards for the background sweeps
	purgeBusy   chan struct{}
	holdBusy    chan struct{}
	publishBusy chan struct{}
}

// Option configures optional CA collaborators.
type Option func(*CA)

// WithCRLSigner delegates CRL signing to a separate signer and
// certificate, producing indirect CRLs.
func WithCRLSigner(signer pkicrypto.Signer, cert *x509.Certificate) Option {
	return func(c *CA) {
		c.crlSigner = signer
		c.crlCert = cert
	}
}

// WithPublishers binds downstream publishers.
func WithPublishers(pubs ...publish.Publisher) Option {
	return func(c *CA) { c.publishers = pubs }
}

// WithLogger sets the operational logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *CA) { c.logger = logger }
}

// WithMasterRole marks this process as the master for the CA; the
// background sweeps only run on the master.
func WithMasterRole(master bool) Option {
	return func(c *CA) { c.master = master }
}

// New assembles a CA from its certificate, signer, store and profiles.
func New(cfg Config, cert *x509.Certificate, signer pkicrypto.Signer, certStore store.CertStore, profiles map[string]*profile.Profile, opts ...Option) (*CA, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("CA name is required")
	}
	if cert == nil {
		return nil, fmt.Errorf("CA certificate is required")
	}
	if cfg.ConfirmWait <= 0 {
		cfg.ConfirmWait = 5 * time.Minute
	}
	c := &CA{
		cfg:         cfg,
		cert:        cert,
		signer:      signer,
		store:       certStore,
		profiles:    profiles,
		logger:      zap.NewNop(),
		master:      true,
		status:      StatusActive,
		now:         func() time.Time { return time.Now().UTC() },
		purgeBusy:   make(chan struct{}, 1),
		holdBusy:    make(chan struct{}, 1),
		publishBusy: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if err := audit.LogCALoaded(cfg.Name, cert.Subject.String(), true); err != nil {
		return nil, err
	}
	return c, nil
}

// Name returns the CA name.
func (c *CA) Name() string { return c.cfg.Name }

// Certificate returns the CA's own certificate.
func (c *CA) Certificate() *x509.Certificate { return c.cert }

// Permissions returns the CA permission set.
func (c *CA) Permissions() Permission { return c.cfg.Permissions }

// ConfirmWait returns the confirmation deadline for enrollments.
func (c *CA) ConfirmWait() time.Duration { return c.cfg.ConfirmWait }

// Profiles returns the profile names bound to this CA, for info queries.
func (c *CA) Profiles() map[string]*profile.Profile { return c.profiles }

// Status returns the current operational state.
func (c *CA) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// SetStatus switches the operational state.
func (c *CA) SetStatus(s Status) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.status = s
}

// Revoked reports whether the CA itself is revoked.
func (c *CA) Revoked() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.revocation != nil
}

// SetRevocation records the CA's own revocation state.
func (c *CA) SetRevocation(rev *store.Revocation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.revocation = rev
}

// expirationCutoff is the instant after which no new certificates are
// issued.
func (c *CA) expirationCutoff() time.Time {
	if !c.cfg.ExpirationCutoff.IsZero() {
		return c.cfg.ExpirationCutoff
	}
	return c.cert.NotAfter
}

// crlIssuerCert returns the certificate the CRL is issued under.
func (c *CA) crlIssuerCert() *x509.Certificate {
	if c.crlCert != nil {
		return c.crlCert
	}
	return c.cert
}

// crlIssuerSigner returns the signer used for CRLs.
func (c *CA) crlIssuerSigner() pkicrypto.Signer {
	if c.crlSigner != nil {
		return c.crlSigner
	}
	return c.signer
}

// indirectCRL reports whether CRLs are signed by a delegated signer.
func (c *CA) indirectCRL() bool { return c.crlCert != nil }

// tryAcquire takes a single-slot guard without blocking.
func tryAcquire(slot chan struct{}) bool {
	select {
	case slot <- struct{}{}:
		return true
	default:
		return false
	}
}

func release(slot chan struct{}) { <-slot }

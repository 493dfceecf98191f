// Package store provides durable storage for issued certificates,
// revocation state, serial counters, CRLs and publish queues.
//
// The CertStore interface is the authoritative record: issuance and
// revocation are only considered to have happened once the store write
// succeeded. Implementations must provide atomic, monotonically
// increasing serial and CRL-number allocation.
package store

import (
	"context"
	"errors"
	"math/big"
	"time"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("store: not found")

// ErrInProcess is returned when an identity marker is already held.
var ErrInProcess = errors.New("store: identity already in process")

// Revocation records the revocation state of a certificate.
type Revocation struct {
	// Reason is the RFC 5280 CRLReason code.
	Reason int

	// RevokedAt is when the certificate was revoked.
	RevokedAt time.Time

	// InvalidityAt is the optional time the key is believed compromised.
	InvalidityAt *time.Time
}

// OnHold reports whether the revocation is a certificateHold,
// the only state a later unrevoke may clear.
func (r *Revocation) OnHold() bool { return r != nil && r.Reason == 6 }

// CertRecord is an issued certificate with its issuance metadata.
type CertRecord struct {
	ID     int64
	CAName string

	Serial    *big.Int
	Subject   string
	SubjectFP string // SHA-256 of the canonical subject DN, hex
	KeyFP     string // SHA-256 of the SubjectPublicKeyInfo, hex

	Profile       string
	Requestor     string
	Username      string
	TransactionID string
	RequestType   string

	Raw       []byte // DER
	NotBefore time.Time
	NotAfter  time.Time
	IssuedAt  time.Time

	// AlreadyIssued marks an idempotent re-request that returned a prior
	// result instead of creating a new certificate. Never persisted.
	AlreadyIssued bool

	Revocation *Revocation
}

// CRLRecord is a stored CRL.
type CRLRecord struct {
	ID         int64
	CAName     string
	Number     int64
	BaseNumber int64 // full CRL number a delta is based on; 0 for full CRLs
	ThisUpdate time.Time
	Raw        []byte
}

// IsDelta reports whether the CRL is a delta CRL.
func (c *CRLRecord) IsDelta() bool { return c.BaseNumber > 0 }

// PublishEntry is a queued (publisher, certificate) publication.
type PublishEntry struct {
	ID        int64
	CAName    string
	Publisher string
	CertID    int64
	Attempts  int
	QueuedAt  time.Time
}

// DeltaEntry records a revocation-state change for delta CRL generation.
type DeltaEntry struct {
	ID      int64
	CAName  string
	CertID  int64
	AddedAt time.Time
}

// CertStore is the durable store consumed by the CA core.
type CertStore interface {
	// NextSerial atomically allocates the next serial number for the CA.
	NextSerial(ctx context.Context, caName string) (*big.Int, error)

	// NextCRLNumber atomically allocates the next CRL number for the CA.
	NextCRLNumber(ctx context.Context, caName string) (int64, error)

	// AddCertificate persists a newly issued certificate and sets rec.ID.
	AddCertificate(ctx context.Context, rec *CertRecord) error

	// CertBySerial returns the certificate with the given serial.
	CertBySerial(ctx context.Context, caName string, serial *big.Int) (*CertRecord, error)

	// CertByID returns the certificate with the given store id.
	CertByID(ctx context.Context, id int64) (*CertRecord, error)

	// HasKeyFP reports whether a certificate exists for the public key
	// fingerprint.
	HasKeyFP(ctx context.Context, caName, keyFP string) (bool, error)

	// HasSubjectFP reports whether a certificate exists for the subject
	// fingerprint.
	HasSubjectFP(ctx context.Context, caName, subjectFP string) (bool, error)

	// LatestBySubjectFP returns the most recently issued certificate for
	// the subject fingerprint.
	LatestBySubjectFP(ctx context.Context, caName, subjectFP string) (*CertRecord, error)

	// SetRevocation records the revocation state for a serial and appends
	// a delta-cache entry.
	SetRevocation(ctx context.Context, caName string, serial *big.Int, rev Revocation) error

	// ClearRevocation removes the revocation state for a serial and
	// appends a delta-cache entry.
	ClearRevocation(ctx context.Context, caName string, serial *big.Int) error

	// RemoveCertificate deletes a certificate record.
	RemoveCertificate(ctx context.Context, caName string, serial *big.Int) error

	// RevokedPage returns revoked certificates expiring after notExpiredAt,
	// with store id greater than afterID, ascending by id, at most limit.
	RevokedPage(ctx context.Context, caName string, notExpiredAt time.Time, afterID int64, limit int) ([]*CertRecord, error)

	// DeltaPage returns delta-cache entries with id greater than afterID,
	// ascending, at most limit.
	DeltaPage(ctx context.Context, caName string, afterID int64, limit int) ([]*DeltaEntry, error)

	// ClearDeltaBefore drops delta-cache entries added before cutoff.
	ClearDeltaBefore(ctx context.Context, caName string, cutoff time.Time) error

	// ExpiredBefore returns certificates whose notAfter precedes cutoff.
	ExpiredBefore(ctx context.Context, caName string, cutoff time.Time, limit int) ([]*CertRecord, error)

	// HeldSince returns on-hold certificates whose hold state has not
	// changed since cutoff.
	HeldSince(ctx context.Context, caName string, cutoff time.Time, limit int) ([]*CertRecord, error)

	// CertPage returns certificates with store id greater than afterID,
	// ascending by id, at most limit. Used for republication and
	// certificate-set enumeration.
	CertPage(ctx context.Context, caName string, afterID int64, limit int) ([]*CertRecord, error)

	// MarkInProcess places the advisory marker serializing issuance for a
	// (key fingerprint, subject fingerprint) identity.
	// Returns ErrInProcess when the marker is already held.
	MarkInProcess(ctx context.Context, caName, keyFP, subjectFP string) error

	// ClearInProcess releases the advisory marker.
	ClearInProcess(ctx context.Context, caName, keyFP, subjectFP string) error

	// EnqueuePublish records a pending (publisher, certificate) publication.
	EnqueuePublish(ctx context.Context, caName, publisher string, certID int64) error

	// PublishQueuePage returns queued publications, ascending by id.
	PublishQueuePage(ctx context.Context, caName string, limit int) ([]*PublishEntry, error)

	// RemovePublishEntry removes a queue entry after successful delivery.
	RemovePublishEntry(ctx context.Context, id int64) error

	// BumpPublishAttempts increments a queue entry's attempt counter.
	BumpPublishAttempts(ctx context.Context, id int64) error

	// PublishQueueDepth returns the number of queued publications.
	PublishQueueDepth(ctx context.Context, caName string) (int, error)

	// StoreCRL persists a generated CRL and sets rec.ID.
	StoreCRL(ctx context.Context, rec *CRLRecord) error

	// LastCRL returns the most recent CRL (full or delta).
	LastCRL(ctx context.Context, caName string) (*CRLRecord, error)

	// LastFullCRL returns the most recent full CRL.
	LastFullCRL(ctx context.Context, caName string) (*CRLRecord, error)

	// CRLByNumber returns the CRL with the given CRL number.
	CRLByNumber(ctx context.Context, caName string, number int64) (*CRLRecord, error)

	// PurgeCRLs removes old CRLs, keeping the most recent keep entries.
	PurgeCRLs(ctx context.Context, caName string, keep int) error
}

package cmp

import (
	"bytes"
	"math/big"
	"sync"
	"time"

	"github.com/remiblancher/cmp-ca/internal/ca"
	"github.com/remiblancher/cmp-ca/internal/metrics"
)

// Pending is one issued certificate awaiting client confirmation.
type Pending struct {
	CAName        string
	TransactionID string
	CertReqID     int64
	Serial        *big.Int
	CertHash      []byte // SHA-256 of the DER
	Deadline      time.Time
}

type pendingKey struct {
	transactionID string
	certReqID     int64
}

// PendingPool tracks issued-but-unconfirmed certificates. Entries leave
// the pool exactly once: by confirmation, by rejection, or by the
// expiry sweep. Whoever takes the entry owns the follow-up revocation.
type PendingPool struct {
	mu      sync.Mutex
	entries map[pendingKey]*Pending
}

// NewPendingPool creates an empty pool.
func NewPendingPool() *PendingPool {
	return &PendingPool{entries: make(map[pendingKey]*Pending)}
}

// Add registers an issued certificate awaiting confirmation.
func (p *PendingPool) Add(entry *Pending) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[pendingKey{entry.TransactionID, entry.CertReqID}] = entry
	metrics.PendingConfirmations.WithLabelValues(entry.CAName).Set(float64(p.countLocked(entry.CAName)))
}

// Confirm takes the entry for a confirmation. The certificate hash must
// match what was issued; a mismatch leaves the entry in the pool and
// returns BadCertID so the expiry sweep still covers it.
func (p *PendingPool) Confirm(transactionID string, certReqID int64, certHash []byte) (*Pending, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pendingKey{transactionID, certReqID}
	entry, ok := p.entries[key]
	if !ok {
		return nil, ca.Errf(ca.KindUnknownCert, "no pending certificate for transaction %s request %d", transactionID, certReqID)
	}
	if !bytes.Equal(entry.CertHash, certHash) {
		return nil, ca.Errf(ca.KindUnknownCert, "certificate hash mismatch for transaction %s", transactionID)
	}
	delete(p.entries, key)
	metrics.PendingConfirmations.WithLabelValues(entry.CAName).Set(float64(p.countLocked(entry.CAName)))
	return entry, nil
}

// Reject takes the entry for an explicit client rejection.
func (p *PendingPool) Reject(transactionID string, certReqID int64) (*Pending, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := pendingKey{transactionID, certReqID}
	entry, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	delete(p.entries, key)
	metrics.PendingConfirmations.WithLabelValues(entry.CAName).Set(float64(p.countLocked(entry.CAName)))
	return entry, true
}

// TakeUnreferenced takes every entry of a transaction whose certReqID is
// not in referenced. Entries a confirmation mentioned, settled or not,
// stay put; the caller revokes what comes back.
func (p *PendingPool) TakeUnreferenced(transactionID string, referenced map[int64]bool) []*Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	var taken []*Pending
	for key, entry := range p.entries {
		if key.transactionID == transactionID && !referenced[key.certReqID] {
			taken = append(taken, entry)
			delete(p.entries, key)
		}
	}
	for _, entry := range taken {
		metrics.PendingConfirmations.WithLabelValues(entry.CAName).Set(float64(p.countLocked(entry.CAName)))
	}
	return taken
}

// RemoveAll takes every entry of a transaction. Used when the client
// aborts with an error body; the caller revokes what comes back.
func (p *PendingPool) RemoveAll(transactionID string) []*Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	var taken []*Pending
	for key, entry := range p.entries {
		if key.transactionID == transactionID {
			taken = append(taken, entry)
			delete(p.entries, key)
		}
	}
	for _, entry := range taken {
		metrics.PendingConfirmations.WithLabelValues(entry.CAName).Set(float64(p.countLocked(entry.CAName)))
	}
	return taken
}

// TakeExpired removes and returns every entry whose deadline passed.
func (p *PendingPool) TakeExpired(now time.Time) []*Pending {
	p.mu.Lock()
	defer p.mu.Unlock()
	var expired []*Pending
	for key, entry := range p.entries {
		if entry.Deadline.Before(now) {
			expired = append(expired, entry)
			delete(p.entries, key)
		}
	}
	for _, entry := range expired {
		metrics.PendingConfirmations.WithLabelValues(entry.CAName).Set(float64(p.countLocked(entry.CAName)))
	}
	return expired
}

// Len returns the pool size.
func (p *PendingPool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

func (p *PendingPool) countLocked(caName string) int {
	n := 0
	for _, e := range p.entries {
		if e.CAName == caName {
			n++
		}
	}
	return n
}

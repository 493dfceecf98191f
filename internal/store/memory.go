package store

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory CertStore. It backs tests and throwaway
// deployments; durability comes from the SQL store.
//
// Error-injection fields force the next matching call to fail, so callers
// can exercise store-failure paths without a broken database.
type MemStore struct {
	mu sync.Mutex

	serials    map[string]int64
	crlNumbers map[string]int64
	certs      []*CertRecord
	crls       []*CRLRecord
	queue      []*PublishEntry
	delta      []*DeltaEntry
	inProcess  map[string]bool
	nextID     int64

	// Error injection.
	NextSerialErr     error
	AddCertificateErr error
	SetRevocationErr  error
	EnqueuePublishErr error
	StoreCRLErr       error

	// Calls records method names in invocation order.
	Calls []string
}

var _ CertStore = (*MemStore)(nil)

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		serials:    make(map[string]int64),
		crlNumbers: make(map[string]int64),
		inProcess:  make(map[string]bool),
	}
}

func (m *MemStore) record(method string) { m.Calls = append(m.Calls, method) }

func (m *MemStore) NextSerial(ctx context.Context, caName string) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("NextSerial")
	if m.NextSerialErr != nil {
		return nil, m.NextSerialErr
	}
	m.serials[caName]++
	return big.NewInt(m.serials[caName]), nil
}

func (m *MemStore) NextCRLNumber(ctx context.Context, caName string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("NextCRLNumber")
	m.crlNumbers[caName]++
	return m.crlNumbers[caName], nil
}

func (m *MemStore) AddCertificate(ctx context.Context, rec *CertRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("AddCertificate")
	if m.AddCertificateErr != nil {
		return m.AddCertificateErr
	}
	m.nextID++
	rec.ID = m.nextID
	cp := *rec
	m.certs = append(m.certs, &cp)
	return nil
}

func (m *MemStore) findBySerial(caName string, serial *big.Int) *CertRecord {
	for _, c := range m.certs {
		if c.CAName == caName && c.Serial.Cmp(serial) == 0 {
			return c
		}
	}
	return nil
}

func (m *MemStore) CertBySerial(ctx context.Context, caName string, serial *big.Int) (*CertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CertBySerial")
	if c := m.findBySerial(caName, serial); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) CertByID(ctx context.Context, id int64) (*CertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CertByID")
	for _, c := range m.certs {
		if c.ID == id {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) HasKeyFP(ctx context.Context, caName, keyFP string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("HasKeyFP")
	for _, c := range m.certs {
		if c.CAName == caName && c.KeyFP == keyFP {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) HasSubjectFP(ctx context.Context, caName, subjectFP string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("HasSubjectFP")
	for _, c := range m.certs {
		if c.CAName == caName && c.SubjectFP == subjectFP {
			return true, nil
		}
	}
	return false, nil
}

func (m *MemStore) LatestBySubjectFP(ctx context.Context, caName, subjectFP string) (*CertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LatestBySubjectFP")
	var latest *CertRecord
	for _, c := range m.certs {
		if c.CAName == caName && c.SubjectFP == subjectFP {
			if latest == nil || c.ID > latest.ID {
				latest = c
			}
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	cp := *latest
	return &cp, nil
}

func (m *MemStore) appendDelta(caName string, certID int64) {
	m.nextID++
	m.delta = append(m.delta, &DeltaEntry{
		ID:      m.nextID,
		CAName:  caName,
		CertID:  certID,
		AddedAt: time.Now().UTC(),
	})
}

func (m *MemStore) SetRevocation(ctx context.Context, caName string, serial *big.Int, rev Revocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("SetRevocation")
	if m.SetRevocationErr != nil {
		return m.SetRevocationErr
	}
	c := m.findBySerial(caName, serial)
	if c == nil {
		return ErrNotFound
	}
	cp := rev
	c.Revocation = &cp
	m.appendDelta(caName, c.ID)
	return nil
}

func (m *MemStore) ClearRevocation(ctx context.Context, caName string, serial *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ClearRevocation")
	c := m.findBySerial(caName, serial)
	if c == nil {
		return ErrNotFound
	}
	c.Revocation = nil
	m.appendDelta(caName, c.ID)
	return nil
}

func (m *MemStore) RemoveCertificate(ctx context.Context, caName string, serial *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RemoveCertificate")
	for i, c := range m.certs {
		if c.CAName == caName && c.Serial.Cmp(serial) == 0 {
			m.certs = append(m.certs[:i], m.certs[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) RevokedPage(ctx context.Context, caName string, notExpiredAt time.Time, afterID int64, limit int) ([]*CertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RevokedPage")
	var out []*CertRecord
	for _, c := range m.certs {
		if c.CAName != caName || c.Revocation == nil || c.ID <= afterID {
			continue
		}
		if c.NotAfter.Before(notExpiredAt) {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) DeltaPage(ctx context.Context, caName string, afterID int64, limit int) ([]*DeltaEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("DeltaPage")
	var out []*DeltaEntry
	for _, d := range m.delta {
		if d.CAName != caName || d.ID <= afterID {
			continue
		}
		cp := *d
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) ClearDeltaBefore(ctx context.Context, caName string, cutoff time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ClearDeltaBefore")
	kept := m.delta[:0]
	for _, d := range m.delta {
		if d.CAName == caName && d.AddedAt.Before(cutoff) {
			continue
		}
		kept = append(kept, d)
	}
	m.delta = kept
	return nil
}

func (m *MemStore) ExpiredBefore(ctx context.Context, caName string, cutoff time.Time, limit int) ([]*CertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ExpiredBefore")
	var out []*CertRecord
	for _, c := range m.certs {
		if c.CAName == caName && c.NotAfter.Before(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) HeldSince(ctx context.Context, caName string, cutoff time.Time, limit int) ([]*CertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("HeldSince")
	var out []*CertRecord
	for _, c := range m.certs {
		if c.CAName == caName && c.Revocation.OnHold() && c.Revocation.RevokedAt.Before(cutoff) {
			cp := *c
			out = append(out, &cp)
		}
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) CertPage(ctx context.Context, caName string, afterID int64, limit int) ([]*CertRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CertPage")
	var out []*CertRecord
	for _, c := range m.certs {
		if c.CAName != caName || c.ID <= afterID {
			continue
		}
		cp := *c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MemStore) MarkInProcess(ctx context.Context, caName, keyFP, subjectFP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("MarkInProcess")
	key := caName + "/" + keyFP + "/" + subjectFP
	if m.inProcess[key] {
		return ErrInProcess
	}
	m.inProcess[key] = true
	return nil
}

func (m *MemStore) ClearInProcess(ctx context.Context, caName, keyFP, subjectFP string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("ClearInProcess")
	delete(m.inProcess, caName+"/"+keyFP+"/"+subjectFP)
	return nil
}

func (m *MemStore) EnqueuePublish(ctx context.Context, caName, publisher string, certID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("EnqueuePublish")
	if m.EnqueuePublishErr != nil {
		return m.EnqueuePublishErr
	}
	m.nextID++
	m.queue = append(m.queue, &PublishEntry{
		ID:        m.nextID,
		CAName:    caName,
		Publisher: publisher,
		CertID:    certID,
		QueuedAt:  time.Now().UTC(),
	})
	return nil
}

func (m *MemStore) PublishQueuePage(ctx context.Context, caName string, limit int) ([]*PublishEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PublishQueuePage")
	var out []*PublishEntry
	for _, e := range m.queue {
		if e.CAName != caName {
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *MemStore) RemovePublishEntry(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("RemovePublishEntry")
	for i, e := range m.queue {
		if e.ID == id {
			m.queue = append(m.queue[:i], m.queue[i+1:]...)
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) BumpPublishAttempts(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("BumpPublishAttempts")
	for _, e := range m.queue {
		if e.ID == id {
			e.Attempts++
			return nil
		}
	}
	return ErrNotFound
}

func (m *MemStore) PublishQueueDepth(ctx context.Context, caName string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PublishQueueDepth")
	n := 0
	for _, e := range m.queue {
		if e.CAName == caName {
			n++
		}
	}
	return n, nil
}

func (m *MemStore) StoreCRL(ctx context.Context, rec *CRLRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("StoreCRL")
	if m.StoreCRLErr != nil {
		return m.StoreCRLErr
	}
	m.nextID++
	rec.ID = m.nextID
	cp := *rec
	m.crls = append(m.crls, &cp)
	return nil
}

func (m *MemStore) lastCRL(caName string, fullOnly bool) *CRLRecord {
	var last *CRLRecord
	for _, c := range m.crls {
		if c.CAName != caName {
			continue
		}
		if fullOnly && c.IsDelta() {
			continue
		}
		if last == nil || c.Number > last.Number {
			last = c
		}
	}
	return last
}

func (m *MemStore) LastCRL(ctx context.Context, caName string) (*CRLRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LastCRL")
	if c := m.lastCRL(caName, false); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) LastFullCRL(ctx context.Context, caName string) (*CRLRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("LastFullCRL")
	if c := m.lastCRL(caName, true); c != nil {
		cp := *c
		return &cp, nil
	}
	return nil, ErrNotFound
}

func (m *MemStore) CRLByNumber(ctx context.Context, caName string, number int64) (*CRLRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("CRLByNumber")
	for _, c := range m.crls {
		if c.CAName == caName && c.Number == number {
			cp := *c
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemStore) PurgeCRLs(ctx context.Context, caName string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record("PurgeCRLs")
	var own []*CRLRecord
	for _, c := range m.crls {
		if c.CAName == caName {
			own = append(own, c)
		}
	}
	if len(own) <= keep {
		return nil
	}
	sort.Slice(own, func(i, j int) bool { return own[i].Number > own[j].Number })
	drop := make(map[int64]bool)
	for _, c := range own[keep:] {
		drop[c.ID] = true
	}
	kept := m.crls[:0]
	for _, c := range m.crls {
		if !drop[c.ID] {
			kept = append(kept, c)
		}
	}
	m.crls = kept
	return nil
}

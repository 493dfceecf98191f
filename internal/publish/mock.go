package publish

import (
	"context"
	"sync"

	"github.com/remiblancher/cmp-ca/internal/store"
)

// Mock implements Publisher for tests without external systems.
// Error-injection fields force the matching call to fail.
type Mock struct {
	mu sync.Mutex

	NameValue      string
	AsyncValue     bool
	GoodCertsValue bool
	HealthyValue   bool

	AddedErr   error
	RevokedErr error
	RemovedErr error
	CRLErr     error

	// Calls records "method serial" strings in invocation order.
	Calls []string
}

var _ Publisher = (*Mock)(nil)

// NewMock creates a healthy synchronous mock publisher.
func NewMock(name string) *Mock {
	return &Mock{NameValue: name, GoodCertsValue: true, HealthyValue: true}
}

func (m *Mock) record(call string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, call)
}

// CallCount returns how many recorded calls start with prefix.
func (m *Mock) CallCount(prefix string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, c := range m.Calls {
		if len(c) >= len(prefix) && c[:len(prefix)] == prefix {
			n++
		}
	}
	return n
}

func (m *Mock) Name() string { return m.NameValue }

func (m *Mock) CertificateAdded(_ context.Context, rec *store.CertRecord) error {
	m.record("CertificateAdded " + rec.Serial.Text(16))
	return m.AddedErr
}

func (m *Mock) CertificateRevoked(_ context.Context, rec *store.CertRecord) error {
	m.record("CertificateRevoked " + rec.Serial.Text(16))
	return m.RevokedErr
}

func (m *Mock) CertificateUnrevoked(_ context.Context, rec *store.CertRecord) error {
	m.record("CertificateUnrevoked " + rec.Serial.Text(16))
	return nil
}

func (m *Mock) CertificateRemoved(_ context.Context, rec *store.CertRecord) error {
	m.record("CertificateRemoved " + rec.Serial.Text(16))
	return m.RemovedErr
}

func (m *Mock) CRLAdded(_ context.Context, caName string, _ []byte) error {
	m.record("CRLAdded " + caName)
	return m.CRLErr
}

func (m *Mock) CAAdded(_ context.Context, caName string, _ []byte) error {
	m.record("CAAdded " + caName)
	return nil
}

func (m *Mock) CARevoked(_ context.Context, caName string, _ store.Revocation) error {
	m.record("CARevoked " + caName)
	return nil
}

func (m *Mock) Async() bool { return m.AsyncValue }

func (m *Mock) PublishesGoodCerts() bool { return m.GoodCertsValue }

func (m *Mock) Healthy(context.Context) bool { return m.HealthyValue }

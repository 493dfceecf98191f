// Package publish defines the downstream publisher capability and its
// built-in implementations.
//
// Publishers are notified of certificate and CRL lifecycle events. They
// are never authoritative: the certificate store is written first, and a
// failing publisher degrades to a durable retry queue instead of failing
// the operation.
package publish

import (
	"context"
	"fmt"

	"github.com/remiblancher/cmp-ca/internal/store"
)

// Publisher receives certificate and CRL lifecycle events.
type Publisher interface {
	// Name identifies the publisher instance (queue entries reference it).
	Name() string

	// CertificateAdded is called for every newly issued certificate and
	// for queue retries.
	CertificateAdded(ctx context.Context, rec *store.CertRecord) error

	// CertificateRevoked is called when a certificate is revoked.
	CertificateRevoked(ctx context.Context, rec *store.CertRecord) error

	// CertificateUnrevoked is called when an on-hold certificate is
	// reactivated.
	CertificateUnrevoked(ctx context.Context, rec *store.CertRecord) error

	// CertificateRemoved is called when a certificate is removed.
	// Publishers must acknowledge removal; an error keeps the
	// certificate in the removal path.
	CertificateRemoved(ctx context.Context, rec *store.CertRecord) error

	// CRLAdded is called for every generated CRL.
	CRLAdded(ctx context.Context, caName string, crlDER []byte) error

	// CAAdded announces the CA certificate itself.
	CAAdded(ctx context.Context, caName string, certDER []byte) error

	// CARevoked announces revocation of the CA itself.
	CARevoked(ctx context.Context, caName string, rev store.Revocation) error

	// Async reports whether events must always go through the queue
	// instead of inline delivery.
	Async() bool

	// PublishesGoodCerts reports whether the publisher wants unrevoked
	// certificates. Revocation-only publishers return false.
	PublishesGoodCerts() bool

	// Healthy probes the publisher backend.
	Healthy(ctx context.Context) bool
}

// Factory constructs a publisher instance from its configuration.
type Factory func(name string, options map[string]string) (Publisher, error)

// Registry maps publisher type identifiers to factories. It is populated
// at startup and read-only afterwards.
type Registry struct {
	factories map[string]Factory
}

// NewRegistry creates a registry with the built-in publisher types.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("directory", NewDirectoryPublisher)
	r.Register("webhook", NewWebhookPublisher)
	return r
}

// Register adds a factory for a type identifier. Call during startup
// only; the registry is not safe for concurrent mutation.
func (r *Registry) Register(typeName string, f Factory) {
	r.factories[typeName] = f
}

// New constructs a publisher of the given type.
func (r *Registry) New(typeName, name string, options map[string]string) (Publisher, error) {
	f, ok := r.factories[typeName]
	if !ok {
		return nil, fmt.Errorf("unknown publisher type %q", typeName)
	}
	return f(name, options)
}

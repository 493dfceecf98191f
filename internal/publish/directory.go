package publish

import (
	"context"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"github.com/remiblancher/cmp-ca/internal/store"
)

// DirectoryPublisher mirrors certificates and CRLs into a filesystem
// directory, one PEM file per serial. It stands in for a directory
// service feed (LDAP, web mirror) and is synchronous.
type DirectoryPublisher struct {
	name string
	base string
}

var _ Publisher = (*DirectoryPublisher)(nil)

// NewDirectoryPublisher creates a directory publisher.
// Required option: "path".
func NewDirectoryPublisher(name string, options map[string]string) (Publisher, error) {
	base := options["path"]
	if base == "" {
		return nil, fmt.Errorf("directory publisher %s: option \"path\" is required", name)
	}
	if err := os.MkdirAll(base, 0755); err != nil {
		return nil, fmt.Errorf("directory publisher %s: %w", name, err)
	}
	return &DirectoryPublisher{name: name, base: base}, nil
}

func (p *DirectoryPublisher) Name() string { return p.name }

func (p *DirectoryPublisher) certPath(rec *store.CertRecord) string {
	return filepath.Join(p.base, rec.CAName+"-"+rec.Serial.Text(16)+".crt")
}

func (p *DirectoryPublisher) writePEM(path, blockType string, der []byte) error {
	data := pem.EncodeToMemory(&pem.Block{Type: blockType, Bytes: der})
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (p *DirectoryPublisher) CertificateAdded(_ context.Context, rec *store.CertRecord) error {
	if err := p.writePEM(p.certPath(rec), "CERTIFICATE", rec.Raw); err != nil {
		return fmt.Errorf("failed to publish certificate %s: %w", rec.Serial.Text(16), err)
	}
	return nil
}

func (p *DirectoryPublisher) CertificateRevoked(ctx context.Context, rec *store.CertRecord) error {
	// Revoked certificates stay published; consumers learn the state
	// from the CRL. Re-write to pick up any metadata change.
	return p.CertificateAdded(ctx, rec)
}

func (p *DirectoryPublisher) CertificateUnrevoked(ctx context.Context, rec *store.CertRecord) error {
	return p.CertificateAdded(ctx, rec)
}

func (p *DirectoryPublisher) CertificateRemoved(_ context.Context, rec *store.CertRecord) error {
	if err := os.Remove(p.certPath(rec)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove published certificate: %w", err)
	}
	return nil
}

func (p *DirectoryPublisher) CRLAdded(_ context.Context, caName string, crlDER []byte) error {
	path := filepath.Join(p.base, caName+".crl")
	if err := p.writePEM(path, "X509 CRL", crlDER); err != nil {
		return fmt.Errorf("failed to publish CRL: %w", err)
	}
	return nil
}

func (p *DirectoryPublisher) CAAdded(_ context.Context, caName string, certDER []byte) error {
	path := filepath.Join(p.base, caName+"-ca.crt")
	if err := p.writePEM(path, "CERTIFICATE", certDER); err != nil {
		return fmt.Errorf("failed to publish CA certificate: %w", err)
	}
	return nil
}

func (p *DirectoryPublisher) CARevoked(_ context.Context, caName string, _ store.Revocation) error {
	// The CRL carries the CA revocation; nothing extra to mirror.
	return nil
}

func (p *DirectoryPublisher) Async() bool { return false }

func (p *DirectoryPublisher) PublishesGoodCerts() bool { return true }

func (p *DirectoryPublisher) Healthy(_ context.Context) bool {
	info, err := os.Stat(p.base)
	return err == nil && info.IsDir()
}

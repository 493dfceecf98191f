//go:build !cgo

// Stub implementations when CGO is not available.
// HSM support via PKCS#11 requires CGO.
package crypto

import (
	"crypto"
	"fmt"
	"io"
)

// PKCS11Config locates a signing key inside an HSM token.
type PKCS11Config struct {
	ModulePath string
	SlotID     uint
	PIN        string
	KeyLabel   string
}

// PKCS11Signer is unavailable without CGO.
type PKCS11Signer struct{}

var _ Signer = (*PKCS11Signer)(nil)

// NewPKCS11Signer always fails without CGO.
func NewPKCS11Signer(cfg PKCS11Config) (*PKCS11Signer, error) {
	return nil, fmt.Errorf("PKCS#11 support requires CGO - rebuild with CGO_ENABLED=1")
}

func (s *PKCS11Signer) Algorithm() AlgorithmID { return "" }

func (s *PKCS11Signer) Public() crypto.PublicKey { return nil }

func (s *PKCS11Signer) Healthy() bool { return false }

func (s *PKCS11Signer) Sign(io.Reader, []byte, crypto.SignerOpts) ([]byte, error) {
	return nil, fmt.Errorf("PKCS#11 support requires CGO")
}

func (s *PKCS11Signer) Close() error { return nil }

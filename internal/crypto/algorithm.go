// Package crypto provides the signing primitives consumed by the CA core.
// It supports classical algorithms (ECDSA, Ed25519, RSA) and post-quantum
// ML-DSA via the cloudflare/circl library.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"fmt"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
)

// AlgorithmID identifies a cryptographic algorithm.
type AlgorithmID string

const (
	AlgECDSAP256 AlgorithmID = "ecdsa-p256"
	AlgECDSAP384 AlgorithmID = "ecdsa-p384"
	AlgEd25519   AlgorithmID = "ed25519"
	AlgRSA2048   AlgorithmID = "rsa-2048"
	AlgRSA4096   AlgorithmID = "rsa-4096"

	// AlgMLDSA65 is the FIPS 204 ML-DSA-65 post-quantum signature.
	AlgMLDSA65 AlgorithmID = "ml-dsa-65"
)

// IsValid reports whether the algorithm is supported.
func (a AlgorithmID) IsValid() bool {
	switch a {
	case AlgECDSAP256, AlgECDSAP384, AlgEd25519, AlgRSA2048, AlgRSA4096, AlgMLDSA65:
		return true
	}
	return false
}

// IsPQC reports whether the algorithm is post-quantum.
func (a AlgorithmID) IsPQC() bool { return a == AlgMLDSA65 }

// X509SignatureAlgorithm returns the x509 signature algorithm for
// classical algorithms, or 0 for algorithms the stdlib cannot express.
func (a AlgorithmID) X509SignatureAlgorithm() x509.SignatureAlgorithm {
	switch a {
	case AlgECDSAP256:
		return x509.ECDSAWithSHA256
	case AlgECDSAP384:
		return x509.ECDSAWithSHA384
	case AlgEd25519:
		return x509.PureEd25519
	case AlgRSA2048, AlgRSA4096:
		return x509.SHA256WithRSA
	default:
		return 0
	}
}

// AlgorithmOf infers the AlgorithmID from a public key.
func AlgorithmOf(pub crypto.PublicKey) (AlgorithmID, error) {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		switch k.Curve.Params().BitSize {
		case 256:
			return AlgECDSAP256, nil
		case 384:
			return AlgECDSAP384, nil
		}
		return "", fmt.Errorf("unsupported ECDSA curve: %s", k.Curve.Params().Name)
	case ed25519.PublicKey:
		return AlgEd25519, nil
	case *rsa.PublicKey:
		if k.Size() >= 512 {
			return AlgRSA4096, nil
		}
		return AlgRSA2048, nil
	case *mldsa65.PublicKey:
		return AlgMLDSA65, nil
	default:
		return "", fmt.Errorf("unsupported public key type: %T", pub)
	}
}

// SignMessage signs message with the signer, applying the same
// per-algorithm hashing convention Verify expects.
func SignMessage(signer crypto.Signer, message []byte) ([]byte, error) {
	switch signer.Public().(type) {
	case *ecdsa.PublicKey, *rsa.PublicKey:
		sum := sha256.Sum256(message)
		return signer.Sign(rand.Reader, sum[:], crypto.SHA256)
	case ed25519.PublicKey, *mldsa65.PublicKey:
		return signer.Sign(rand.Reader, message, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("unsupported public key type: %T", signer.Public())
	}
}

// Verify verifies a signature over message with the given public key.
// Classical algorithms hash with SHA-256/384 as appropriate; ML-DSA
// verifies the full message.
func Verify(pub crypto.PublicKey, message, signature []byte) bool {
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		sum := sha256.Sum256(message)
		return ecdsa.VerifyASN1(k, sum[:], signature)
	case ed25519.PublicKey:
		return ed25519.Verify(k, message, signature)
	case *rsa.PublicKey:
		sum := sha256.Sum256(message)
		return rsa.VerifyPKCS1v15(k, crypto.SHA256, sum[:], signature) == nil
	case *mldsa65.PublicKey:
		return mldsa65.Verify(k, message, nil, signature)
	default:
		return false
	}
}

package crypto

import (
	"crypto"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"os"

	"github.com/cloudflare/circl/sign/mldsa/mldsa65"
	"golang.org/x/crypto/scrypt"
)

// SoftwareSigner implements Signer with an in-memory private key.
type SoftwareSigner struct {
	alg  AlgorithmID
	priv crypto.PrivateKey
	pub  crypto.PublicKey
}

var _ Signer = (*SoftwareSigner)(nil)

// GenerateSoftwareSigner generates a fresh key pair for the algorithm.
func GenerateSoftwareSigner(alg AlgorithmID) (*SoftwareSigner, error) {
	var (
		priv crypto.PrivateKey
		pub  crypto.PublicKey
		err  error
	)
	switch alg {
	case AlgECDSAP256:
		k, e := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
		priv, pub, err = k, &k.PublicKey, e
	case AlgECDSAP384:
		k, e := ecdsa.GenerateKey(elliptic.P384(), rand.Reader)
		priv, pub, err = k, &k.PublicKey, e
	case AlgEd25519:
		p, k, e := ed25519.GenerateKey(rand.Reader)
		priv, pub, err = k, p, e
	case AlgRSA2048:
		k, e := rsa.GenerateKey(rand.Reader, 2048)
		priv, pub, err = k, &k.PublicKey, e
	case AlgRSA4096:
		k, e := rsa.GenerateKey(rand.Reader, 4096)
		priv, pub, err = k, &k.PublicKey, e
	case AlgMLDSA65:
		p, k, e := mldsa65.GenerateKey(rand.Reader)
		priv, pub, err = k, p, e
	default:
		return nil, fmt.Errorf("unsupported algorithm: %s", alg)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to generate %s key: %w", alg, err)
	}
	return &SoftwareSigner{alg: alg, priv: priv, pub: pub}, nil
}

// NewSoftwareSigner wraps an existing private key.
func NewSoftwareSigner(priv crypto.PrivateKey) (*SoftwareSigner, error) {
	signer, ok := priv.(crypto.Signer)
	if !ok {
		return nil, fmt.Errorf("private key type %T is not a signer", priv)
	}
	alg, err := AlgorithmOf(signer.Public())
	if err != nil {
		return nil, err
	}
	return &SoftwareSigner{alg: alg, priv: priv, pub: signer.Public()}, nil
}

// Algorithm returns the algorithm used by this signer.
func (s *SoftwareSigner) Algorithm() AlgorithmID { return s.alg }

// Public returns the public key.
func (s *SoftwareSigner) Public() crypto.PublicKey { return s.pub }

// Healthy always reports true for in-memory keys.
func (s *SoftwareSigner) Healthy() bool { return s.priv != nil }

// Sign signs the digest with the private key.
// For ML-DSA, digest is the full message (it hashes internally).
func (s *SoftwareSigner) Sign(random io.Reader, digest []byte, opts crypto.SignerOpts) ([]byte, error) {
	switch priv := s.priv.(type) {
	case *ecdsa.PrivateKey:
		return ecdsa.SignASN1(random, priv, digest)
	case ed25519.PrivateKey:
		// Ed25519 expects the full message, not a digest.
		return ed25519.Sign(priv, digest), nil
	case *rsa.PrivateKey:
		hash := crypto.SHA256
		if opts != nil && opts.HashFunc() != 0 {
			hash = opts.HashFunc()
		}
		return rsa.SignPKCS1v15(random, priv, hash, digest)
	case *mldsa65.PrivateKey:
		return priv.Sign(random, digest, crypto.Hash(0))
	default:
		return nil, fmt.Errorf("unsupported private key type: %T", priv)
	}
}

const (
	keyPEMType       = "ENCRYPTED CA KEY"
	scryptN          = 1 << 15
	scryptR          = 8
	scryptP          = 1
	scryptSaltLength = 16
)

// SavePrivateKey writes the private key to path, encrypted with a key
// derived from passphrase via scrypt and sealed with AES-256-GCM.
// ML-DSA keys use circl's binary marshalling; others use PKCS#8.
func (s *SoftwareSigner) SavePrivateKey(path string, passphrase []byte) error {
	var der []byte
	var err error
	if k, ok := s.priv.(*mldsa65.PrivateKey); ok {
		der, err = k.MarshalBinary()
	} else {
		der, err = x509.MarshalPKCS8PrivateKey(s.priv)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal private key: %w", err)
	}

	salt := make([]byte, scryptSaltLength)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("failed to generate salt: %w", err)
	}
	aead, err := newKeyAEAD(passphrase, salt)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("failed to generate nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, der, nil)

	block := &pem.Block{
		Type: keyPEMType,
		Headers: map[string]string{
			"Algorithm": string(s.alg),
		},
		Bytes: append(append(salt, nonce...), sealed...),
	}
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0600); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return nil
}

// LoadSoftwareSigner reads and decrypts a private key written by
// SavePrivateKey.
func LoadSoftwareSigner(path string, passphrase []byte) (*SoftwareSigner, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != keyPEMType {
		return nil, fmt.Errorf("no %s block in %s", keyPEMType, path)
	}
	alg := AlgorithmID(block.Headers["Algorithm"])
	if !alg.IsValid() {
		return nil, fmt.Errorf("unknown key algorithm %q", block.Headers["Algorithm"])
	}
	if len(block.Bytes) < scryptSaltLength+12 {
		return nil, fmt.Errorf("truncated key material in %s", path)
	}
	salt := block.Bytes[:scryptSaltLength]
	aead, err := newKeyAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	rest := block.Bytes[scryptSaltLength:]
	nonce, sealed := rest[:aead.NonceSize()], rest[aead.NonceSize():]
	der, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt private key (wrong passphrase?): %w", err)
	}

	if alg == AlgMLDSA65 {
		k := new(mldsa65.PrivateKey)
		if err := k.UnmarshalBinary(der); err != nil {
			return nil, fmt.Errorf("failed to parse ML-DSA key: %w", err)
		}
		return &SoftwareSigner{alg: alg, priv: k, pub: k.Public()}, nil
	}
	priv, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return NewSoftwareSigner(priv)
}

func newKeyAEAD(passphrase, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key(passphrase, salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(blk)
	if err != nil {
		return nil, fmt.Errorf("failed to init GCM: %w", err)
	}
	return aead, nil
}

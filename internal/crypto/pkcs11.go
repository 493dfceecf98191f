//go:build cgo

// This file implements the HSM-backed signer via PKCS#11.
package crypto

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"encoding/asn1"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/miekg/pkcs11"
)

// PKCS11Config locates a signing key inside an HSM token.
type PKCS11Config struct {
	// ModulePath is the path to the PKCS#11 module (.so/.dylib/.dll).
	ModulePath string

	// SlotID is the slot holding the token.
	SlotID uint

	// PIN is the user PIN for the token.
	PIN string

	// KeyLabel is the CKA_LABEL of the key pair.
	KeyLabel string
}

// PKCS11Signer implements Signer on top of an HSM session.
// Only ECDSA keys are supported; the HSM signs raw digests and the
// signature is re-encoded as ASN.1 for x509.
type PKCS11Signer struct {
	mu      sync.Mutex
	ctx     *pkcs11.Ctx
	session pkcs11.SessionHandle
	privH   pkcs11.ObjectHandle
	alg     AlgorithmID
	pub     crypto.PublicKey
	closed  bool
}

var _ Signer = (*PKCS11Signer)(nil)

// NewPKCS11Signer opens a session, logs in and locates the key pair.
func NewPKCS11Signer(cfg PKCS11Config) (*PKCS11Signer, error) {
	ctx := pkcs11.New(cfg.ModulePath)
	if ctx == nil {
		return nil, fmt.Errorf("failed to load PKCS#11 module: %s", cfg.ModulePath)
	}
	if err := ctx.Initialize(); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_CRYPTOKI_ALREADY_INITIALIZED {
			ctx.Destroy()
			return nil, fmt.Errorf("failed to initialize PKCS#11 module: %w", err)
		}
	}
	session, err := ctx.OpenSession(cfg.SlotID, pkcs11.CKF_SERIAL_SESSION|pkcs11.CKF_RW_SESSION)
	if err != nil {
		ctx.Destroy()
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	if err := ctx.Login(session, pkcs11.CKU_USER, cfg.PIN); err != nil {
		if p11err, ok := err.(pkcs11.Error); !ok || p11err != pkcs11.CKR_USER_ALREADY_LOGGED_IN {
			ctx.CloseSession(session)
			ctx.Destroy()
			return nil, fmt.Errorf("failed to login: %w", err)
		}
	}

	s := &PKCS11Signer{ctx: ctx, session: session}
	if err := s.loadKeyPair(cfg.KeyLabel); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *PKCS11Signer) findObject(class uint, label string) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, class),
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, label),
	}
	if err := s.ctx.FindObjectsInit(s.session, template); err != nil {
		return 0, fmt.Errorf("failed to init object search: %w", err)
	}
	defer s.ctx.FindObjectsFinal(s.session)
	handles, _, err := s.ctx.FindObjects(s.session, 1)
	if err != nil {
		return 0, fmt.Errorf("failed to search objects: %w", err)
	}
	if len(handles) == 0 {
		return 0, fmt.Errorf("no object with label %q", label)
	}
	return handles[0], nil
}

func (s *PKCS11Signer) loadKeyPair(label string) error {
	privH, err := s.findObject(pkcs11.CKO_PRIVATE_KEY, label)
	if err != nil {
		return err
	}
	pubH, err := s.findObject(pkcs11.CKO_PUBLIC_KEY, label)
	if err != nil {
		return err
	}
	attrs, err := s.ctx.GetAttributeValue(s.session, pubH, []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_EC_POINT, nil),
	})
	if err != nil {
		return fmt.Errorf("failed to read EC point: %w", err)
	}
	var point []byte
	if _, err := asn1.Unmarshal(attrs[0].Value, &point); err != nil {
		// Some modules return the raw point without the OCTET STRING wrapper.
		point = attrs[0].Value
	}
	var curve elliptic.Curve
	switch len(point) {
	case 65:
		curve = elliptic.P256()
	case 97:
		curve = elliptic.P384()
	default:
		return fmt.Errorf("unsupported EC point length %d", len(point))
	}
	x, y := elliptic.Unmarshal(curve, point)
	if x == nil {
		return fmt.Errorf("failed to decode EC point")
	}
	s.privH = privH
	s.pub = &ecdsa.PublicKey{Curve: curve, X: x, Y: y}
	s.alg = AlgECDSAP256
	if curve == elliptic.P384() {
		s.alg = AlgECDSAP384
	}
	return nil
}

// Algorithm returns the algorithm used by this signer.
func (s *PKCS11Signer) Algorithm() AlgorithmID { return s.alg }

// Public returns the public key.
func (s *PKCS11Signer) Public() crypto.PublicKey { return s.pub }

// Healthy probes the session.
func (s *PKCS11Signer) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	_, err := s.ctx.GetSessionInfo(s.session)
	return err == nil
}

// Sign signs the digest using the HSM.
func (s *PKCS11Signer) Sign(_ io.Reader, digest []byte, _ crypto.SignerOpts) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, fmt.Errorf("signer is closed")
	}
	mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_ECDSA, nil)}
	if err := s.ctx.SignInit(s.session, mech, s.privH); err != nil {
		return nil, fmt.Errorf("failed to init signing: %w", err)
	}
	raw, err := s.ctx.Sign(s.session, digest)
	if err != nil {
		return nil, fmt.Errorf("failed to sign: %w", err)
	}
	// PKCS#11 returns r||s; x509 expects ASN.1 SEQUENCE.
	half := len(raw) / 2
	sig := struct{ R, S *big.Int }{
		R: new(big.Int).SetBytes(raw[:half]),
		S: new(big.Int).SetBytes(raw[half:]),
	}
	return asn1.Marshal(sig)
}

// Close logs out and closes the session.
func (s *PKCS11Signer) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ctx.Logout(s.session)
	s.ctx.CloseSession(s.session)
	s.ctx.Finalize()
	s.ctx.Destroy()
	return nil
}

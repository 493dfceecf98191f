package cmp

import (
	"crypto/sha256"
	"crypto/x509"
	"strings"

	"golang.org/x/crypto/pbkdf2"

	"github.com/remiblancher/cmp-ca/internal/ca"
)

// macIterations is the PBKDF2 iteration count for protection keys.
const macIterations = 10000

// Requestor is an authenticated protocol client with its permissions
// and per-CA profile access.
type Requestor struct {
	Name string

	// RA marks registration authorities; they may use raVerified proof
	// of possession and RA-only profiles.
	RA bool

	// Permissions gates which operations this requestor may invoke.
	Permissions ca.Permission

	// Profiles maps CA name to the profile names this requestor may
	// enroll under. The entry "all" is a wildcard.
	Profiles map[string][]string

	// Cert switches the requestor to signature protection: messages
	// are verified against this certificate instead of a MAC.
	Cert *x509.Certificate

	// macKey is the derived protection key.
	macKey []byte
}

// NewRequestor derives the protection key from the shared secret.
func NewRequestor(name, secret string, ra bool, perms ca.Permission, profiles map[string][]string) *Requestor {
	salt := sha256.Sum256([]byte("cmpca-requestor:" + name))
	return &Requestor{
		Name:        name,
		RA:          ra,
		Permissions: perms,
		Profiles:    profiles,
		macKey:      pbkdf2.Key([]byte(secret), salt[:], macIterations, 32, sha256.New),
	}
}

// NewCertRequestor registers a requestor whose messages carry signature
// protection under the given certificate.
func NewCertRequestor(name string, cert *x509.Certificate, ra bool, perms ca.Permission, profiles map[string][]string) *Requestor {
	return &Requestor{
		Name:        name,
		RA:          ra,
		Permissions: perms,
		Profiles:    profiles,
		Cert:        cert,
	}
}

// MACKey returns the derived protection key.
func (r *Requestor) MACKey() []byte { return r.macKey }

// AllowsProfile reports whether the requestor may enroll under the
// profile at the CA.
func (r *Requestor) AllowsProfile(caName, profile string) bool {
	names, ok := r.Profiles[caName]
	if !ok {
		return false
	}
	for _, n := range names {
		if strings.EqualFold(n, "all") || n == profile {
			return true
		}
	}
	return false
}

// Authenticator resolves and verifies message senders.
type Authenticator struct {
	requestors map[string]*Requestor
}

// NewAuthenticator builds an authenticator over a requestor set.
func NewAuthenticator(requestors ...*Requestor) *Authenticator {
	m := make(map[string]*Requestor, len(requestors))
	for _, r := range requestors {
		m[r.Name] = r
	}
	return &Authenticator{requestors: m}
}

// Authenticate verifies the message protection and returns the
// requestor. Certificate requestors carry a signature, everyone else a
// MAC under the derived key.
func (a *Authenticator) Authenticate(msg *Message) (*Requestor, error) {
	r, ok := a.requestors[msg.Header.Sender]
	if !ok {
		return nil, ca.Errf(ca.KindInsufficientPermission, "unknown requestor %q", msg.Header.Sender)
	}
	if r.Cert != nil {
		if !VerifySignatureProtection(msg, r.Cert.PublicKey) {
			return nil, ca.Errf(ca.KindInsufficientPermission, "signature protection verification failed for %q", msg.Header.Sender)
		}
		return r, nil
	}
	if !VerifyProtection(msg, r.macKey) {
		return nil, ca.Errf(ca.KindInsufficientPermission, "message protection verification failed for %q", msg.Header.Sender)
	}
	return r, nil
}

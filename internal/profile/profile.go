// Package profile provides certificate enrollment profiles.
//
// A profile defines the policy applied to one certificate request: which
// subject attributes are granted, what the public key must look like,
// which X.509 extensions the certificate carries, and how long it lives.
// The issuing CA combines profile flags with its own policy (the stricter
// side wins for duplicate checks and validity).
package profile

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509/pkix"
	"fmt"
	"net"
	"sort"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"
)

// Profile defines a certificate type.
type Profile struct {
	// Name is the unique identifier for this profile.
	Name string `yaml:"name"`

	// Description provides a human-readable description.
	Description string `yaml:"description,omitempty"`

	// Validity is the certificate validity period.
	Validity time.Duration `yaml:"validity"`

	// Backdate shifts notBefore into the past to absorb clock skew.
	Backdate time.Duration `yaml:"backdate,omitempty"`

	// MaxLifetime caps the granted lifetime regardless of Validity.
	// Zero means no profile-level cap.
	MaxLifetime time.Duration `yaml:"maxLifetime,omitempty"`

	// SnapToMidnight aligns notBefore to 00:00 in TimeZone.
	SnapToMidnight bool   `yaml:"snapToMidnight,omitempty"`
	TimeZone       string `yaml:"timeZone,omitempty"`

	// RAOnly restricts enrollment under this profile to RA requestors.
	RAOnly bool `yaml:"raOnly,omitempty"`

	// AllowSubjectSerial permits an explicit serialNumber subject attribute.
	AllowSubjectSerial bool `yaml:"allowSubjectSerial,omitempty"`

	// AllowDuplicateKeys permits re-enrolling an already certified key.
	AllowDuplicateKeys bool `yaml:"allowDuplicateKeys,omitempty"`

	// AllowDuplicateSubjects permits re-enrolling an already certified subject.
	AllowDuplicateSubjects bool `yaml:"allowDuplicateSubjects,omitempty"`

	// AutoIncrementSubject resolves subject collisions by bumping an
	// embedded serialNumber attribute instead of rejecting.
	AutoIncrementSubject bool `yaml:"autoIncrementSubject,omitempty"`

	// Subject configures granted subject attributes.
	Subject *SubjectConfig `yaml:"subject,omitempty"`

	// Key constrains the subject public key.
	Key *KeyConfig `yaml:"key,omitempty"`

	// Extensions defines X.509 extensions with configurable criticality.
	Extensions *ExtensionsConfig `yaml:"extensions,omitempty"`
}

// SubjectConfig defines subject DN policy.
type SubjectConfig struct {
	// Fixed attributes override whatever was requested (e.g. o, c).
	Fixed map[string]string `yaml:"fixed,omitempty"`

	// Allowed lists the requestable attribute keys (cn, o, ou, c, l, st,
	// serialNumber). Empty means all are allowed.
	Allowed []string `yaml:"allowed,omitempty"`

	// RequireCN rejects requests without a common name.
	RequireCN bool `yaml:"requireCN,omitempty"`
}

// KeyConfig constrains the subject public key.
type KeyConfig struct {
	// Algorithms lists acceptable key algorithms: "ecdsa", "ed25519", "rsa".
	// Empty means all are acceptable.
	Algorithms []string `yaml:"algorithms,omitempty"`

	// MinRSABits rejects small RSA keys. Default 2048 when RSA is allowed.
	MinRSABits int `yaml:"minRSABits,omitempty"`
}

// Validate checks that the profile configuration is valid.
func (p *Profile) Validate() error {
	if p.Name == "" {
		return fmt.Errorf("profile name is required")
	}
	if p.Validity <= 0 {
		return fmt.Errorf("validity must be positive")
	}
	if p.SnapToMidnight && p.TimeZone != "" {
		if _, err := time.LoadLocation(p.TimeZone); err != nil {
			return fmt.Errorf("invalid time zone %q: %w", p.TimeZone, err)
		}
	}
	if p.Extensions != nil {
		if err := p.Extensions.Validate(); err != nil {
			return fmt.Errorf("extensions: %w", err)
		}
	}
	return nil
}

// Location returns the profile time zone, defaulting to UTC.
func (p *Profile) Location() *time.Location {
	if p.TimeZone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.TimeZone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GrantSubject computes the granted subject from the requested one.
// Fixed attributes override requested values; attributes outside the
// allowed set are dropped. The granted subject may be empty only if the
// request was empty, which the CA rejects.
func (p *Profile) GrantSubject(requested pkix.Name) (pkix.Name, error) {
	granted := requested

	if p.Subject != nil {
		if len(p.Subject.Allowed) > 0 {
			allowed := make(map[string]bool, len(p.Subject.Allowed))
			for _, a := range p.Subject.Allowed {
				allowed[strings.ToLower(a)] = true
			}
			if !allowed["cn"] {
				granted.CommonName = ""
			}
			if !allowed["o"] {
				granted.Organization = nil
			}
			if !allowed["ou"] {
				granted.OrganizationalUnit = nil
			}
			if !allowed["c"] {
				granted.Country = nil
			}
			if !allowed["l"] {
				granted.Locality = nil
			}
			if !allowed["st"] {
				granted.Province = nil
			}
			if !allowed["serialnumber"] {
				granted.SerialNumber = ""
			}
		}
		for _, kv := range sortedFixed(p.Subject.Fixed) {
			switch strings.ToLower(kv.key) {
			case "cn":
				granted.CommonName = kv.value
			case "o":
				granted.Organization = []string{kv.value}
			case "ou":
				granted.OrganizationalUnit = []string{kv.value}
			case "c":
				granted.Country = []string{kv.value}
			case "l":
				granted.Locality = []string{kv.value}
			case "st":
				granted.Province = []string{kv.value}
			case "serialnumber":
				granted.SerialNumber = kv.value
			default:
				return pkix.Name{}, fmt.Errorf("unsupported fixed subject attribute %q", kv.key)
			}
		}
		if p.Subject.RequireCN && granted.CommonName == "" {
			return pkix.Name{}, fmt.Errorf("common name is required")
		}
	}

	return granted, nil
}

type fixedKV struct{ key, value string }

// sortedFixed returns fixed attributes in deterministic order.
func sortedFixed(fixed map[string]string) []fixedKV {
	out := make([]fixedKV, 0, len(fixed))
	for k, v := range fixed {
		out = append(out, fixedKV{key: k, value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].key < out[j].key })
	return out
}

// CheckPublicKey validates the requested public key against the profile
// key policy.
func (p *Profile) CheckPublicKey(pub crypto.PublicKey) error {
	if p.Key == nil {
		return nil
	}

	var family string
	switch k := pub.(type) {
	case *ecdsa.PublicKey:
		family = "ecdsa"
	case ed25519.PublicKey:
		family = "ed25519"
	case *rsa.PublicKey:
		family = "rsa"
		minBits := p.Key.MinRSABits
		if minBits == 0 {
			minBits = 2048
		}
		if k.N.BitLen() < minBits {
			return fmt.Errorf("RSA key too small: %d bits (minimum %d)", k.N.BitLen(), minBits)
		}
	default:
		family = fmt.Sprintf("%T", pub)
	}

	if len(p.Key.Algorithms) == 0 {
		return nil
	}
	for _, a := range p.Key.Algorithms {
		if strings.EqualFold(a, family) {
			return nil
		}
	}
	return fmt.Errorf("key algorithm %s not allowed by profile %s", family, p.Name)
}

// CheckDNSNames validates requested DNS SANs: each must be a registrable
// name under a public suffix, never a bare suffix or an IP literal.
func (p *Profile) CheckDNSNames(names []string) error {
	for _, name := range names {
		host := strings.TrimSuffix(strings.ToLower(name), ".")
		if host == "" {
			return fmt.Errorf("empty DNS name")
		}
		if net.ParseIP(host) != nil {
			return fmt.Errorf("IP address %q not allowed as DNS name", name)
		}
		suffix, _ := publicsuffix.PublicSuffix(host)
		if suffix == host {
			return fmt.Errorf("DNS name %q is a bare public suffix", name)
		}
	}
	return nil
}

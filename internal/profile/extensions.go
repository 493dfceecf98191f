package profile

import (
	"crypto/x509"
	"fmt"
	"net"
	"strings"
)

// ExtensionsConfig holds the configurable X.509 certificate extensions.
// Each extension can specify its criticality explicitly; when it does
// not, RFC 5280 defaults apply.
type ExtensionsConfig struct {
	KeyUsage              *KeyUsageConfig              `yaml:"keyUsage,omitempty"`
	ExtKeyUsage           *ExtKeyUsageConfig           `yaml:"extKeyUsage,omitempty"`
	BasicConstraints      *BasicConstraintsConfig      `yaml:"basicConstraints,omitempty"`
	SubjectAltName        *SubjectAltNameConfig        `yaml:"subjectAltName,omitempty"`
	CRLDistributionPoints *CRLDistributionPointsConfig `yaml:"crlDistributionPoints,omitempty"`
	AuthorityInfoAccess   *AuthorityInfoAccessConfig   `yaml:"authorityInfoAccess,omitempty"`
}

// KeyUsageConfig configures the Key Usage extension (OID 2.5.29.15).
// RFC 5280: this extension MUST be critical when used.
type KeyUsageConfig struct {
	Critical *bool    `yaml:"critical,omitempty"`
	Values   []string `yaml:"values"`
}

// IsCritical returns the effective criticality (default true per RFC 5280).
func (c *KeyUsageConfig) IsCritical() bool {
	if c.Critical == nil {
		return true
	}
	return *c.Critical
}

// ToKeyUsage converts string values to x509.KeyUsage flags.
func (c *KeyUsageConfig) ToKeyUsage() (x509.KeyUsage, error) {
	var usage x509.KeyUsage
	for _, v := range c.Values {
		switch strings.ToLower(v) {
		case "digitalsignature", "digital-signature":
			usage |= x509.KeyUsageDigitalSignature
		case "contentcommitment", "content-commitment", "nonrepudiation", "non-repudiation":
			usage |= x509.KeyUsageContentCommitment
		case "keyencipherment", "key-encipherment":
			usage |= x509.KeyUsageKeyEncipherment
		case "dataencipherment", "data-encipherment":
			usage |= x509.KeyUsageDataEncipherment
		case "keyagreement", "key-agreement":
			usage |= x509.KeyUsageKeyAgreement
		case "certsign", "cert-sign", "keycertsign", "key-cert-sign":
			usage |= x509.KeyUsageCertSign
		case "crlsign", "crl-sign":
			usage |= x509.KeyUsageCRLSign
		default:
			return 0, fmt.Errorf("unknown key usage: %s", v)
		}
	}
	return usage, nil
}

// ExtKeyUsageConfig configures the Extended Key Usage extension (OID 2.5.29.37).
type ExtKeyUsageConfig struct {
	Critical *bool    `yaml:"critical,omitempty"`
	Values   []string `yaml:"values"`
}

// IsCritical returns the effective criticality (default false).
func (c *ExtKeyUsageConfig) IsCritical() bool {
	if c.Critical == nil {
		return false
	}
	return *c.Critical
}

// ToExtKeyUsage converts string values to x509.ExtKeyUsage values.
func (c *ExtKeyUsageConfig) ToExtKeyUsage() ([]x509.ExtKeyUsage, error) {
	var usages []x509.ExtKeyUsage
	for _, v := range c.Values {
		switch strings.ToLower(v) {
		case "serverauth", "server-auth":
			usages = append(usages, x509.ExtKeyUsageServerAuth)
		case "clientauth", "client-auth":
			usages = append(usages, x509.ExtKeyUsageClientAuth)
		case "codesigning", "code-signing":
			usages = append(usages, x509.ExtKeyUsageCodeSigning)
		case "emailprotection", "email-protection":
			usages = append(usages, x509.ExtKeyUsageEmailProtection)
		case "timestamping", "time-stamping":
			usages = append(usages, x509.ExtKeyUsageTimeStamping)
		case "ocspsigning", "ocsp-signing":
			usages = append(usages, x509.ExtKeyUsageOCSPSigning)
		case "any":
			usages = append(usages, x509.ExtKeyUsageAny)
		default:
			return nil, fmt.Errorf("unknown extended key usage: %s", v)
		}
	}
	return usages, nil
}

// BasicConstraintsConfig configures Basic Constraints (OID 2.5.29.19).
// RFC 5280: this extension MUST be critical for CA certificates.
type BasicConstraintsConfig struct {
	Critical *bool `yaml:"critical,omitempty"`
	CA       bool  `yaml:"ca"`
	// PathLen limits the chain below a CA certificate; nil means no limit.
	PathLen *int `yaml:"pathLen,omitempty"`
}

// IsCritical returns the effective criticality (default true per RFC 5280).
func (c *BasicConstraintsConfig) IsCritical() bool {
	if c.Critical == nil {
		return true
	}
	return *c.Critical
}

// SubjectAltNameConfig constrains which SAN types a request may carry.
type SubjectAltNameConfig struct {
	Critical *bool `yaml:"critical,omitempty"`
	// AllowDNS/AllowIP/AllowEmail gate the SAN types copied from the request.
	AllowDNS   bool `yaml:"allowDNS"`
	AllowIP    bool `yaml:"allowIP"`
	AllowEmail bool `yaml:"allowEmail"`
}

// CRLDistributionPointsConfig configures CRL DP URLs (OID 2.5.29.31).
type CRLDistributionPointsConfig struct {
	URLs []string `yaml:"urls"`
}

// AuthorityInfoAccessConfig configures AIA (OID 1.3.6.1.5.5.7.1.1).
type AuthorityInfoAccessConfig struct {
	OCSPServers []string `yaml:"ocsp,omitempty"`
	IssuerURLs  []string `yaml:"caIssuers,omitempty"`
}

// Validate checks the extension configuration.
func (e *ExtensionsConfig) Validate() error {
	if e.KeyUsage != nil {
		if _, err := e.KeyUsage.ToKeyUsage(); err != nil {
			return err
		}
	}
	if e.ExtKeyUsage != nil {
		if _, err := e.ExtKeyUsage.ToExtKeyUsage(); err != nil {
			return err
		}
	}
	return nil
}

// RequestedSANs carries the SAN values from an enrollment request.
type RequestedSANs struct {
	DNSNames       []string
	IPAddresses    []net.IP
	EmailAddresses []string
}

// Apply writes the configured extensions onto the certificate template.
// SAN values come from the request and pass through the profile gates.
func (e *ExtensionsConfig) Apply(template *x509.Certificate, sans RequestedSANs) error {
	if e.KeyUsage != nil {
		usage, err := e.KeyUsage.ToKeyUsage()
		if err != nil {
			return err
		}
		template.KeyUsage = usage
	}
	if e.ExtKeyUsage != nil {
		usages, err := e.ExtKeyUsage.ToExtKeyUsage()
		if err != nil {
			return err
		}
		template.ExtKeyUsage = usages
	}
	if e.BasicConstraints != nil {
		template.BasicConstraintsValid = true
		template.IsCA = e.BasicConstraints.CA
		if e.BasicConstraints.PathLen != nil {
			template.MaxPathLen = *e.BasicConstraints.PathLen
			template.MaxPathLenZero = *e.BasicConstraints.PathLen == 0
		}
	}
	if e.SubjectAltName != nil {
		if e.SubjectAltName.AllowDNS {
			template.DNSNames = sans.DNSNames
		}
		if e.SubjectAltName.AllowIP {
			template.IPAddresses = sans.IPAddresses
		}
		if e.SubjectAltName.AllowEmail {
			template.EmailAddresses = sans.EmailAddresses
		}
	}
	if e.CRLDistributionPoints != nil {
		template.CRLDistributionPoints = e.CRLDistributionPoints.URLs
	}
	if e.AuthorityInfoAccess != nil {
		template.OCSPServer = e.AuthorityInfoAccess.OCSPServers
		template.IssuingCertificateURL = e.AuthorityInfoAccess.IssuerURLs
	}
	return nil
}

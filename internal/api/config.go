// Package api provides the HTTP front of the CA: configuration loading,
// the chi router serving the protocol and CRL endpoints, and the server
// lifecycle.
package api

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/remiblancher/cmp-ca/internal/ca"
)

// Config is the daemon configuration.
type Config struct {
	Server     ServerConfig      `yaml:"server"`
	Storage    StorageConfig     `yaml:"storage"`
	AuditLog   string            `yaml:"auditLog"`
	CAs        []CAConfig        `yaml:"cas"`
	Requestors []RequestorConfig `yaml:"requestors"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Address         string        `yaml:"address"`
	ReadTimeout     time.Duration `yaml:"readTimeout"`
	WriteTimeout    time.Duration `yaml:"writeTimeout"`
	IdleTimeout     time.Duration `yaml:"idleTimeout"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout"`
	TLSCert         string        `yaml:"tlsCert"`
	TLSKey          string        `yaml:"tlsKey"`
	Metrics         bool          `yaml:"metrics"`
}

// StorageConfig selects the certificate store backend.
type StorageConfig struct {
	// Driver is "sqlite" or "memory".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// CAConfig wires one CA: key material, profiles, policy and publishers.
type CAConfig struct {
	Name  string `yaml:"name"`
	Alias string `yaml:"alias"`

	Certificate string `yaml:"certificate"`
	Key         string `yaml:"key"`
	// KeyPassphraseEnv names the environment variable holding the key
	// passphrase; the passphrase itself never appears in the file.
	KeyPassphraseEnv string `yaml:"keyPassphraseEnv"`

	// CRLCertificate and CRLKey optionally delegate CRL signing.
	CRLCertificate string `yaml:"crlCertificate,omitempty"`
	CRLKey         string `yaml:"crlKey,omitempty"`

	ProfilesDir string `yaml:"profilesDir"`

	Master bool `yaml:"master"`

	ValidityMode           string        `yaml:"validityMode"` // cutoff, strict, lax
	MaxValidity            time.Duration `yaml:"maxValidity"`
	AllowDuplicateKeys     bool          `yaml:"allowDuplicateKeys"`
	AllowDuplicateSubjects bool          `yaml:"allowDuplicateSubjects"`
	KeepExpiredDays        *int          `yaml:"keepExpiredDays,omitempty"`
	HoldThreshold          time.Duration `yaml:"holdThreshold"`
	HoldReason             string        `yaml:"holdReason"`
	ConfirmWait            time.Duration `yaml:"confirmWait"`
	Permissions            []string      `yaml:"permissions"`

	CRL CRLConfig `yaml:"crl"`

	Publishers []PublisherConfig `yaml:"publishers"`
}

// CRLConfig mirrors ca.CRLControl in configuration form.
type CRLConfig struct {
	Mode               string        `yaml:"mode"` // interval, daily, ondemand
	Interval           time.Duration `yaml:"interval"`
	DailyAt            string        `yaml:"dailyAt"` // "HH:MM", UTC
	Overlap            time.Duration `yaml:"overlap"`
	FullIntervals      int           `yaml:"fullIntervals"`
	DeltaIntervals     int           `yaml:"deltaIntervals"`
	ExtendedNextUpdate bool          `yaml:"extendedNextUpdate"`
	IncludeExpired     bool          `yaml:"includeExpired"`
	Scope              string        `yaml:"scope"`      // all, ca, user
	Invalidity         string        `yaml:"invalidity"` // forbidden, optional, required
	ExcludeReason      bool          `yaml:"excludeReason"`
	Keep               int           `yaml:"keep"`
	IncludeSerialSet   bool          `yaml:"includeSerialSet"`
}

// PublisherConfig instantiates one publisher.
type PublisherConfig struct {
	Name    string            `yaml:"name"`
	Type    string            `yaml:"type"`
	Options map[string]string `yaml:"options"`
}

// RequestorConfig declares one protocol client. A certificate path
// switches the requestor to signature protection; otherwise a shared
// secret (inline or from the environment) derives the MAC key.
type RequestorConfig struct {
	Name        string              `yaml:"name"`
	Secret      string              `yaml:"secret"`
	SecretEnv   string              `yaml:"secretEnv"`
	Certificate string              `yaml:"certificate"`
	RA          bool                `yaml:"ra"`
	Permissions []string            `yaml:"permissions"`
	Profiles    map[string][]string `yaml:"profiles"`
}

// LoadConfig reads and validates a configuration file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Server.Address == "" {
		c.Server.Address = ":8700"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 30 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 30 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 120 * time.Second
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "sqlite"
	}
}

// Validate checks the configuration for consistency.
func (c *Config) Validate() error {
	if len(c.CAs) == 0 {
		return fmt.Errorf("at least one CA is required")
	}
	seen := make(map[string]bool)
	for i := range c.CAs {
		cc := &c.CAs[i]
		if cc.Name == "" {
			return fmt.Errorf("ca[%d]: name is required", i)
		}
		if cc.Alias == "" {
			cc.Alias = cc.Name
		}
		if seen[cc.Alias] {
			return fmt.Errorf("duplicate CA alias %q", cc.Alias)
		}
		seen[cc.Alias] = true
		if cc.Certificate == "" || cc.Key == "" {
			return fmt.Errorf("ca %q: certificate and key are required", cc.Name)
		}
		if _, err := cc.ParseValidityMode(); err != nil {
			return fmt.Errorf("ca %q: %w", cc.Name, err)
		}
		if _, err := cc.CRL.Control(); err != nil {
			return fmt.Errorf("ca %q: %w", cc.Name, err)
		}
	}
	for i, rc := range c.Requestors {
		if rc.Name == "" {
			return fmt.Errorf("requestor[%d]: name is required", i)
		}
		if rc.Secret == "" && rc.SecretEnv == "" && rc.Certificate == "" {
			return fmt.Errorf("requestor %q: a secret, secretEnv or certificate is required", rc.Name)
		}
	}
	return nil
}

// ParseValidityMode resolves the validity mode string.
func (cc *CAConfig) ParseValidityMode() (ca.ValidityMode, error) {
	switch strings.ToLower(cc.ValidityMode) {
	case "", "cutoff":
		return ca.ValidityCutoff, nil
	case "strict":
		return ca.ValidityStrict, nil
	case "lax":
		return ca.ValidityLax, nil
	default:
		return 0, fmt.Errorf("unknown validity mode %q", cc.ValidityMode)
	}
}

// ParsePermissions resolves permission names to the bitmask. Empty
// means all operations.
func ParsePermissions(names []string) (ca.Permission, error) {
	if len(names) == 0 {
		return ca.PermAll, nil
	}
	var p ca.Permission
	for _, n := range names {
		switch strings.ToLower(n) {
		case "all":
			p |= ca.PermAll
		case "enroll":
			p |= ca.PermEnrollCert
		case "keyupdate":
			p |= ca.PermKeyUpdate
		case "crosscert":
			p |= ca.PermCrossCertEnroll
		case "revoke":
			p |= ca.PermRevokeCert
		case "unrevoke":
			p |= ca.PermUnrevokeCert
		case "remove":
			p |= ca.PermRemoveCert
		case "getcrl":
			p |= ca.PermGetCRL
		case "gencrl":
			p |= ca.PermGenCRL
		default:
			return 0, fmt.Errorf("unknown permission %q", n)
		}
	}
	return p, nil
}

// Control resolves the CRL configuration into the runtime policy.
func (cc *CRLConfig) Control() (ca.CRLControl, error) {
	ctl := ca.CRLControl{
		Interval:           cc.Interval,
		Overlap:            cc.Overlap,
		FullIntervals:      cc.FullIntervals,
		DeltaIntervals:     cc.DeltaIntervals,
		ExtendedNextUpdate: cc.ExtendedNextUpdate,
		IncludeExpired:     cc.IncludeExpired,
		ExcludeReason:      cc.ExcludeReason,
		Keep:               cc.Keep,
		IncludeSerialSet:   cc.IncludeSerialSet,
	}

	switch strings.ToLower(cc.Mode) {
	case "", "ondemand", "on-demand":
		ctl.UpdateMode = ca.CRLOnDemand
	case "interval":
		if cc.Interval <= 0 {
			return ctl, fmt.Errorf("crl interval mode needs a positive interval")
		}
		ctl.UpdateMode = ca.CRLInterval
	case "daily":
		ctl.UpdateMode = ca.CRLDaily
		hour, minute, err := parseDailyAt(cc.DailyAt)
		if err != nil {
			return ctl, err
		}
		ctl.DailyHour, ctl.DailyMinute = hour, minute
	default:
		return ctl, fmt.Errorf("unknown crl mode %q", cc.Mode)
	}

	switch strings.ToLower(cc.Scope) {
	case "", "all":
		ctl.Scope = ca.ScopeAll
	case "ca":
		ctl.Scope = ca.ScopeCAOnly
	case "user":
		ctl.Scope = ca.ScopeUserOnly
	default:
		return ctl, fmt.Errorf("unknown crl scope %q", cc.Scope)
	}

	switch strings.ToLower(cc.Invalidity) {
	case "", "forbidden":
		ctl.Invalidity = ca.InvalidityForbidden
	case "optional":
		ctl.Invalidity = ca.InvalidityOptional
	case "required":
		ctl.Invalidity = ca.InvalidityRequired
	default:
		return ctl, fmt.Errorf("unknown invalidity policy %q", cc.Invalidity)
	}

	return ctl, nil
}

func parseDailyAt(s string) (int, int, error) {
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, ":", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("dailyAt must be HH:MM, got %q", s)
	}
	hour, err := strconv.Atoi(parts[0])
	if err != nil || hour < 0 || hour > 23 {
		return 0, 0, fmt.Errorf("dailyAt must be HH:MM, got %q", s)
	}
	minute, err := strconv.Atoi(parts[1])
	if err != nil || minute < 0 || minute > 59 {
		return 0, 0, fmt.Errorf("dailyAt must be HH:MM, got %q", s)
	}
	return hour, minute, nil
}

// ResolveSecret returns the requestor secret, preferring the
// environment variable.
func (rc *RequestorConfig) ResolveSecret() (string, error) {
	if rc.SecretEnv != "" {
		secret := os.Getenv(rc.SecretEnv)
		if secret == "" {
			return "", fmt.Errorf("requestor %q: environment variable %s is empty", rc.Name, rc.SecretEnv)
		}
		return secret, nil
	}
	return rc.Secret, nil
}

// KeepExpired resolves the retention with its default of 30 days.
func (cc *CAConfig) KeepExpired() int {
	if cc.KeepExpiredDays == nil {
		return 30
	}
	return *cc.KeepExpiredDays
}

// ParseHoldReason resolves the hold-escalation target reason.
func (cc *CAConfig) ParseHoldReason() (ca.RevocationReason, error) {
	if cc.HoldReason == "" {
		return ca.ReasonSuperseded, nil
	}
	return ca.ParseRevocationReason(cc.HoldReason)
}

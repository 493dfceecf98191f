package api

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/remiblancher/cmp-ca/internal/ca"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "cmpca.yaml")
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

const minimalConfig = `
cas:
  - name: issuing-ca
    certificate: /etc/cmpca/ca.crt
    key: /etc/cmpca/ca.key
requestors:
  - name: alice
    secret: hunter2
`

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Server.Address != ":8700" {
		t.Errorf("Address = %q", cfg.Server.Address)
	}
	if cfg.Server.ReadTimeout != 30*time.Second {
		t.Errorf("ReadTimeout = %v", cfg.Server.ReadTimeout)
	}
	if cfg.Storage.Driver != "sqlite" {
		t.Errorf("Driver = %q", cfg.Storage.Driver)
	}
	// The alias defaults to the CA name.
	if cfg.CAs[0].Alias != "issuing-ca" {
		t.Errorf("Alias = %q", cfg.CAs[0].Alias)
	}
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"no CAs", "server:\n  address: :1234\n"},
		{"missing key material", "cas:\n  - name: x\n"},
		{"duplicate alias", `
cas:
  - name: a
    alias: shared
    certificate: c
    key: k
  - name: b
    alias: shared
    certificate: c
    key: k
`},
		{"bad validity mode", `
cas:
  - name: a
    certificate: c
    key: k
    validityMode: sideways
`},
		{"requestor without credentials", minimalConfig + "  - name: bob\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadConfig(writeConfig(t, tt.content)); err == nil {
				t.Error("LoadConfig() accepted an invalid configuration")
			}
		})
	}
}

func TestLoadConfig_CertificateRequestor(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig+"  - name: dave\n    certificate: /etc/cmpca/dave.crt\n"))
	if err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Requestors[1].Certificate != "/etc/cmpca/dave.crt" {
		t.Errorf("Certificate = %q", cfg.Requestors[1].Certificate)
	}
}

func TestParsePermissions(t *testing.T) {
	p, err := ParsePermissions(nil)
	if err != nil || p != ca.PermAll {
		t.Errorf("ParsePermissions(nil) = %v, %v, want PermAll", p, err)
	}

	p, err = ParsePermissions([]string{"enroll", "getcrl"})
	if err != nil {
		t.Fatalf("ParsePermissions() error = %v", err)
	}
	if !p.Allows(ca.PermEnrollCert) || !p.Allows(ca.PermGetCRL) {
		t.Errorf("permissions = %v, missing granted bits", p)
	}
	if p.Allows(ca.PermRevokeCert) {
		t.Error("revoke allowed without being granted")
	}

	if _, err := ParsePermissions([]string{"levitate"}); err == nil {
		t.Error("ParsePermissions() accepted an unknown permission")
	}
}

func TestCRLConfig_Control(t *testing.T) {
	ctl, err := (&CRLConfig{Mode: "interval", Interval: 6 * time.Hour, FullIntervals: 4, DeltaIntervals: 2, Scope: "user", Invalidity: "required"}).Control()
	if err != nil {
		t.Fatalf("Control() error = %v", err)
	}
	if ctl.UpdateMode != ca.CRLInterval || ctl.Interval != 6*time.Hour {
		t.Errorf("control = %+v", ctl)
	}
	if ctl.FullIntervals != 4 || ctl.DeltaIntervals != 2 {
		t.Errorf("cadence = %d/%d, want 4/2", ctl.FullIntervals, ctl.DeltaIntervals)
	}
	if ctl.Scope != ca.ScopeUserOnly || ctl.Invalidity != ca.InvalidityRequired {
		t.Errorf("scope/invalidity = %v/%v", ctl.Scope, ctl.Invalidity)
	}

	if _, err := (&CRLConfig{Mode: "interval"}).Control(); err == nil {
		t.Error("Control() accepted interval mode without an interval")
	}
	if _, err := (&CRLConfig{Mode: "daily", DailyAt: "25:00"}).Control(); err == nil {
		t.Error("Control() accepted an out-of-range dailyAt")
	}

	ctl, err = (&CRLConfig{Mode: "daily", DailyAt: "02:30"}).Control()
	if err != nil {
		t.Fatalf("Control() error = %v", err)
	}
	if ctl.UpdateMode != ca.CRLDaily || ctl.DailyHour != 2 || ctl.DailyMinute != 30 {
		t.Errorf("daily control = %+v", ctl)
	}
}

func TestRequestorConfig_ResolveSecret(t *testing.T) {
	rc := &RequestorConfig{Name: "alice", Secret: "inline"}
	secret, err := rc.ResolveSecret()
	if err != nil || secret != "inline" {
		t.Errorf("ResolveSecret() = %q, %v", secret, err)
	}

	t.Setenv("CMPCA_TEST_SECRET", "from-env")
	rc = &RequestorConfig{Name: "alice", Secret: "inline", SecretEnv: "CMPCA_TEST_SECRET"}
	secret, err = rc.ResolveSecret()
	if err != nil || secret != "from-env" {
		t.Errorf("ResolveSecret() = %q, %v, want env to win", secret, err)
	}

	rc = &RequestorConfig{Name: "alice", SecretEnv: "CMPCA_TEST_UNSET"}
	if _, err := rc.ResolveSecret(); err == nil {
		t.Error("ResolveSecret() accepted an empty environment variable")
	}
}

func TestCAConfig_KeepExpired(t *testing.T) {
	if got := (&CAConfig{}).KeepExpired(); got != 30 {
		t.Errorf("KeepExpired() default = %d, want 30", got)
	}
	neg := -1
	if got := (&CAConfig{KeepExpiredDays: &neg}).KeepExpired(); got != -1 {
		t.Errorf("KeepExpired() = %d, want -1", got)
	}
}

package ca

import (
	"context"
	"testing"
	"time"
)

func TestCA_SweepExpired_RemovesOldCertificates(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) { cfg.KeepExpiredDays = 30 })
	ctx := context.Background()

	issued := mustIssue(t, env, "old.example.com")
	serial := issued.Certificate.SerialNumber

	// Too recent: profile validity is 90 days, retention 30 more.
	env.setClock(testEpoch.Add(100 * 24 * time.Hour))
	if err := env.ca.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if _, err := env.store.CertBySerial(ctx, "test-ca", serial); err != nil {
		t.Fatalf("certificate purged before retention lapsed: %v", err)
	}

	// Past notAfter + 31 days.
	env.setClock(testEpoch.Add(122 * 24 * time.Hour))
	if err := env.ca.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if _, err := env.store.CertBySerial(ctx, "test-ca", serial); err == nil {
		t.Error("certificate survived past its retention window")
	}
	if n := env.pub.CallCount("CertificateRemoved"); n != 1 {
		t.Errorf("CertificateRemoved calls = %d, want 1", n)
	}
}

func TestCA_SweepExpired_Disabled(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) { cfg.KeepExpiredDays = -1 })
	ctx := context.Background()

	issued := mustIssue(t, env, "kept.example.com")
	env.setClock(testEpoch.Add(10 * 365 * 24 * time.Hour))
	if err := env.ca.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if _, err := env.store.CertBySerial(ctx, "test-ca", issued.Certificate.SerialNumber); err != nil {
		t.Errorf("disabled sweep removed a certificate: %v", err)
	}
}

func TestCA_SweepExpired_PublisherRefusalKeepsRecord(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) { cfg.KeepExpiredDays = 0 })
	ctx := context.Background()

	issued := mustIssue(t, env, "stuck.example.com")
	env.setClock(testEpoch.Add(120 * 24 * time.Hour))
	env.pub.RemovedErr = errInjected

	if err := env.ca.SweepExpired(ctx); err != nil {
		t.Fatalf("SweepExpired() error = %v", err)
	}
	if _, err := env.store.CertBySerial(ctx, "test-ca", issued.Certificate.SerialNumber); err != nil {
		t.Errorf("record dropped despite publisher refusal: %v", err)
	}
}

func TestCA_SweepHeld_EscalatesStaleHolds(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) {
		cfg.HoldThreshold = 24 * time.Hour
		cfg.HoldTargetReason = ReasonCessationOfOperation
	})
	ctx := context.Background()

	issued := mustIssue(t, env, "forgotten.example.com")
	serial := issued.Certificate.SerialNumber
	if err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonCertificateHold}); err != nil {
		t.Fatalf("Revoke(hold) error = %v", err)
	}

	// Within the threshold: untouched.
	env.setClock(testEpoch.Add(12 * time.Hour))
	if err := env.ca.SweepHeld(ctx); err != nil {
		t.Fatalf("SweepHeld() error = %v", err)
	}
	rec, _ := env.store.CertBySerial(ctx, "test-ca", serial)
	if !rec.Revocation.OnHold() {
		t.Fatal("hold escalated before the threshold")
	}

	// Past the threshold: escalated, original revocation time kept.
	env.setClock(testEpoch.Add(48 * time.Hour))
	if err := env.ca.SweepHeld(ctx); err != nil {
		t.Fatalf("SweepHeld() error = %v", err)
	}
	rec, _ = env.store.CertBySerial(ctx, "test-ca", serial)
	if rec.Revocation.Reason != int(ReasonCessationOfOperation) {
		t.Errorf("Reason = %d, want cessationOfOperation", rec.Revocation.Reason)
	}
	if !rec.Revocation.RevokedAt.Equal(testEpoch) {
		t.Errorf("RevokedAt = %v, want original %v", rec.Revocation.RevokedAt, testEpoch)
	}
}

func TestCA_SweepHeld_DefaultTargetReason(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) { cfg.HoldThreshold = time.Hour })
	ctx := context.Background()

	issued := mustIssue(t, env, "default.example.com")
	serial := issued.Certificate.SerialNumber
	if err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonCertificateHold}); err != nil {
		t.Fatalf("Revoke(hold) error = %v", err)
	}

	env.setClock(testEpoch.Add(2 * time.Hour))
	if err := env.ca.SweepHeld(ctx); err != nil {
		t.Fatalf("SweepHeld() error = %v", err)
	}
	rec, _ := env.store.CertBySerial(ctx, "test-ca", serial)
	if rec.Revocation.Reason != int(ReasonSuperseded) {
		t.Errorf("Reason = %d, want superseded (default target)", rec.Revocation.Reason)
	}
}

func TestCA_SweepHeld_Disabled(t *testing.T) {
	env := newTestCA(t, nil) // zero threshold
	ctx := context.Background()

	issued := mustIssue(t, env, "indefinite.example.com")
	serial := issued.Certificate.SerialNumber
	if err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonCertificateHold}); err != nil {
		t.Fatalf("Revoke(hold) error = %v", err)
	}

	env.setClock(testEpoch.Add(1000 * time.Hour))
	if err := env.ca.SweepHeld(ctx); err != nil {
		t.Fatalf("SweepHeld() error = %v", err)
	}
	rec, _ := env.store.CertBySerial(ctx, "test-ca", serial)
	if !rec.Revocation.OnHold() {
		t.Error("disabled sweep escalated a hold")
	}
}

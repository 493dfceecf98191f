package ca

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func mustIssue(t *testing.T, env *testEnv, cn string) *IssuedCertificate {
	t.Helper()
	issued, err := env.ca.Issue(context.Background(), testIssueRequest(t, cn))
	if err != nil {
		t.Fatalf("Issue(%s) error = %v", cn, err)
	}
	return issued
}

func TestCA_Revoke_Basic(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()
	issued := mustIssue(t, env, "victim.example.com")

	err := env.ca.Revoke(ctx, &RevokeRequest{
		Serial: issued.Certificate.SerialNumber,
		Reason: ReasonKeyCompromise,
	})
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	rec, err := env.store.CertBySerial(ctx, "test-ca", issued.Certificate.SerialNumber)
	if err != nil {
		t.Fatalf("CertBySerial() error = %v", err)
	}
	if rec.Revocation == nil {
		t.Fatal("Revocation = nil after Revoke")
	}
	if rec.Revocation.Reason != int(ReasonKeyCompromise) {
		t.Errorf("Reason = %d, want %d", rec.Revocation.Reason, ReasonKeyCompromise)
	}
	if !rec.Revocation.RevokedAt.Equal(testEpoch) {
		t.Errorf("RevokedAt = %v, want %v", rec.Revocation.RevokedAt, testEpoch)
	}
	if n := env.pub.CallCount("CertificateRevoked"); n != 1 {
		t.Errorf("CertificateRevoked calls = %d, want 1", n)
	}
}

func TestCA_Revoke_ReservedReasons(t *testing.T) {
	env := newTestCA(t, nil)
	issued := mustIssue(t, env, "reserved.example.com")

	for _, reason := range []RevocationReason{ReasonCACompromise, ReasonAACompromise, ReasonRemoveFromCRL} {
		err := env.ca.Revoke(context.Background(), &RevokeRequest{
			Serial: issued.Certificate.SerialNumber,
			Reason: reason,
		})
		if !IsKind(err, KindInsufficientPermission) {
			t.Errorf("Revoke(%s) error = %v, want insufficientPermission", reason, err)
		}
	}
}

func TestCA_Revoke_UnknownSerial(t *testing.T) {
	env := newTestCA(t, nil)
	err := env.ca.Revoke(context.Background(), &RevokeRequest{
		Serial: big.NewInt(999999),
		Reason: ReasonUnspecified,
	})
	if !IsKind(err, KindUnknownCert) {
		t.Fatalf("Revoke() error = %v, want unknownCert", err)
	}
}

func TestCA_Revoke_OwnCertificateRefused(t *testing.T) {
	env := newTestCA(t, nil)
	err := env.ca.Revoke(context.Background(), &RevokeRequest{
		Serial: env.ca.Certificate().SerialNumber,
		Reason: ReasonUnspecified,
	})
	if !IsKind(err, KindNotPermitted) {
		t.Fatalf("Revoke() of CA serial error = %v, want notPermitted", err)
	}
}

func TestCA_Revoke_AlreadyRevoked(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()
	issued := mustIssue(t, env, "twice.example.com")
	serial := issued.Certificate.SerialNumber

	if err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonSuperseded}); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonKeyCompromise})
	if !IsKind(err, KindCertRevoked) {
		t.Fatalf("second Revoke() error = %v, want certRevoked", err)
	}
}

func TestCA_Revoke_HoldEscalation(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()
	issued := mustIssue(t, env, "held.example.com")
	serial := issued.Certificate.SerialNumber

	if err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonCertificateHold}); err != nil {
		t.Fatalf("Revoke(hold) error = %v", err)
	}
	// A hold may be escalated to a final reason.
	if err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonKeyCompromise}); err != nil {
		t.Fatalf("escalating Revoke() error = %v", err)
	}

	rec, err := env.store.CertBySerial(ctx, "test-ca", serial)
	if err != nil {
		t.Fatalf("CertBySerial() error = %v", err)
	}
	if rec.Revocation.Reason != int(ReasonKeyCompromise) {
		t.Errorf("Reason = %d, want keyCompromise", rec.Revocation.Reason)
	}
}

func TestCA_Revoke_InvalidityDateStored(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()
	issued := mustIssue(t, env, "compromised.example.com")

	invalidity := testEpoch.Add(-72 * time.Hour)
	err := env.ca.Revoke(ctx, &RevokeRequest{
		Serial:       issued.Certificate.SerialNumber,
		Reason:       ReasonKeyCompromise,
		InvalidityAt: &invalidity,
	})
	if err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	rec, _ := env.store.CertBySerial(ctx, "test-ca", issued.Certificate.SerialNumber)
	if rec.Revocation.InvalidityAt == nil || !rec.Revocation.InvalidityAt.Equal(invalidity) {
		t.Errorf("InvalidityAt = %v, want %v", rec.Revocation.InvalidityAt, invalidity)
	}
}

// ============================================================
// Unrevoke
// ============================================================

func TestCA_Unrevoke_Hold(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()
	issued := mustIssue(t, env, "pause.example.com")
	serial := issued.Certificate.SerialNumber

	if err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonCertificateHold}); err != nil {
		t.Fatalf("Revoke(hold) error = %v", err)
	}
	if err := env.ca.Unrevoke(ctx, serial, "operator"); err != nil {
		t.Fatalf("Unrevoke() error = %v", err)
	}

	rec, _ := env.store.CertBySerial(ctx, "test-ca", serial)
	if rec.Revocation != nil {
		t.Errorf("Revocation = %+v after Unrevoke, want nil", rec.Revocation)
	}
	if n := env.pub.CallCount("CertificateUnrevoked"); n != 1 {
		t.Errorf("CertificateUnrevoked calls = %d, want 1", n)
	}
}

func TestCA_Unrevoke_FinalRevocationRefused(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()
	issued := mustIssue(t, env, "final.example.com")
	serial := issued.Certificate.SerialNumber

	if err := env.ca.Revoke(ctx, &RevokeRequest{Serial: serial, Reason: ReasonKeyCompromise}); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}
	if err := env.ca.Unrevoke(ctx, serial, "operator"); !IsKind(err, KindNotPermitted) {
		t.Fatalf("Unrevoke() of final revocation error = %v, want notPermitted", err)
	}
}

func TestCA_Unrevoke_NotRevoked(t *testing.T) {
	env := newTestCA(t, nil)
	issued := mustIssue(t, env, "fine.example.com")

	err := env.ca.Unrevoke(context.Background(), issued.Certificate.SerialNumber, "operator")
	if !IsKind(err, KindNotPermitted) {
		t.Fatalf("Unrevoke() of live certificate error = %v, want notPermitted", err)
	}
}

// ============================================================
// Remove
// ============================================================

func TestCA_Remove_Basic(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()
	issued := mustIssue(t, env, "gone.example.com")
	serial := issued.Certificate.SerialNumber

	if err := env.ca.Remove(ctx, serial, "operator"); err != nil {
		t.Fatalf("Remove() error = %v", err)
	}
	if _, err := env.store.CertBySerial(ctx, "test-ca", serial); err == nil {
		t.Error("certificate still present after Remove")
	}
	if n := env.pub.CallCount("CertificateRemoved"); n != 1 {
		t.Errorf("CertificateRemoved calls = %d, want 1", n)
	}
}

func TestCA_Remove_PublisherRefusalBlocks(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()
	issued := mustIssue(t, env, "sticky.example.com")
	serial := issued.Certificate.SerialNumber

	env.pub.RemovedErr = errInjected
	if err := env.ca.Remove(ctx, serial, "operator"); !IsKind(err, KindSystemFailure) {
		t.Fatalf("Remove() with refusing publisher error = %v, want systemFailure", err)
	}
	// The record survives until every publisher acknowledges.
	if _, err := env.store.CertBySerial(ctx, "test-ca", serial); err != nil {
		t.Errorf("certificate missing after refused removal: %v", err)
	}
}

package ca

import (
	"context"
	"crypto/x509/pkix"
	"testing"
	"time"
)

// ============================================================
// Issuance pipeline
// ============================================================

func TestCA_Issue_Basic(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	issued, err := env.ca.Issue(ctx, testIssueRequest(t, "server-1.example.com"))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if issued.AlreadyIssued {
		t.Error("AlreadyIssued = true on first issuance")
	}
	if issued.Certificate.Subject.CommonName != "server-1.example.com" {
		t.Errorf("CommonName = %q", issued.Certificate.Subject.CommonName)
	}
	if err := issued.Certificate.CheckSignatureFrom(env.ca.Certificate()); err != nil {
		t.Errorf("CheckSignatureFrom() error = %v", err)
	}

	wantNotAfter := testEpoch.Add(90 * 24 * time.Hour)
	if !issued.Certificate.NotAfter.Equal(wantNotAfter) {
		t.Errorf("NotAfter = %v, want %v", issued.Certificate.NotAfter, wantNotAfter)
	}

	rec, err := env.store.CertBySerial(ctx, "test-ca", issued.Certificate.SerialNumber)
	if err != nil {
		t.Fatalf("CertBySerial() error = %v", err)
	}
	if rec.Profile != "tls-server" {
		t.Errorf("stored profile = %q", rec.Profile)
	}
	if n := env.pub.CallCount("CertificateAdded"); n != 1 {
		t.Errorf("CertificateAdded calls = %d, want 1", n)
	}
}

func TestCA_Issue_SerialsUnique(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	seen := map[string]bool{}
	for i, cn := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		issued, err := env.ca.Issue(ctx, testIssueRequest(t, cn))
		if err != nil {
			t.Fatalf("Issue() #%d error = %v", i, err)
		}
		s := issued.Certificate.SerialNumber.Text(16)
		if seen[s] {
			t.Fatalf("serial %s issued twice", s)
		}
		seen[s] = true
	}
}

func TestCA_Issue_InactiveRejected(t *testing.T) {
	env := newTestCA(t, nil)
	env.ca.SetStatus(StatusInactive)

	_, err := env.ca.Issue(context.Background(), testIssueRequest(t, "x.example.com"))
	if !IsKind(err, KindNotPermitted) {
		t.Fatalf("Issue() on inactive CA error = %v, want notPermitted", err)
	}
}

func TestCA_Issue_UnknownProfile(t *testing.T) {
	env := newTestCA(t, nil)
	req := testIssueRequest(t, "x.example.com")
	req.Profile = "no-such-profile"

	_, err := env.ca.Issue(context.Background(), req)
	if !IsKind(err, KindUnknownProfile) {
		t.Fatalf("Issue() error = %v, want unknownProfile", err)
	}
}

func TestCA_Issue_EmptySubjectRejected(t *testing.T) {
	env := newTestCA(t, nil)
	req := testIssueRequest(t, "x.example.com")
	req.Subject = pkix.Name{Organization: []string{""}}

	_, err := env.ca.Issue(context.Background(), req)
	if !IsKind(err, KindBadCertTemplate) {
		t.Fatalf("Issue() error = %v, want badCertTemplate", err)
	}
}

func TestCA_Issue_SubjectCollidesWithCA(t *testing.T) {
	env := newTestCA(t, nil)
	req := testIssueRequest(t, "Test Issuing CA")
	req.Subject = env.ca.Certificate().Subject

	_, err := env.ca.Issue(context.Background(), req)
	if !IsKind(err, KindNotPermitted) {
		t.Fatalf("Issue() error = %v, want notPermitted", err)
	}
}

func TestCA_Issue_RAOnlyProfile(t *testing.T) {
	env := newTestCA(t, nil)
	env.ca.profiles["tls-server"].RAOnly = true

	req := testIssueRequest(t, "ra.example.com")
	if _, err := env.ca.Issue(context.Background(), req); !IsKind(err, KindInsufficientPermission) {
		t.Fatalf("Issue() without RA error = %v, want insufficientPermission", err)
	}

	req = testIssueRequest(t, "ra.example.com")
	req.FromRA = true
	if _, err := env.ca.Issue(context.Background(), req); err != nil {
		t.Fatalf("Issue() from RA error = %v", err)
	}
}

func TestCA_Issue_BadDNSName(t *testing.T) {
	env := newTestCA(t, nil)
	req := testIssueRequest(t, "x.example.com")
	req.SANs.DNSNames = []string{"com"}

	_, err := env.ca.Issue(context.Background(), req)
	if !IsKind(err, KindBadCertTemplate) {
		t.Fatalf("Issue() with bare suffix SAN error = %v, want badCertTemplate", err)
	}
}

// ============================================================
// Duplicate key and subject policy
// ============================================================

func TestCA_Issue_DuplicateKeyRejected(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	req := testIssueRequest(t, "first.example.com")
	if _, err := env.ca.Issue(ctx, req); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// Same key, different subject.
	again := &IssueRequest{
		Profile:   "tls-server",
		Subject:   pkix.Name{CommonName: "second.example.com"},
		PublicKey: req.PublicKey,
	}
	if _, err := env.ca.Issue(ctx, again); !IsKind(err, KindAlreadyIssued) {
		t.Fatalf("Issue() with reused key error = %v, want alreadyIssued", err)
	}
}

func TestCA_Issue_DuplicateKeyAllowedWhenBothFlags(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) { cfg.AllowDuplicateKeys = true })
	env.ca.profiles["tls-server"].AllowDuplicateKeys = true
	ctx := context.Background()

	req := testIssueRequest(t, "first.example.com")
	if _, err := env.ca.Issue(ctx, req); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	again := &IssueRequest{
		Profile:   "tls-server",
		Subject:   pkix.Name{CommonName: "second.example.com"},
		PublicKey: req.PublicKey,
	}
	if _, err := env.ca.Issue(ctx, again); err != nil {
		t.Fatalf("Issue() with reused key error = %v", err)
	}
}

func TestCA_Issue_DuplicateKeyStillRejectedWithCAFlagOnly(t *testing.T) {
	// Both the CA and the profile must opt in; the stricter side wins.
	env := newTestCA(t, func(cfg *Config) { cfg.AllowDuplicateKeys = true })
	ctx := context.Background()

	req := testIssueRequest(t, "first.example.com")
	if _, err := env.ca.Issue(ctx, req); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	again := &IssueRequest{
		Profile:   "tls-server",
		Subject:   pkix.Name{CommonName: "second.example.com"},
		PublicKey: req.PublicKey,
	}
	if _, err := env.ca.Issue(ctx, again); !IsKind(err, KindAlreadyIssued) {
		t.Fatalf("Issue() error = %v, want alreadyIssued", err)
	}
}

func TestCA_Issue_DuplicateSubjectRejected(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	if _, err := env.ca.Issue(ctx, testIssueRequest(t, "dup.example.com")); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	_, err := env.ca.Issue(ctx, testIssueRequest(t, "dup.example.com"))
	if !IsKind(err, KindAlreadyIssued) {
		t.Fatalf("Issue() with reused subject error = %v, want alreadyIssued", err)
	}
}

func TestCA_Issue_AutoIncrementSubject(t *testing.T) {
	env := newTestCA(t, nil)
	env.ca.profiles["tls-server"].AutoIncrementSubject = true
	ctx := context.Background()

	first, err := env.ca.Issue(ctx, testIssueRequest(t, "inc.example.com"))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	second, err := env.ca.Issue(ctx, testIssueRequest(t, "inc.example.com"))
	if err != nil {
		t.Fatalf("Issue() with collision error = %v", err)
	}
	if second.Certificate.Subject.SerialNumber != "1" {
		t.Errorf("incremented SerialNumber = %q, want \"1\"", second.Certificate.Subject.SerialNumber)
	}
	if first.Record.SubjectFP == second.Record.SubjectFP {
		t.Error("subject fingerprints should differ after increment")
	}

	third, err := env.ca.Issue(ctx, testIssueRequest(t, "inc.example.com"))
	if err != nil {
		t.Fatalf("Issue() third error = %v", err)
	}
	if third.Certificate.Subject.SerialNumber != "2" {
		t.Errorf("SerialNumber = %q, want \"2\"", third.Certificate.Subject.SerialNumber)
	}
}

func TestCA_Issue_TransactionReplay(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	req := testIssueRequest(t, "replay.example.com")
	req.TransactionID = "txn-42"
	first, err := env.ca.Issue(ctx, req)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	replay, err := env.ca.Issue(ctx, req)
	if err != nil {
		t.Fatalf("Issue() replay error = %v", err)
	}
	if !replay.AlreadyIssued {
		t.Error("AlreadyIssued = false on replay")
	}
	if replay.Certificate.SerialNumber.Cmp(first.Certificate.SerialNumber) != 0 {
		t.Errorf("replay serial = %s, want %s",
			replay.Certificate.SerialNumber.Text(16), first.Certificate.SerialNumber.Text(16))
	}
}

func TestCA_Issue_DifferentTransactionSameSubjectRejected(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	req := testIssueRequest(t, "once.example.com")
	req.TransactionID = "txn-1"
	if _, err := env.ca.Issue(ctx, req); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	other := testIssueRequest(t, "once.example.com")
	other.TransactionID = "txn-2"
	if _, err := env.ca.Issue(ctx, other); !IsKind(err, KindAlreadyIssued) {
		t.Fatalf("Issue() error = %v, want alreadyIssued", err)
	}
}

// ============================================================
// Validity computation
// ============================================================

func TestCA_Issue_ValidityCutoff(t *testing.T) {
	env := newTestCA(t, nil)
	req := testIssueRequest(t, "long.example.com")
	req.NotAfter = env.ca.Certificate().NotAfter.Add(365 * 24 * time.Hour)

	issued, err := env.ca.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !issued.Certificate.NotAfter.Equal(env.ca.Certificate().NotAfter) {
		t.Errorf("NotAfter = %v, want CA notAfter %v",
			issued.Certificate.NotAfter, env.ca.Certificate().NotAfter)
	}
}

func TestCA_Issue_ValidityStrict(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) { cfg.ValidityMode = ValidityStrict })
	req := testIssueRequest(t, "long.example.com")
	req.NotAfter = env.ca.Certificate().NotAfter.Add(time.Hour)

	_, err := env.ca.Issue(context.Background(), req)
	if !IsKind(err, KindNotPermitted) {
		t.Fatalf("Issue() error = %v, want notPermitted", err)
	}
}

func TestCA_Issue_ValidityLax(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) { cfg.ValidityMode = ValidityLax })
	want := env.ca.Certificate().NotAfter.Add(24 * time.Hour)
	req := testIssueRequest(t, "long.example.com")
	req.NotAfter = want

	issued, err := env.ca.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !issued.Certificate.NotAfter.Equal(want) {
		t.Errorf("NotAfter = %v, want %v", issued.Certificate.NotAfter, want)
	}
}

func TestCA_Issue_MaxValidityCap(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) { cfg.MaxValidity = 30 * 24 * time.Hour })
	issued, err := env.ca.Issue(context.Background(), testIssueRequest(t, "capped.example.com"))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	want := testEpoch.Add(30 * 24 * time.Hour)
	if !issued.Certificate.NotAfter.Equal(want) {
		t.Errorf("NotAfter = %v, want %v", issued.Certificate.NotAfter, want)
	}
}

func TestCA_Issue_ProfileMaxLifetimeCap(t *testing.T) {
	env := newTestCA(t, nil)
	env.ca.profiles["tls-server"].MaxLifetime = 10 * 24 * time.Hour

	issued, err := env.ca.Issue(context.Background(), testIssueRequest(t, "short.example.com"))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	want := testEpoch.Add(10 * 24 * time.Hour)
	if !issued.Certificate.NotAfter.Equal(want) {
		t.Errorf("NotAfter = %v, want %v", issued.Certificate.NotAfter, want)
	}
}

func TestCA_Issue_NotBeforeFloorAtCACert(t *testing.T) {
	env := newTestCA(t, nil)
	req := testIssueRequest(t, "early.example.com")
	req.NotBefore = env.ca.Certificate().NotBefore.Add(-48 * time.Hour)

	issued, err := env.ca.Issue(context.Background(), req)
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if !issued.Certificate.NotBefore.Equal(env.ca.Certificate().NotBefore) {
		t.Errorf("NotBefore = %v, want CA notBefore %v",
			issued.Certificate.NotBefore, env.ca.Certificate().NotBefore)
	}
}

func TestCA_Issue_SnapToMidnight(t *testing.T) {
	env := newTestCA(t, nil)
	env.ca.profiles["tls-server"].SnapToMidnight = true

	issued, err := env.ca.Issue(context.Background(), testIssueRequest(t, "midnight.example.com"))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	want := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	if !issued.Certificate.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %v, want %v", issued.Certificate.NotBefore, want)
	}
}

func TestCA_Issue_Backdate(t *testing.T) {
	env := newTestCA(t, nil)
	env.ca.profiles["tls-server"].Backdate = 5 * time.Minute

	issued, err := env.ca.Issue(context.Background(), testIssueRequest(t, "skew.example.com"))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	want := testEpoch.Add(-5 * time.Minute)
	if !issued.Certificate.NotBefore.Equal(want) {
		t.Errorf("NotBefore = %v, want %v", issued.Certificate.NotBefore, want)
	}
}

func TestCA_Issue_ExpirationCutoff(t *testing.T) {
	env := newTestCA(t, func(cfg *Config) {
		cfg.ExpirationCutoff = testEpoch.Add(-time.Hour)
	})
	_, err := env.ca.Issue(context.Background(), testIssueRequest(t, "late.example.com"))
	if !IsKind(err, KindNotPermitted) {
		t.Fatalf("Issue() past cutoff error = %v, want notPermitted", err)
	}
}

// ============================================================
// Failure paths
// ============================================================

func TestCA_Issue_SerialAllocationFailure(t *testing.T) {
	env := newTestCA(t, nil)
	env.store.NextSerialErr = errInjected

	_, err := env.ca.Issue(context.Background(), testIssueRequest(t, "x.example.com"))
	if !IsKind(err, KindDatabaseFailure) {
		t.Fatalf("Issue() error = %v, want databaseFailure", err)
	}
}

func TestCA_Issue_StoreWriteFailure(t *testing.T) {
	env := newTestCA(t, nil)
	env.store.AddCertificateErr = errInjected

	_, err := env.ca.Issue(context.Background(), testIssueRequest(t, "x.example.com"))
	if !IsKind(err, KindDatabaseFailure) {
		t.Fatalf("Issue() error = %v, want databaseFailure", err)
	}
	if n := env.pub.CallCount("CertificateAdded"); n != 0 {
		t.Errorf("publisher called despite store failure (%d calls)", n)
	}
}

func TestCA_Issue_IdentityInProcess(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	req := testIssueRequest(t, "busy.example.com")
	keyFP, err := KeyFingerprint(req.PublicKey)
	if err != nil {
		t.Fatalf("KeyFingerprint() error = %v", err)
	}
	subjectFP := SubjectFingerprint(stripEmptyRDNs(req.Subject))
	if err := env.store.MarkInProcess(ctx, "test-ca", keyFP, subjectFP); err != nil {
		t.Fatalf("MarkInProcess() error = %v", err)
	}

	if _, err := env.ca.Issue(ctx, req); !IsKind(err, KindSystemUnavailable) {
		t.Fatalf("Issue() while in process error = %v, want systemUnavailable", err)
	}

	// Released marker lets the request through.
	if err := env.store.ClearInProcess(ctx, "test-ca", keyFP, subjectFP); err != nil {
		t.Fatalf("ClearInProcess() error = %v", err)
	}
	if _, err := env.ca.Issue(ctx, req); err != nil {
		t.Fatalf("Issue() after release error = %v", err)
	}
}

// ============================================================
// Key update
// ============================================================

func TestCA_Rekey_Basic(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	if _, err := env.ca.Issue(ctx, testIssueRequest(t, "rekey.example.com")); err != nil {
		t.Fatalf("Issue() error = %v", err)
	}

	// New key, same subject: allowed despite the duplicate-subject policy.
	req := testIssueRequest(t, "rekey.example.com")
	issued, err := env.ca.Rekey(ctx, req)
	if err != nil {
		t.Fatalf("Rekey() error = %v", err)
	}
	if issued.Record.RequestType != string(RequestKeyUpdate) {
		t.Errorf("RequestType = %q, want keyupdate", issued.Record.RequestType)
	}
}

func TestCA_Rekey_NoPriorCertificate(t *testing.T) {
	env := newTestCA(t, nil)
	_, err := env.ca.Rekey(context.Background(), testIssueRequest(t, "never.example.com"))
	if !IsKind(err, KindUnknownCert) {
		t.Fatalf("Rekey() error = %v, want unknownCert", err)
	}
}

func TestCA_Rekey_RevokedPriorRejected(t *testing.T) {
	env := newTestCA(t, nil)
	ctx := context.Background()

	issued, err := env.ca.Issue(ctx, testIssueRequest(t, "revoked.example.com"))
	if err != nil {
		t.Fatalf("Issue() error = %v", err)
	}
	if err := env.ca.Revoke(ctx, &RevokeRequest{
		Serial: issued.Certificate.SerialNumber,
		Reason: ReasonKeyCompromise,
	}); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	_, err = env.ca.Rekey(ctx, testIssueRequest(t, "revoked.example.com"))
	if !IsKind(err, KindCertRevoked) {
		t.Fatalf("Rekey() error = %v, want certRevoked", err)
	}
}

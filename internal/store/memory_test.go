package store

import (
	"context"
	"math/big"
	"testing"
	"time"
)

func addCert(t *testing.T, m *MemStore, caName string, serial int64, subjectFP string, notAfter time.Time) *CertRecord {
	t.Helper()
	rec := &CertRecord{
		CAName:    caName,
		Serial:    big.NewInt(serial),
		Subject:   "CN=test",
		SubjectFP: subjectFP,
		KeyFP:     "kfp-" + subjectFP,
		NotAfter:  notAfter,
	}
	if err := m.AddCertificate(context.Background(), rec); err != nil {
		t.Fatalf("AddCertificate() error = %v", err)
	}
	return rec
}

func TestMemStore_NextSerialPerCA(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	a1, _ := m.NextSerial(ctx, "ca-a")
	a2, _ := m.NextSerial(ctx, "ca-a")
	b1, _ := m.NextSerial(ctx, "ca-b")

	if a1.Int64() != 1 || a2.Int64() != 2 {
		t.Errorf("ca-a serials = %d, %d, want 1, 2", a1.Int64(), a2.Int64())
	}
	// Counters are independent per CA.
	if b1.Int64() != 1 {
		t.Errorf("ca-b first serial = %d, want 1", b1.Int64())
	}
}

func TestMemStore_CertBySerialReturnsCopy(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	addCert(t, m, "ca", 1, "fp-1", time.Now().Add(time.Hour))

	rec, err := m.CertBySerial(ctx, "ca", big.NewInt(1))
	if err != nil {
		t.Fatalf("CertBySerial() error = %v", err)
	}
	rec.Subject = "CN=mutated"

	again, _ := m.CertBySerial(ctx, "ca", big.NewInt(1))
	if again.Subject != "CN=test" {
		t.Error("mutation of a returned record leaked into the store")
	}
}

func TestMemStore_LatestBySubjectFP(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	addCert(t, m, "ca", 1, "fp-shared", time.Now().Add(time.Hour))
	latest := addCert(t, m, "ca", 2, "fp-shared", time.Now().Add(time.Hour))

	got, err := m.LatestBySubjectFP(ctx, "ca", "fp-shared")
	if err != nil {
		t.Fatalf("LatestBySubjectFP() error = %v", err)
	}
	if got.Serial.Cmp(latest.Serial) != 0 {
		t.Errorf("serial = %v, want %v", got.Serial, latest.Serial)
	}
	if _, err := m.LatestBySubjectFP(ctx, "ca", "fp-none"); err != ErrNotFound {
		t.Errorf("missing subject error = %v, want ErrNotFound", err)
	}
}

func TestMemStore_SetRevocationAppendsDelta(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	rec := addCert(t, m, "ca", 1, "fp-1", time.Now().Add(time.Hour))

	rev := Revocation{Reason: 1, RevokedAt: time.Now().UTC()}
	if err := m.SetRevocation(ctx, "ca", big.NewInt(1), rev); err != nil {
		t.Fatalf("SetRevocation() error = %v", err)
	}

	entries, err := m.DeltaPage(ctx, "ca", 0, 0)
	if err != nil {
		t.Fatalf("DeltaPage() error = %v", err)
	}
	if len(entries) != 1 || entries[0].CertID != rec.ID {
		t.Fatalf("delta entries = %+v, want one for cert %d", entries, rec.ID)
	}

	// Clearing the state is itself a change worth a delta entry.
	if err := m.ClearRevocation(ctx, "ca", big.NewInt(1)); err != nil {
		t.Fatalf("ClearRevocation() error = %v", err)
	}
	entries, _ = m.DeltaPage(ctx, "ca", 0, 0)
	if len(entries) != 2 {
		t.Errorf("delta entries = %d after clear, want 2", len(entries))
	}
}

func TestMemStore_DeltaPageAfterID(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	addCert(t, m, "ca", 1, "fp-1", time.Now().Add(time.Hour))
	addCert(t, m, "ca", 2, "fp-2", time.Now().Add(time.Hour))
	m.SetRevocation(ctx, "ca", big.NewInt(1), Revocation{Reason: 0, RevokedAt: time.Now()})
	m.SetRevocation(ctx, "ca", big.NewInt(2), Revocation{Reason: 0, RevokedAt: time.Now()})

	all, _ := m.DeltaPage(ctx, "ca", 0, 0)
	if len(all) != 2 {
		t.Fatalf("delta entries = %d, want 2", len(all))
	}
	rest, _ := m.DeltaPage(ctx, "ca", all[0].ID, 0)
	if len(rest) != 1 || rest[0].ID != all[1].ID {
		t.Errorf("page after id %d = %+v", all[0].ID, rest)
	}
}

func TestMemStore_ClearDeltaBefore(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	addCert(t, m, "ca", 1, "fp-1", time.Now().Add(time.Hour))
	m.SetRevocation(ctx, "ca", big.NewInt(1), Revocation{Reason: 0, RevokedAt: time.Now()})

	if err := m.ClearDeltaBefore(ctx, "ca", time.Now().Add(time.Minute)); err != nil {
		t.Fatalf("ClearDeltaBefore() error = %v", err)
	}
	entries, _ := m.DeltaPage(ctx, "ca", 0, 0)
	if len(entries) != 0 {
		t.Errorf("delta entries = %d after clear, want 0", len(entries))
	}
}

func TestMemStore_RevokedPage(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addCert(t, m, "ca", 1, "fp-1", now.Add(time.Hour)) // never revoked
	addCert(t, m, "ca", 2, "fp-2", now.Add(time.Hour))
	addCert(t, m, "ca", 3, "fp-3", now.Add(-time.Hour)) // expired
	m.SetRevocation(ctx, "ca", big.NewInt(2), Revocation{Reason: 1, RevokedAt: now})
	m.SetRevocation(ctx, "ca", big.NewInt(3), Revocation{Reason: 1, RevokedAt: now})

	page, err := m.RevokedPage(ctx, "ca", now, 0, 10)
	if err != nil {
		t.Fatalf("RevokedPage() error = %v", err)
	}
	if len(page) != 1 || page[0].Serial.Int64() != 2 {
		t.Fatalf("page = %+v, want only serial 2", page)
	}
}

func TestMemStore_HeldSince(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	now := time.Now().UTC()

	addCert(t, m, "ca", 1, "fp-1", now.Add(time.Hour))
	addCert(t, m, "ca", 2, "fp-2", now.Add(time.Hour))
	m.SetRevocation(ctx, "ca", big.NewInt(1), Revocation{Reason: 6, RevokedAt: now.Add(-48 * time.Hour)})
	m.SetRevocation(ctx, "ca", big.NewInt(2), Revocation{Reason: 1, RevokedAt: now.Add(-48 * time.Hour)})

	held, err := m.HeldSince(ctx, "ca", now.Add(-24*time.Hour), 10)
	if err != nil {
		t.Fatalf("HeldSince() error = %v", err)
	}
	if len(held) != 1 || held[0].Serial.Int64() != 1 {
		t.Fatalf("held = %+v, want only the certificateHold entry", held)
	}
}

func TestMemStore_PublishQueue(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.EnqueuePublish(ctx, "ca", "ldap", 7); err != nil {
		t.Fatalf("EnqueuePublish() error = %v", err)
	}
	page, err := m.PublishQueuePage(ctx, "ca", 10)
	if err != nil {
		t.Fatalf("PublishQueuePage() error = %v", err)
	}
	if len(page) != 1 || page[0].Publisher != "ldap" || page[0].CertID != 7 {
		t.Fatalf("queue = %+v", page)
	}

	if err := m.BumpPublishAttempts(ctx, page[0].ID); err != nil {
		t.Fatalf("BumpPublishAttempts() error = %v", err)
	}
	page, _ = m.PublishQueuePage(ctx, "ca", 10)
	if page[0].Attempts != 1 {
		t.Errorf("Attempts = %d, want 1", page[0].Attempts)
	}

	depth, _ := m.PublishQueueDepth(ctx, "ca")
	if depth != 1 {
		t.Errorf("depth = %d, want 1", depth)
	}

	if err := m.RemovePublishEntry(ctx, page[0].ID); err != nil {
		t.Fatalf("RemovePublishEntry() error = %v", err)
	}
	if depth, _ = m.PublishQueueDepth(ctx, "ca"); depth != 0 {
		t.Errorf("depth = %d after remove, want 0", depth)
	}
}

func TestMemStore_InProcessMarker(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	if err := m.MarkInProcess(ctx, "ca", "kfp", "sfp"); err != nil {
		t.Fatalf("MarkInProcess() error = %v", err)
	}
	if err := m.MarkInProcess(ctx, "ca", "kfp", "sfp"); err != ErrInProcess {
		t.Errorf("second MarkInProcess() error = %v, want ErrInProcess", err)
	}
	// A different identity is not blocked.
	if err := m.MarkInProcess(ctx, "ca", "kfp-other", "sfp"); err != nil {
		t.Errorf("MarkInProcess() for another key error = %v", err)
	}

	if err := m.ClearInProcess(ctx, "ca", "kfp", "sfp"); err != nil {
		t.Fatalf("ClearInProcess() error = %v", err)
	}
	if err := m.MarkInProcess(ctx, "ca", "kfp", "sfp"); err != nil {
		t.Errorf("MarkInProcess() after clear error = %v", err)
	}
}

func TestMemStore_CRLHistory(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()

	store := func(number, base int64) {
		if err := m.StoreCRL(ctx, &CRLRecord{CAName: "ca", Number: number, BaseNumber: base, ThisUpdate: time.Now()}); err != nil {
			t.Fatalf("StoreCRL() error = %v", err)
		}
	}
	store(1, 0) // full
	store(2, 1) // delta on 1
	store(3, 1) // delta on 1

	last, err := m.LastCRL(ctx, "ca")
	if err != nil || last.Number != 3 {
		t.Fatalf("LastCRL() = %+v, %v, want number 3", last, err)
	}
	full, err := m.LastFullCRL(ctx, "ca")
	if err != nil || full.Number != 1 {
		t.Fatalf("LastFullCRL() = %+v, %v, want number 1", full, err)
	}
	byNum, err := m.CRLByNumber(ctx, "ca", 2)
	if err != nil || byNum.BaseNumber != 1 {
		t.Fatalf("CRLByNumber(2) = %+v, %v", byNum, err)
	}
}

func TestMemStore_PurgeCRLs(t *testing.T) {
	m := NewMemStore()
	ctx := context.Background()
	for n := int64(1); n <= 5; n++ {
		m.StoreCRL(ctx, &CRLRecord{CAName: "ca", Number: n, ThisUpdate: time.Now()})
	}

	if err := m.PurgeCRLs(ctx, "ca", 2); err != nil {
		t.Fatalf("PurgeCRLs() error = %v", err)
	}
	if _, err := m.CRLByNumber(ctx, "ca", 3); err != ErrNotFound {
		t.Errorf("CRLByNumber(3) error = %v, want ErrNotFound", err)
	}
	// The newest two survive.
	for _, n := range []int64{4, 5} {
		if _, err := m.CRLByNumber(ctx, "ca", n); err != nil {
			t.Errorf("CRLByNumber(%d) error = %v", n, err)
		}
	}
}

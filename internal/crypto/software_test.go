package crypto

import (
	"crypto"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"path/filepath"
	"testing"
)

func TestAlgorithmID_IsValid(t *testing.T) {
	for _, a := range []AlgorithmID{AlgECDSAP256, AlgECDSAP384, AlgEd25519, AlgRSA2048, AlgRSA4096, AlgMLDSA65} {
		if !a.IsValid() {
			t.Errorf("%s should be valid", a)
		}
	}
	if AlgorithmID("rot13").IsValid() {
		t.Error("unknown algorithm reported valid")
	}
}

func TestAlgorithmOf(t *testing.T) {
	tests := []struct {
		alg AlgorithmID
	}{
		{AlgECDSAP256},
		{AlgECDSAP384},
		{AlgEd25519},
	}
	for _, tt := range tests {
		s, err := GenerateSoftwareSigner(tt.alg)
		if err != nil {
			t.Fatalf("GenerateSoftwareSigner(%s) error = %v", tt.alg, err)
		}
		got, err := AlgorithmOf(s.Public())
		if err != nil {
			t.Fatalf("AlgorithmOf(%s) error = %v", tt.alg, err)
		}
		if got != tt.alg {
			t.Errorf("AlgorithmOf() = %s, want %s", got, tt.alg)
		}
	}
}

func TestSoftwareSigner_SignVerifyECDSA(t *testing.T) {
	s, err := GenerateSoftwareSigner(AlgECDSAP256)
	if err != nil {
		t.Fatalf("GenerateSoftwareSigner() error = %v", err)
	}
	if !s.Healthy() {
		t.Error("fresh signer reported unhealthy")
	}

	message := []byte("to be signed")
	sum := sha256.Sum256(message)
	sig, err := s.Sign(rand.Reader, sum[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !Verify(s.Public(), message, sig) {
		t.Error("Verify() = false for a fresh signature")
	}
	if Verify(s.Public(), []byte("tampered"), sig) {
		t.Error("Verify() = true for a different message")
	}
}

func TestSoftwareSigner_SignVerifyEd25519(t *testing.T) {
	s, err := GenerateSoftwareSigner(AlgEd25519)
	if err != nil {
		t.Fatalf("GenerateSoftwareSigner() error = %v", err)
	}

	// Ed25519 signs the full message, not a digest.
	message := []byte("to be signed")
	sig, err := s.Sign(rand.Reader, message, crypto.Hash(0))
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !Verify(s.Public(), message, sig) {
		t.Error("Verify() = false for a fresh signature")
	}
}

func TestSignMessage_MatchesVerify(t *testing.T) {
	for _, alg := range []AlgorithmID{AlgECDSAP256, AlgEd25519} {
		s, err := GenerateSoftwareSigner(alg)
		if err != nil {
			t.Fatalf("GenerateSoftwareSigner(%s) error = %v", alg, err)
		}
		message := []byte("protection content")
		sig, err := SignMessage(s, message)
		if err != nil {
			t.Fatalf("SignMessage(%s) error = %v", alg, err)
		}
		if !Verify(s.Public(), message, sig) {
			t.Errorf("Verify() = false for %s signature from SignMessage", alg)
		}
	}
}

func TestSoftwareSigner_X509SignatureAlgorithm(t *testing.T) {
	tests := []struct {
		alg  AlgorithmID
		want x509.SignatureAlgorithm
	}{
		{AlgECDSAP256, x509.ECDSAWithSHA256},
		{AlgECDSAP384, x509.ECDSAWithSHA384},
		{AlgEd25519, x509.PureEd25519},
		{AlgRSA2048, x509.SHA256WithRSA},
		{AlgMLDSA65, 0},
	}
	for _, tt := range tests {
		if got := tt.alg.X509SignatureAlgorithm(); got != tt.want {
			t.Errorf("%s: X509SignatureAlgorithm() = %v, want %v", tt.alg, got, tt.want)
		}
	}
}

func TestSoftwareSigner_SaveLoadRoundtrip(t *testing.T) {
	s, err := GenerateSoftwareSigner(AlgECDSAP256)
	if err != nil {
		t.Fatalf("GenerateSoftwareSigner() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "ca.key")
	if err := s.SavePrivateKey(path, []byte("correct horse")); err != nil {
		t.Fatalf("SavePrivateKey() error = %v", err)
	}

	loaded, err := LoadSoftwareSigner(path, []byte("correct horse"))
	if err != nil {
		t.Fatalf("LoadSoftwareSigner() error = %v", err)
	}
	if loaded.Algorithm() != AlgECDSAP256 {
		t.Errorf("Algorithm() = %s", loaded.Algorithm())
	}

	// The reloaded key must produce signatures the original key verifies.
	message := []byte("continuity check")
	sum := sha256.Sum256(message)
	sig, err := loaded.Sign(rand.Reader, sum[:], crypto.SHA256)
	if err != nil {
		t.Fatalf("Sign() error = %v", err)
	}
	if !Verify(s.Public(), message, sig) {
		t.Error("signature by the reloaded key does not verify against the original public key")
	}
}

func TestLoadSoftwareSigner_WrongPassphrase(t *testing.T) {
	s, err := GenerateSoftwareSigner(AlgECDSAP256)
	if err != nil {
		t.Fatalf("GenerateSoftwareSigner() error = %v", err)
	}
	path := filepath.Join(t.TempDir(), "ca.key")
	if err := s.SavePrivateKey(path, []byte("right")); err != nil {
		t.Fatalf("SavePrivateKey() error = %v", err)
	}
	if _, err := LoadSoftwareSigner(path, []byte("wrong")); err == nil {
		t.Error("LoadSoftwareSigner() accepted the wrong passphrase")
	}
}

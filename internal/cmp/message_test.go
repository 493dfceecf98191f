package cmp

import (
	"bytes"
	"testing"
)

func TestMessage_EncodeDecodeRoundtrip(t *testing.T) {
	msg := &Message{
		Header: Header{
			Version:       1,
			Sender:        "alice",
			Recipient:     "test-ca",
			TransactionID: "txn-1",
			SenderNonce:   []byte{1, 2, 3, 4},
		},
		Body: Body{
			Type: TypeInitReq,
			CertReq: &CertRequest{
				CertReqID: 7,
				Profile:   "tls-server",
				Subject:   SubjectTemplate{CommonName: "host.example.com"},
				PublicKey: []byte{0x30, 0x00},
				DNSNames:  []string{"host.example.com"},
			},
		},
	}

	data, err := Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	got, err := Decode(data)
	if err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Header.Sender != "alice" || got.Header.TransactionID != "txn-1" {
		t.Errorf("header = %+v", got.Header)
	}
	if got.Body.Type != TypeInitReq {
		t.Errorf("body type = %q", got.Body.Type)
	}
	if got.Body.CertReq == nil || got.Body.CertReq.CertReqID != 7 {
		t.Errorf("cert request = %+v", got.Body.CertReq)
	}
	if got.Body.CertReq.Subject.CommonName != "host.example.com" {
		t.Errorf("subject = %+v", got.Body.CertReq.Subject)
	}
}

func TestMessage_DecodeRejectsMissingBodyType(t *testing.T) {
	data, err := encMode.Marshal(&Message{Header: Header{Sender: "x"}})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	if _, err := Decode(data); err == nil {
		t.Fatal("Decode() accepted a message without a body type")
	}
}

func TestMessage_DecodeRejectsGarbage(t *testing.T) {
	if _, err := Decode([]byte("not cbor at all")); err == nil {
		t.Fatal("Decode() accepted garbage")
	}
}

func TestMessage_ProtectVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	msg := &Message{
		Header: Header{Version: 1, Sender: "alice", TransactionID: "txn-2"},
		Body:   Body{Type: TypeGenMsg, GenMsg: []GenQuery{{InfoType: "caInfo"}}},
	}
	if err := Protect(msg, key); err != nil {
		t.Fatalf("Protect() error = %v", err)
	}
	if !VerifyProtection(msg, key) {
		t.Fatal("VerifyProtection() = false for a freshly protected message")
	}
	if VerifyProtection(msg, []byte("another key")) {
		t.Error("VerifyProtection() = true under the wrong key")
	}

	// Tampering with the body invalidates the protection.
	msg.Body.GenMsg[0].InfoType = "generateCRL"
	if VerifyProtection(msg, key) {
		t.Error("VerifyProtection() = true after body tampering")
	}
}

func TestMessage_VerifyProtectionEmpty(t *testing.T) {
	msg := &Message{Body: Body{Type: TypeGenMsg}}
	if VerifyProtection(msg, []byte("key")) {
		t.Error("VerifyProtection() = true without protection bytes")
	}
}

func TestMessage_NewResponseMirrorsHeader(t *testing.T) {
	req := &Message{
		Header: Header{
			Version:       1,
			Sender:        "alice",
			Recipient:     "test-ca",
			TransactionID: "txn-3",
			SenderNonce:   []byte{9, 9, 9},
		},
		Body: Body{Type: TypeInitReq},
	}
	resp := NewResponse(req, TypeInitRep)
	if resp.Header.Sender != "test-ca" || resp.Header.Recipient != "alice" {
		t.Errorf("response addressing = %s -> %s", resp.Header.Sender, resp.Header.Recipient)
	}
	if resp.Header.TransactionID != "txn-3" {
		t.Errorf("TransactionID = %q", resp.Header.TransactionID)
	}
	if !bytes.Equal(resp.Header.RecipNonce, req.Header.SenderNonce) {
		t.Error("sender nonce not reflected as recipient nonce")
	}
	if resp.Body.Type != TypeInitRep {
		t.Errorf("body type = %q", resp.Body.Type)
	}
}

func TestCertRequest_POPContentExcludesPOP(t *testing.T) {
	req := CertRequest{
		CertReqID: 1,
		Profile:   "tls-server",
		PublicKey: []byte{1, 2, 3},
	}
	bare, err := req.popContent()
	if err != nil {
		t.Fatalf("popContent() error = %v", err)
	}

	req.POP = &ProofOfPossession{Signature: []byte{0xAA}}
	withPOP, err := req.popContent()
	if err != nil {
		t.Fatalf("popContent() error = %v", err)
	}
	if !bytes.Equal(bare, withPOP) {
		t.Error("popContent() changed when the POP was attached")
	}
}

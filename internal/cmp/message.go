// Package cmp implements the certificate management protocol responder:
// a request/response state machine over a compact CBOR framing.
//
// One exchange is one Message in, one Message out. The transaction id
// in the header ties multi-round flows (enrollment then confirmation)
// together; the pending pool holds the state between rounds.
package cmp

import (
	"crypto"
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/fxamacker/cbor/v2"

	pkicrypto "github.com/remiblancher/cmp-ca/internal/crypto"
)

// ContentType is the HTTP media type for protocol messages.
const ContentType = "application/pkixcmp"

// BodyType tags the single populated body alternative.
type BodyType string

const (
	// request bodies
	TypeInitReq      BodyType = "ir"
	TypeCertReq      BodyType = "cr"
	TypeKeyUpdateReq BodyType = "kur"
	TypeP10Req       BodyType = "p10cr"
	TypeCrossReq     BodyType = "ccr"
	TypeCertConfirm  BodyType = "certConf"
	TypeRevReq       BodyType = "rr"
	TypeGenMsg       BodyType = "genm"

	// response bodies
	TypeInitRep      BodyType = "ip"
	TypeCertRep      BodyType = "cp"
	TypeKeyUpdateRep BodyType = "kup"
	TypeCrossRep     BodyType = "ccp"
	TypePKIConf      BodyType = "pkiconf"
	TypeRevRep       BodyType = "rp"
	TypeGenRep       BodyType = "genp"
	TypeError        BodyType = "error"
)

// responseFor maps a request body type to its success response type.
func responseFor(t BodyType) BodyType {
	switch t {
	case TypeInitReq:
		return TypeInitRep
	case TypeCertReq:
		return TypeCertRep
	case TypeKeyUpdateReq:
		return TypeKeyUpdateRep
	case TypeP10Req:
		return TypeCertRep
	case TypeCrossReq:
		return TypeCrossRep
	case TypeCertConfirm:
		return TypePKIConf
	case TypeRevReq:
		return TypeRevRep
	case TypeGenMsg:
		return TypeGenRep
	default:
		return TypeError
	}
}

// Header carries the exchange metadata.
type Header struct {
	Version       int    `cbor:"1,keyasint"`
	Sender        string `cbor:"2,keyasint"`
	Recipient     string `cbor:"3,keyasint"`
	TransactionID string `cbor:"4,keyasint"`
	MessageTime   int64  `cbor:"5,keyasint,omitempty"` // unix seconds
	SenderNonce   []byte `cbor:"6,keyasint,omitempty"`
	RecipNonce    []byte `cbor:"7,keyasint,omitempty"`

	// ImplicitConfirm asks the CA to skip the confirmation round.
	ImplicitConfirm bool `cbor:"8,keyasint,omitempty"`

	// ConfirmWait, on a response expecting explicit confirmation, is how
	// many seconds the client has before the grant is abandoned.
	ConfirmWait int64 `cbor:"9,keyasint,omitempty"`
}

// SubjectTemplate is the requested subject, attribute by attribute.
type SubjectTemplate struct {
	CommonName   string   `cbor:"1,keyasint,omitempty"`
	SerialNumber string   `cbor:"2,keyasint,omitempty"`
	Organization []string `cbor:"3,keyasint,omitempty"`
	OrgUnit      []string `cbor:"4,keyasint,omitempty"`
	Country      []string `cbor:"5,keyasint,omitempty"`
	Locality     []string `cbor:"6,keyasint,omitempty"`
	Province     []string `cbor:"7,keyasint,omitempty"`
}

// ProofOfPossession proves the requestor controls the private key.
// Either Signature is set, or RAVerified is true and an RA vouches.
type ProofOfPossession struct {
	Signature  []byte `cbor:"1,keyasint,omitempty"`
	RAVerified bool   `cbor:"2,keyasint,omitempty"`
}

// CertRequest is one enrollment request.
type CertRequest struct {
	CertReqID int64           `cbor:"1,keyasint"`
	Profile   string          `cbor:"2,keyasint"`
	Subject   SubjectTemplate `cbor:"3,keyasint"`

	// PublicKey is the PKIX (SubjectPublicKeyInfo) encoding.
	PublicKey []byte `cbor:"4,keyasint"`

	NotBefore int64 `cbor:"5,keyasint,omitempty"` // unix seconds
	NotAfter  int64 `cbor:"6,keyasint,omitempty"`

	DNSNames  []string `cbor:"7,keyasint,omitempty"`
	IPs       []string `cbor:"8,keyasint,omitempty"`
	Emails    []string `cbor:"9,keyasint,omitempty"`
	SerialRef string   `cbor:"10,keyasint,omitempty"` // issuer+serial template, revocation only

	POP *ProofOfPossession `cbor:"11,keyasint,omitempty"`
}

// popContent is the byte string a signature POP must cover: the
// deterministic encoding of the request with the POP stripped.
func (r *CertRequest) popContent() ([]byte, error) {
	shadow := *r
	shadow.POP = nil
	return encMode.Marshal(&shadow)
}

// ConfirmEntry accepts or rejects one issued certificate.
type ConfirmEntry struct {
	CertReqID int64  `cbor:"1,keyasint"`
	CertHash  []byte `cbor:"2,keyasint"` // SHA-256 of the DER
	Accept    bool   `cbor:"3,keyasint"`
}

// RevEntry asks for one revocation-family operation; the reason
// disambiguates revoke, hold, unrevoke (removeFromCRL) and removal.
type RevEntry struct {
	Serial       string `cbor:"1,keyasint"` // hex
	Reason       int    `cbor:"2,keyasint"`
	InvalidityAt int64  `cbor:"3,keyasint,omitempty"` // unix seconds

	// Remove asks for record removal instead of revocation.
	Remove bool `cbor:"4,keyasint,omitempty"`
}

// GenQuery is one general-message action.
type GenQuery struct {
	InfoType string `cbor:"1,keyasint"` // currentCRL, crlByNumber, generateCRL, caInfo
	Number   int64  `cbor:"2,keyasint,omitempty"`
}

// StatusInfo is the per-item outcome.
type StatusInfo struct {
	Status   PKIStatus `cbor:"1,keyasint"`
	FailInfo FailInfo  `cbor:"2,keyasint,omitempty"`
	Detail   string    `cbor:"3,keyasint,omitempty"`
}

// CertResponse answers one CertRequest.
type CertResponse struct {
	CertReqID int64      `cbor:"1,keyasint"`
	Status    StatusInfo `cbor:"2,keyasint"`
	CertDER   []byte     `cbor:"3,keyasint,omitempty"`
}

// GenResult answers one GenQuery.
type GenResult struct {
	InfoType string     `cbor:"1,keyasint"`
	Status   StatusInfo `cbor:"2,keyasint"`
	CRL      []byte     `cbor:"3,keyasint,omitempty"`
	CAInfo   *CAInfo    `cbor:"4,keyasint,omitempty"`
}

// CAInfo describes the CA to clients.
type CAInfo struct {
	Name     string   `cbor:"1,keyasint"`
	CertDER  []byte   `cbor:"2,keyasint"`
	Profiles []string `cbor:"3,keyasint"`
}

// Body holds exactly one alternative, tagged by Type.
type Body struct {
	Type BodyType `cbor:"1,keyasint"`

	CertReq *CertRequest   `cbor:"2,keyasint,omitempty"`
	P10     []byte         `cbor:"3,keyasint,omitempty"` // DER PKCS#10
	Confirm []ConfirmEntry `cbor:"4,keyasint,omitempty"`
	RevReq  []RevEntry     `cbor:"5,keyasint,omitempty"`
	GenMsg  []GenQuery     `cbor:"6,keyasint,omitempty"`

	CertRep *CertResponse `cbor:"7,keyasint,omitempty"`
	RevRep  []StatusInfo  `cbor:"8,keyasint,omitempty"`
	GenRep  []GenResult   `cbor:"9,keyasint,omitempty"`
	Error   *StatusInfo   `cbor:"10,keyasint,omitempty"`

	// CACerts carries the issuer chain alongside issued certificates.
	CACerts [][]byte `cbor:"11,keyasint,omitempty"`
}

// Message is one protocol message.
type Message struct {
	Header     Header `cbor:"1,keyasint"`
	Body       Body   `cbor:"2,keyasint"`
	Protection []byte `cbor:"3,keyasint,omitempty"`
}

// encMode is the deterministic encoder; protection MACs and POP content
// depend on stable byte output.
var encMode cbor.EncMode

func init() {
	var err error
	encMode, err = cbor.CanonicalEncOptions().EncMode()
	if err != nil {
		panic(err)
	}
}

// Encode serializes a message.
func Encode(msg *Message) ([]byte, error) {
	data, err := encMode.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// Decode parses a message.
func Decode(data []byte) (*Message, error) {
	var msg Message
	if err := cbor.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("failed to decode message: %w", err)
	}
	if msg.Body.Type == "" {
		return nil, fmt.Errorf("message has no body type")
	}
	return &msg, nil
}

// protectionContent is the MAC input: header then body, deterministically
// encoded.
func protectionContent(msg *Message) ([]byte, error) {
	h, err := encMode.Marshal(&msg.Header)
	if err != nil {
		return nil, err
	}
	b, err := encMode.Marshal(&msg.Body)
	if err != nil {
		return nil, err
	}
	return append(h, b...), nil
}

// Protect computes and attaches the HMAC-SHA256 protection.
func Protect(msg *Message, key []byte) error {
	content, err := protectionContent(msg)
	if err != nil {
		return fmt.Errorf("failed to build protection content: %w", err)
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(content)
	msg.Protection = mac.Sum(nil)
	return nil
}

// VerifyProtection checks the attached HMAC against the key.
func VerifyProtection(msg *Message, key []byte) bool {
	if len(msg.Protection) == 0 {
		return false
	}
	content, err := protectionContent(msg)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, key)
	mac.Write(content)
	return hmac.Equal(mac.Sum(nil), msg.Protection)
}

// SignProtect attaches a signature protection computed with the
// requestor's private key. The peer verifies it against the registered
// certificate instead of a shared secret.
func SignProtect(msg *Message, signer crypto.Signer) error {
	content, err := protectionContent(msg)
	if err != nil {
		return fmt.Errorf("failed to build protection content: %w", err)
	}
	sig, err := pkicrypto.SignMessage(signer, content)
	if err != nil {
		return fmt.Errorf("failed to sign protection content: %w", err)
	}
	msg.Protection = sig
	return nil
}

// VerifySignatureProtection checks the attached signature against the
// public key.
func VerifySignatureProtection(msg *Message, pub crypto.PublicKey) bool {
	if len(msg.Protection) == 0 {
		return false
	}
	content, err := protectionContent(msg)
	if err != nil {
		return false
	}
	return pkicrypto.Verify(pub, content, msg.Protection)
}

// NewResponse starts a response message mirroring the request header.
// The sender nonce comes back as the recipient nonce.
func NewResponse(req *Message, bodyType BodyType) *Message {
	return &Message{
		Header: Header{
			Version:       req.Header.Version,
			Sender:        req.Header.Recipient,
			Recipient:     req.Header.Sender,
			TransactionID: req.Header.TransactionID,
			MessageTime:   time.Now().UTC().Unix(),
			RecipNonce:    req.Header.SenderNonce,
		},
		Body: Body{Type: bodyType},
	}
}

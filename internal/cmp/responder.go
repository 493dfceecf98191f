package cmp

import (
	"context"
	"crypto/sha256"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/audit"
	"github.com/remiblancher/cmp-ca/internal/ca"
	pkicrypto "github.com/remiblancher/cmp-ca/internal/crypto"
	"github.com/remiblancher/cmp-ca/internal/metrics"
	"github.com/remiblancher/cmp-ca/internal/profile"
)

// Responder is the protocol state machine over a set of CAs.
type Responder struct {
	cas    map[string]*ca.CA
	auth   *Authenticator
	pool   *PendingPool
	logger *zap.Logger
	now    func() time.Time
}

// NewResponder builds a responder over the authenticator.
func NewResponder(auth *Authenticator, logger *zap.Logger) *Responder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Responder{
		cas:    make(map[string]*ca.CA),
		auth:   auth,
		pool:   NewPendingPool(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// RegisterCA binds a CA under its endpoint alias.
func (r *Responder) RegisterCA(alias string, authority *ca.CA) {
	r.cas[alias] = authority
}

// Pool exposes the pending-confirmation pool for the expiry sweep.
func (r *Responder) Pool() *PendingPool { return r.pool }

// Handle processes one message and always produces a response; failures
// become error bodies, never dropped exchanges.
func (r *Responder) Handle(ctx context.Context, caAlias string, req *Message) *Message {
	authority, ok := r.cas[caAlias]
	if !ok {
		resp := r.errorResponse(req, ca.Errf(ca.KindBadRequest, "unknown CA %q", caAlias))
		metrics.ProtocolMessages.WithLabelValues(caAlias, string(req.Body.Type), "rejected").Inc()
		return resp
	}

	requestor, err := r.auth.Authenticate(req)
	if err != nil {
		r.logger.Warn("message authentication failed",
			zap.String("ca", caAlias),
			zap.String("sender", req.Header.Sender),
			zap.Error(err))
		metrics.ProtocolMessages.WithLabelValues(caAlias, string(req.Body.Type), "rejected").Inc()
		return r.errorResponse(req, err)
	}

	var resp *Message
	switch req.Body.Type {
	case TypeInitReq, TypeCertReq, TypeKeyUpdateReq, TypeCrossReq:
		resp = r.handleCertRequest(ctx, authority, requestor, req)
	case TypeP10Req:
		resp = r.handleP10(ctx, authority, requestor, req)
	case TypeCertConfirm:
		resp = r.handleConfirm(ctx, authority, req)
	case TypeRevReq:
		resp = r.handleRevocation(ctx, authority, requestor, req)
	case TypeGenMsg:
		resp = r.handleGeneral(ctx, authority, requestor, req)
	case TypePKIConf:
		// Bare acknowledgment, nothing left to settle.
		resp = NewResponse(req, TypePKIConf)
	case TypeError:
		resp = r.handleClientError(ctx, authority, req)
	default:
		resp = r.errorResponse(req, ca.Errf(ca.KindBadRequest, "unsupported body type %q", req.Body.Type))
	}

	outcome := "ok"
	if resp.Body.Type == TypeError {
		outcome = "rejected"
	}
	metrics.ProtocolMessages.WithLabelValues(caAlias, string(req.Body.Type), outcome).Inc()

	// Certificate requestors share no secret with the CA; their
	// responses travel under the transport's protection.
	if len(requestor.MACKey()) > 0 {
		if err := Protect(resp, requestor.MACKey()); err != nil {
			r.logger.Error("failed to protect response", zap.Error(err))
		}
	}
	return resp
}

// errorResponse wraps an error into an error-body message.
func (r *Responder) errorResponse(req *Message, err error) *Message {
	resp := NewResponse(req, TypeError)
	status := statusFor(err)
	resp.Body.Error = &status
	return resp
}

// permissionFor maps an enrollment body type to the permission it needs.
func permissionFor(t BodyType) ca.Permission {
	switch t {
	case TypeKeyUpdateReq:
		return ca.PermKeyUpdate
	case TypeCrossReq:
		return ca.PermCrossCertEnroll
	default:
		return ca.PermEnrollCert
	}
}

func requestTypeFor(t BodyType) ca.RequestType {
	switch t {
	case TypeKeyUpdateReq:
		return ca.RequestKeyUpdate
	case TypeCrossReq:
		return ca.RequestCrossCert
	case TypeP10Req:
		return ca.RequestP10
	default:
		return ca.RequestEnroll
	}
}

func subjectFromTemplate(t SubjectTemplate) pkix.Name {
	return pkix.Name{
		CommonName:         t.CommonName,
		SerialNumber:       t.SerialNumber,
		Organization:       t.Organization,
		OrganizationalUnit: t.OrgUnit,
		Country:            t.Country,
		Locality:           t.Locality,
		Province:           t.Province,
	}
}

func (r *Responder) handleCertRequest(ctx context.Context, authority *ca.CA, requestor *Requestor, req *Message) *Message {
	certReq := req.Body.CertReq
	if certReq == nil {
		return r.errorResponse(req, ca.Errf(ca.KindBadRequest, "missing certificate request body"))
	}

	need := permissionFor(req.Body.Type)
	if !requestor.Permissions.Allows(need) || !authority.Permissions().Allows(need) {
		return r.certRejection(req, certReq.CertReqID,
			ca.Errf(ca.KindInsufficientPermission, "operation not permitted for %q", requestor.Name))
	}
	if !requestor.AllowsProfile(authority.Name(), certReq.Profile) {
		return r.certRejection(req, certReq.CertReqID,
			ca.Errf(ca.KindInsufficientPermission, "requestor %q may not use profile %q", requestor.Name, certReq.Profile))
	}

	pub, err := x509.ParsePKIXPublicKey(certReq.PublicKey)
	if err != nil {
		return r.certRejection(req, certReq.CertReqID,
			ca.Wrap(ca.KindBadCertTemplate, "unparsable public key", err))
	}

	if err := r.verifyPOP(certReq, pub, requestor); err != nil {
		return r.certRejection(req, certReq.CertReqID, err)
	}

	issueReq := &ca.IssueRequest{
		Profile:       certReq.Profile,
		Subject:       subjectFromTemplate(certReq.Subject),
		PublicKey:     pub,
		SANs:          sansFrom(certReq),
		RequestType:   requestTypeFor(req.Body.Type),
		FromRA:        requestor.RA,
		Requestor:     requestor.Name,
		TransactionID: req.Header.TransactionID,
	}
	if certReq.NotBefore != 0 {
		issueReq.NotBefore = time.Unix(certReq.NotBefore, 0).UTC()
	}
	if certReq.NotAfter != 0 {
		issueReq.NotAfter = time.Unix(certReq.NotAfter, 0).UTC()
	}

	var issued *ca.IssuedCertificate
	if req.Body.Type == TypeKeyUpdateReq {
		issued, err = authority.Rekey(ctx, issueReq)
	} else {
		issued, err = authority.Issue(ctx, issueReq)
	}
	if err != nil {
		return r.certRejection(req, certReq.CertReqID, err)
	}

	return r.certSuccess(authority, req, certReq, issued)
}

// certSuccess builds the granted response and registers the pending
// confirmation unless the client asked for implicit confirm.
func (r *Responder) certSuccess(authority *ca.CA, req *Message, certReq *CertRequest, issued *ca.IssuedCertificate) *Message {
	status := StatusInfo{Status: StatusGranted}
	if issued.AlreadyIssued || grantModified(certReq, issued) {
		status.Status = StatusGrantedWithMods
	}

	resp := NewResponse(req, responseFor(req.Body.Type))
	resp.Body.CertRep = &CertResponse{
		CertReqID: certReq.CertReqID,
		Status:    status,
		CertDER:   issued.Certificate.Raw,
	}
	resp.Body.CACerts = [][]byte{authority.Certificate().Raw}

	hash := sha256.Sum256(issued.Certificate.Raw)
	if req.Header.ImplicitConfirm {
		resp.Header.ImplicitConfirm = true
	} else if !issued.AlreadyIssued {
		wait := authority.ConfirmWait()
		r.pool.Add(&Pending{
			CAName:        authority.Name(),
			TransactionID: req.Header.TransactionID,
			CertReqID:     certReq.CertReqID,
			Serial:        issued.Certificate.SerialNumber,
			CertHash:      hash[:],
			Deadline:      r.now().Add(wait),
		})
		resp.Header.ConfirmWait = int64(wait / time.Second)
	}
	return resp
}

// certRejection reports a per-request failure inside the certificate
// response body, keeping the exchange well-formed.
func (r *Responder) certRejection(req *Message, certReqID int64, err error) *Message {
	resp := NewResponse(req, responseFor(req.Body.Type))
	resp.Body.CertRep = &CertResponse{
		CertReqID: certReqID,
		Status:    statusFor(err),
	}
	return resp
}

// grantModified reports whether the CA changed what was asked for.
func grantModified(certReq *CertRequest, issued *ca.IssuedCertificate) bool {
	cert := issued.Certificate
	if certReq.Subject.CommonName != "" && cert.Subject.CommonName != certReq.Subject.CommonName {
		return true
	}
	if certReq.Subject.SerialNumber != cert.Subject.SerialNumber && certReq.Subject.SerialNumber != "" {
		return true
	}
	if certReq.NotAfter != 0 && !cert.NotAfter.Equal(time.Unix(certReq.NotAfter, 0).UTC()) {
		return true
	}
	return false
}

// verifyPOP checks proof of possession: a signature by the requested
// key, or an RA vouching via raVerified.
func (r *Responder) verifyPOP(certReq *CertRequest, pub any, requestor *Requestor) error {
	pop := certReq.POP
	if pop == nil {
		return ca.Errf(ca.KindBadPOP, "proof of possession is required")
	}
	if pop.RAVerified {
		if !requestor.RA {
			return ca.Errf(ca.KindBadPOP, "raVerified requires an RA requestor")
		}
		return nil
	}
	if len(pop.Signature) == 0 {
		return ca.Errf(ca.KindBadPOP, "empty proof of possession")
	}
	content, err := certReq.popContent()
	if err != nil {
		return ca.Wrap(ca.KindSystemFailure, "failed to build POP content", err)
	}
	if !pkicrypto.Verify(pub, content, pop.Signature) {
		return ca.Errf(ca.KindBadPOP, "proof of possession verification failed")
	}
	return nil
}

func sansFrom(certReq *CertRequest) profile.RequestedSANs {
	sans := profile.RequestedSANs{
		DNSNames:       certReq.DNSNames,
		EmailAddresses: certReq.Emails,
	}
	for _, s := range certReq.IPs {
		if ip := net.ParseIP(s); ip != nil {
			sans.IPAddresses = append(sans.IPAddresses, ip)
		}
	}
	return sans
}

// handleP10 serves PKCS#10 enrollment: the CSR carries the template and
// its self-signature is the proof of possession.
func (r *Responder) handleP10(ctx context.Context, authority *ca.CA, requestor *Requestor, req *Message) *Message {
	meta := req.Body.CertReq
	if meta == nil || len(req.Body.P10) == 0 {
		return r.errorResponse(req, ca.Errf(ca.KindBadRequest, "p10cr needs a CSR and request metadata"))
	}

	need := ca.PermEnrollCert
	if !requestor.Permissions.Allows(need) || !authority.Permissions().Allows(need) {
		return r.certRejection(req, meta.CertReqID,
			ca.Errf(ca.KindInsufficientPermission, "operation not permitted for %q", requestor.Name))
	}
	if !requestor.AllowsProfile(authority.Name(), meta.Profile) {
		return r.certRejection(req, meta.CertReqID,
			ca.Errf(ca.KindInsufficientPermission, "requestor %q may not use profile %q", requestor.Name, meta.Profile))
	}

	csr, err := x509.ParseCertificateRequest(req.Body.P10)
	if err != nil {
		return r.certRejection(req, meta.CertReqID,
			ca.Wrap(ca.KindBadCertTemplate, "unparsable CSR", err))
	}
	if err := csr.CheckSignature(); err != nil {
		return r.certRejection(req, meta.CertReqID,
			ca.Wrap(ca.KindBadPOP, "CSR signature verification failed", err))
	}

	issueReq := &ca.IssueRequest{
		Profile:   meta.Profile,
		Subject:   csr.Subject,
		PublicKey: csr.PublicKey,
		SANs: profile.RequestedSANs{
			DNSNames:       csr.DNSNames,
			EmailAddresses: csr.EmailAddresses,
			IPAddresses:    csr.IPAddresses,
		},
		RequestType:   ca.RequestP10,
		FromRA:        requestor.RA,
		Requestor:     requestor.Name,
		TransactionID: req.Header.TransactionID,
	}

	issued, err := authority.Issue(ctx, issueReq)
	if err != nil {
		return r.certRejection(req, meta.CertReqID, err)
	}
	return r.certSuccess(authority, req, meta, issued)
}

// handleConfirm settles the confirmation round. Accepted certificates
// leave the pending pool; rejected ones are revoked immediately with
// cessationOfOperation. Pending certificates of the transaction the
// confirmation does not reference count as abandoned and are revoked
// the same way.
func (r *Responder) handleConfirm(ctx context.Context, authority *ca.CA, req *Message) *Message {
	if len(req.Body.Confirm) == 0 {
		return r.errorResponse(req, ca.Errf(ca.KindBadRequest, "empty certificate confirmation"))
	}

	referenced := make(map[int64]bool, len(req.Body.Confirm))
	for _, entry := range req.Body.Confirm {
		referenced[entry.CertReqID] = true
		if entry.Accept {
			// A stale or hash-mismatched acceptance settles nothing; the
			// entry stays pending until its deadline.
			if _, err := r.pool.Confirm(req.Header.TransactionID, entry.CertReqID, entry.CertHash); err != nil {
				r.logger.Warn("confirmation entry not applied",
					zap.String("ca", authority.Name()),
					zap.String("transaction", req.Header.TransactionID),
					zap.Int64("certReqID", entry.CertReqID),
					zap.Error(err))
			}
			continue
		}
		pending, ok := r.pool.Reject(req.Header.TransactionID, entry.CertReqID)
		if !ok {
			continue
		}
		if err := authority.Revoke(ctx, &ca.RevokeRequest{
			Serial:        pending.Serial,
			Reason:        ca.ReasonCessationOfOperation,
			Requestor:     req.Header.Sender,
			TransactionID: req.Header.TransactionID,
		}); err != nil {
			return r.errorResponse(req, err)
		}
		r.logger.Info("certificate rejected by client, revoked",
			zap.String("ca", authority.Name()),
			zap.String("serial", pending.Serial.Text(16)))
	}

	// Pending certificates the confirmation never mentioned are
	// abandoned; mentioned-but-unsettled ones wait for the sweep.
	for _, pending := range r.pool.TakeUnreferenced(req.Header.TransactionID, referenced) {
		r.revokeAbandoned(ctx, authority, pending)
	}
	return NewResponse(req, TypePKIConf)
}

// handleClientError settles a client-side abort: everything still
// pending under the transaction is abandoned.
func (r *Responder) handleClientError(ctx context.Context, authority *ca.CA, req *Message) *Message {
	r.abandonPending(ctx, authority, req.Header.TransactionID)
	return NewResponse(req, TypePKIConf)
}

// abandonPending revokes every certificate still awaiting confirmation
// under the transaction.
func (r *Responder) abandonPending(ctx context.Context, authority *ca.CA, txn string) {
	for _, pending := range r.pool.RemoveAll(txn) {
		r.revokeAbandoned(ctx, authority, pending)
	}
}

func (r *Responder) revokeAbandoned(ctx context.Context, authority *ca.CA, pending *Pending) {
	err := authority.Revoke(ctx, &ca.RevokeRequest{
		Serial:        pending.Serial,
		Reason:        ca.ReasonCessationOfOperation,
		Requestor:     "confirm-abandon",
		TransactionID: pending.TransactionID,
	})
	if err != nil && !ca.IsKind(err, ca.KindCertRevoked) {
		r.logger.Warn("failed to revoke abandoned certificate",
			zap.String("ca", pending.CAName),
			zap.String("serial", pending.Serial.Text(16)),
			zap.Error(err))
		return
	}
	r.logger.Info("abandoned certificate revoked",
		zap.String("ca", pending.CAName),
		zap.String("serial", pending.Serial.Text(16)),
		zap.String("transaction", pending.TransactionID))
}

// revOp classifies one revocation entry.
type revOp int

const (
	opRevoke revOp = iota
	opUnrevoke
	opRemove
)

func classifyRevEntry(e RevEntry) revOp {
	switch {
	case e.Remove:
		return opRemove
	case e.Reason == int(ca.ReasonRemoveFromCRL):
		return opUnrevoke
	default:
		return opRevoke
	}
}

// handleRevocation serves the revocation family. All entries of one
// request must ask for the same operation; mixing revoke, unrevoke and
// remove in a single message is rejected outright.
func (r *Responder) handleRevocation(ctx context.Context, authority *ca.CA, requestor *Requestor, req *Message) *Message {
	entries := req.Body.RevReq
	if len(entries) == 0 {
		return r.errorResponse(req, ca.Errf(ca.KindBadRequest, "empty revocation request"))
	}

	op := classifyRevEntry(entries[0])
	for _, e := range entries[1:] {
		if classifyRevEntry(e) != op {
			return r.errorResponse(req, ca.Errf(ca.KindBadRequest, "mixed revocation operations in one request"))
		}
	}

	var need ca.Permission
	switch op {
	case opUnrevoke:
		need = ca.PermUnrevokeCert
	case opRemove:
		need = ca.PermRemoveCert
	default:
		need = ca.PermRevokeCert
	}
	if !requestor.Permissions.Allows(need) || !authority.Permissions().Allows(need) {
		return r.errorResponse(req, ca.Errf(ca.KindInsufficientPermission, "operation not permitted for %q", requestor.Name))
	}

	resp := NewResponse(req, TypeRevRep)
	for _, entry := range entries {
		serial, ok := new(big.Int).SetString(entry.Serial, 16)
		if !ok {
			resp.Body.RevRep = append(resp.Body.RevRep, statusFor(
				ca.Errf(ca.KindBadRequest, "unparsable serial %q", entry.Serial)))
			continue
		}

		var err error
		switch op {
		case opUnrevoke:
			err = authority.Unrevoke(ctx, serial, requestor.Name)
		case opRemove:
			err = authority.Remove(ctx, serial, requestor.Name)
		default:
			revReq := &ca.RevokeRequest{
				Serial:        serial,
				Reason:        ca.RevocationReason(entry.Reason),
				Requestor:     requestor.Name,
				TransactionID: req.Header.TransactionID,
			}
			if entry.InvalidityAt != 0 {
				at := time.Unix(entry.InvalidityAt, 0).UTC()
				revReq.InvalidityAt = &at
			}
			err = authority.Revoke(ctx, revReq)
		}

		if err != nil {
			resp.Body.RevRep = append(resp.Body.RevRep, statusFor(err))
		} else {
			resp.Body.RevRep = append(resp.Body.RevRep, StatusInfo{Status: StatusGranted})
		}
	}
	return resp
}

// handleGeneral serves the info queries: CRL retrieval, on-demand CRL
// generation and CA information.
func (r *Responder) handleGeneral(ctx context.Context, authority *ca.CA, requestor *Requestor, req *Message) *Message {
	if len(req.Body.GenMsg) == 0 {
		return r.errorResponse(req, ca.Errf(ca.KindBadRequest, "empty general message"))
	}

	resp := NewResponse(req, TypeGenRep)
	for _, q := range req.Body.GenMsg {
		result := GenResult{InfoType: q.InfoType, Status: StatusInfo{Status: StatusGranted}}
		switch q.InfoType {
		case "currentCRL":
			if !requestor.Permissions.Allows(ca.PermGetCRL) {
				result.Status = statusFor(ca.Errf(ca.KindInsufficientPermission, "CRL access not permitted"))
				break
			}
			crl, err := authority.CurrentCRL(ctx)
			if err != nil {
				result.Status = statusFor(err)
				break
			}
			result.CRL = crl.Raw

		case "crlByNumber":
			if !requestor.Permissions.Allows(ca.PermGetCRL) {
				result.Status = statusFor(ca.Errf(ca.KindInsufficientPermission, "CRL access not permitted"))
				break
			}
			crl, err := authority.CRLByNumber(ctx, q.Number)
			if err != nil {
				result.Status = statusFor(err)
				break
			}
			result.CRL = crl.Raw

		case "generateCRL":
			if !requestor.Permissions.Allows(ca.PermGenCRL) {
				result.Status = statusFor(ca.Errf(ca.KindInsufficientPermission, "CRL generation not permitted"))
				break
			}
			crl, err := authority.GenerateCRL(ctx, false)
			if err != nil {
				result.Status = statusFor(err)
				break
			}
			result.CRL = crl.Raw

		case "caInfo":
			result.CAInfo = &CAInfo{
				Name:     authority.Name(),
				CertDER:  authority.Certificate().Raw,
				Profiles: visibleProfiles(authority, requestor),
			}

		default:
			result.Status = statusFor(ca.Errf(ca.KindBadRequest, "unknown info type %q", q.InfoType))
		}
		resp.Body.GenRep = append(resp.Body.GenRep, result)
	}
	return resp
}

// visibleProfiles lists the profiles the requestor may actually use.
func visibleProfiles(authority *ca.CA, requestor *Requestor) []string {
	var names []string
	for name := range authority.Profiles() {
		if requestor.AllowsProfile(authority.Name(), name) {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names
}

// SweepPending auto-revokes certificates whose confirmation deadline
// passed without the client settling the transaction.
func (r *Responder) SweepPending(ctx context.Context) error {
	expired := r.pool.TakeExpired(r.now())
	for _, pending := range expired {
		authority := r.caByName(pending.CAName)
		if authority == nil {
			continue
		}
		err := authority.Revoke(ctx, &ca.RevokeRequest{
			Serial:        pending.Serial,
			Reason:        ca.ReasonCessationOfOperation,
			Requestor:     "confirm-sweep",
			TransactionID: pending.TransactionID,
		})
		if aerr := audit.LogConfirmExpired(pending.CAName, pending.Serial.Text(16), pending.TransactionID, err == nil); aerr != nil {
			return aerr
		}
		if err != nil && !ca.IsKind(err, ca.KindCertRevoked) {
			r.logger.Warn("failed to revoke unconfirmed certificate",
				zap.String("ca", pending.CAName),
				zap.String("serial", pending.Serial.Text(16)),
				zap.Error(err))
			continue
		}
		r.logger.Info("unconfirmed certificate revoked",
			zap.String("ca", pending.CAName),
			zap.String("serial", pending.Serial.Text(16)),
			zap.String("transaction", pending.TransactionID))
	}
	return nil
}

func (r *Responder) caByName(name string) *ca.CA {
	for _, authority := range r.cas {
		if authority.Name() == name {
			return authority
		}
	}
	return nil
}

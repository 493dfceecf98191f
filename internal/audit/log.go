package audit

import "sync"

var (
	defaultWriter   Writer = NopWriter{}
	defaultWriterMu sync.RWMutex
)

// SetWriter installs the process-wide audit writer.
// Call once at startup, before any CA is constructed.
func SetWriter(w Writer) {
	defaultWriterMu.Lock()
	defer defaultWriterMu.Unlock()
	if w == nil {
		w = NopWriter{}
	}
	defaultWriter = w
}

// Log writes an event through the installed writer.
func Log(event *Event) error {
	defaultWriterMu.RLock()
	w := defaultWriter
	defaultWriterMu.RUnlock()
	return w.Write(event)
}

func result(ok bool) Result {
	if ok {
		return ResultSuccess
	}
	return ResultFailure
}

// LogCALoaded records a CA being loaded into service.
func LogCALoaded(caName, subject string, ok bool) error {
	return Log(NewEvent(EventCALoaded, result(ok)).
		WithObject(Object{Type: "ca", CA: caName, Subject: subject}))
}

// LogCertIssued records a certificate issuance.
func LogCertIssued(caName, serial, subject, profile, requestor, transaction string, ok bool) error {
	return Log(NewEvent(EventCertIssued, result(ok)).
		WithObject(Object{Type: "certificate", CA: caName, Serial: serial, Subject: subject}).
		WithContext(Context{Profile: profile, Requestor: requestor, Transaction: transaction}))
}

// LogCertRevoked records a revocation.
func LogCertRevoked(caName, serial, subject, reason string, ok bool) error {
	return Log(NewEvent(EventCertRevoked, result(ok)).
		WithObject(Object{Type: "certificate", CA: caName, Serial: serial, Subject: subject}).
		WithContext(Context{Reason: reason}))
}

// LogCertUnrevoked records an on-hold certificate being reactivated.
func LogCertUnrevoked(caName, serial string, ok bool) error {
	return Log(NewEvent(EventCertUnrevoked, result(ok)).
		WithObject(Object{Type: "certificate", CA: caName, Serial: serial}))
}

// LogCertRemoved records a certificate removal.
func LogCertRemoved(caName, serial string, ok bool) error {
	return Log(NewEvent(EventCertRemoved, result(ok)).
		WithObject(Object{Type: "certificate", CA: caName, Serial: serial}))
}

// LogCRLGenerated records a CRL generation.
func LogCRLGenerated(caName string, number int64, entries int, ok bool) error {
	return Log(NewEvent(EventCRLGenerated, result(ok)).
		WithObject(Object{Type: "crl", CA: caName}).
		WithContext(Context{CRLNumber: number, Entries: entries}))
}

// LogRequestRejected records a protocol request rejection.
func LogRequestRejected(caName, requestor, transaction, detail string) error {
	return Log(NewEvent(EventRequestRejected, ResultFailure).
		WithObject(Object{Type: "ca", CA: caName}).
		WithContext(Context{Requestor: requestor, Transaction: transaction, Detail: detail}))
}

// LogConfirmExpired records an unconfirmed certificate being auto-revoked.
func LogConfirmExpired(caName, serial, transaction string, ok bool) error {
	return Log(NewEvent(EventConfirmExpired, result(ok)).
		WithObject(Object{Type: "certificate", CA: caName, Serial: serial}).
		WithContext(Context{Transaction: transaction}))
}

package ca

import (
	"errors"
	"fmt"
)

// Kind classifies an operation failure. Kinds, not error types, drive the
// protocol-level failure mapping at the responder boundary.
type Kind int

const (
	KindNone Kind = iota

	// KindAlreadyIssued signals a duplicate-key or duplicate-subject conflict.
	KindAlreadyIssued

	// KindBadCertTemplate signals a requested template the profile rejects.
	KindBadCertTemplate

	// KindBadRequest signals a malformed or unsupported request.
	KindBadRequest

	// KindBadPOP signals a failed proof-of-possession check.
	KindBadPOP

	// KindCertRevoked signals an operation against a revoked certificate.
	KindCertRevoked

	// KindUnknownCert signals an operation against an unknown serial.
	KindUnknownCert

	// KindUnknownProfile signals a profile not bound to the CA.
	KindUnknownProfile

	// KindInvalidExtension signals an extension the profile cannot grant.
	KindInvalidExtension

	// KindNotPermitted signals an operation the CA state forbids.
	KindNotPermitted

	// KindInsufficientPermission signals a requestor lacking a permission.
	KindInsufficientPermission

	// KindCRLFailure signals a CRL generation failure.
	KindCRLFailure

	// KindDatabaseFailure signals a store-level failure. Detail is redacted
	// at the protocol boundary.
	KindDatabaseFailure

	// KindSystemFailure signals an unexpected internal fault. Detail is
	// redacted at the protocol boundary.
	KindSystemFailure

	// KindSystemUnavailable signals a temporarily unavailable dependency
	// (signer offline, CRL generation busy).
	KindSystemUnavailable
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindAlreadyIssued:
		return "AlreadyIssued"
	case KindBadCertTemplate:
		return "BadCertTemplate"
	case KindBadRequest:
		return "BadRequest"
	case KindBadPOP:
		return "BadPOP"
	case KindCertRevoked:
		return "CertRevoked"
	case KindUnknownCert:
		return "UnknownCert"
	case KindUnknownProfile:
		return "UnknownCertProfile"
	case KindInvalidExtension:
		return "InvalidExtension"
	case KindNotPermitted:
		return "NotPermitted"
	case KindInsufficientPermission:
		return "InsufficientPermission"
	case KindCRLFailure:
		return "CRLFailure"
	case KindDatabaseFailure:
		return "DatabaseFailure"
	case KindSystemFailure:
		return "SystemFailure"
	case KindSystemUnavailable:
		return "SystemUnavailable"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Redacted reports whether responses must carry only the kind name,
// never the underlying detail.
func (k Kind) Redacted() bool {
	return k == KindDatabaseFailure || k == KindSystemFailure
}

// OpError is the error type returned by CA operations.
type OpError struct {
	Kind Kind
	Msg  string
	Err  error
}

// Error implements the error interface.
func (e *OpError) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return e.Kind.String()
	}
}

// Unwrap returns the wrapped error.
func (e *OpError) Unwrap() error { return e.Err }

// Errf creates an OpError with a formatted message.
func Errf(kind Kind, format string, args ...interface{}) *OpError {
	return &OpError{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap creates an OpError wrapping err. A nil err yields a bare kind error.
func Wrap(kind Kind, msg string, err error) *OpError {
	return &OpError{Kind: kind, Msg: msg, Err: err}
}

// KindOf extracts the Kind from an error chain.
// Unclassified errors report KindSystemFailure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var oe *OpError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return KindSystemFailure
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

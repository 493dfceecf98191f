package cmp

import (
	"github.com/remiblancher/cmp-ca/internal/ca"
)

// PKIStatus is the coarse outcome of a request.
type PKIStatus int

const (
	StatusGranted         PKIStatus = 0
	StatusGrantedWithMods PKIStatus = 1
	StatusRejection       PKIStatus = 2
)

// FailInfo is the failure-detail bitmask carried on rejections.
type FailInfo uint32

const (
	FailBadRequest FailInfo = 1 << iota
	FailBadCertTemplate
	FailBadPOP
	FailCertRevoked
	FailBadCertID
	FailNotAuthorized
	FailUnacceptedExtension
	FailDuplicateCertReq
	FailSystemFailure
	FailSystemUnavailable
)

// failInfoFor maps an error kind to its wire failure bit. The mapping
// is deterministic: equal kinds always produce equal failinfo.
func failInfoFor(kind ca.Kind) FailInfo {
	switch kind {
	case ca.KindAlreadyIssued:
		return FailDuplicateCertReq
	case ca.KindBadCertTemplate, ca.KindUnknownProfile:
		return FailBadCertTemplate
	case ca.KindBadRequest:
		return FailBadRequest
	case ca.KindBadPOP:
		return FailBadPOP
	case ca.KindCertRevoked:
		return FailCertRevoked
	case ca.KindUnknownCert:
		return FailBadCertID
	case ca.KindInvalidExtension:
		return FailUnacceptedExtension
	case ca.KindNotPermitted, ca.KindInsufficientPermission:
		return FailNotAuthorized
	case ca.KindSystemUnavailable:
		return FailSystemUnavailable
	default:
		return FailSystemFailure
	}
}

// statusFor builds the rejection StatusInfo for an error. Internal
// faults are redacted to the kind name; everything else carries the
// operation's message.
func statusFor(err error) StatusInfo {
	kind := ca.KindOf(err)
	detail := err.Error()
	if kind.Redacted() {
		detail = kind.String()
	}
	return StatusInfo{
		Status:   StatusRejection,
		FailInfo: failInfoFor(kind),
		Detail:   detail,
	}
}

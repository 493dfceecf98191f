// Package metrics exposes Prometheus instrumentation for the CA core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// CertificatesIssued counts issued certificates per CA and profile.
	CertificatesIssued = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmpca",
		Name:      "certificates_issued_total",
		Help:      "Certificates issued.",
	}, []string{"ca", "profile"})

	// CertificatesRevoked counts revocations per CA and reason.
	CertificatesRevoked = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmpca",
		Name:      "certificates_revoked_total",
		Help:      "Certificates revoked.",
	}, []string{"ca", "reason"})

	// CRLsGenerated counts generated CRLs per CA and kind (full, delta).
	CRLsGenerated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmpca",
		Name:      "crls_generated_total",
		Help:      "CRLs generated.",
	}, []string{"ca", "kind"})

	// RequestsRejected counts rejected requests per CA and error kind.
	RequestsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmpca",
		Name:      "requests_rejected_total",
		Help:      "Requests rejected, by error kind.",
	}, []string{"ca", "kind"})

	// PublishQueueDepth tracks the durable publish queue backlog.
	PublishQueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cmpca",
		Name:      "publish_queue_depth",
		Help:      "Publications waiting in the retry queue.",
	}, []string{"ca"})

	// PendingConfirmations tracks certificates awaiting confirmation.
	PendingConfirmations = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "cmpca",
		Name:      "pending_confirmations",
		Help:      "Issued certificates awaiting client confirmation.",
	}, []string{"ca"})

	// ProtocolMessages counts protocol exchanges per CA, body type and
	// outcome status.
	ProtocolMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "cmpca",
		Name:      "protocol_messages_total",
		Help:      "Protocol messages handled, by body type and status.",
	}, []string{"ca", "body", "status"})
)

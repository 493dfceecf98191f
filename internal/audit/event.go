// Package audit provides secure audit logging for CA operations.
//
// Audit logs are separate from technical logs and designed for:
//   - Compliance (eIDAS, ETSI EN 319 401)
//   - SIEM integration
//   - Tamper evidence via cryptographic hash chaining
//
// Key principles:
//   - Audit failure = Operation failure on issuance/revocation paths
//   - Never log secrets (private keys, passphrases, requestor secrets)
//   - All timestamps in UTC
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
)

// EventType represents the category of audit event.
type EventType string

const (
	// CA lifecycle events
	EventCALoaded  EventType = "CA_LOADED"
	EventCACreated EventType = "CA_CREATED"

	// Certificate events
	EventCertIssued    EventType = "CERT_ISSUED"
	EventCertRevoked   EventType = "CERT_REVOKED"
	EventCertUnrevoked EventType = "CERT_UNREVOKED"
	EventCertRemoved   EventType = "CERT_REMOVED"

	// CRL events
	EventCRLGenerated EventType = "CRL_GENERATED"

	// Protocol events
	EventRequestRejected EventType = "REQUEST_REJECTED"
	EventConfirmExpired  EventType = "CONFIRM_EXPIRED"

	// Publication events
	EventRepublishStarted EventType = "REPUBLISH_STARTED"
	EventRepublishDone    EventType = "REPUBLISH_DONE"
)

// Result represents the outcome of an audited operation.
type Result string

const (
	ResultSuccess Result = "success"
	ResultFailure Result = "failure"
)

// Object represents what was acted upon.
type Object struct {
	Type    string `json:"type"`              // "certificate", "ca", "crl"
	Serial  string `json:"serial,omitempty"`  // certificate serial number
	Subject string `json:"subject,omitempty"` // certificate subject DN
	CA      string `json:"ca,omitempty"`      // CA name
}

// Context provides additional details about the operation.
type Context struct {
	Profile     string `json:"profile,omitempty"`
	Requestor   string `json:"requestor,omitempty"`
	Transaction string `json:"transaction,omitempty"`
	Reason      string `json:"reason,omitempty"`
	Detail      string `json:"detail,omitempty"`
	CRLNumber   int64  `json:"crl_number,omitempty"`
	Entries     int    `json:"entries,omitempty"`
}

// Event represents a single audit log entry.
type Event struct {
	ID        string    `json:"id"`
	EventType EventType `json:"event_type"`
	Timestamp string    `json:"timestamp"` // RFC3339 UTC
	Host      string    `json:"host,omitempty"`
	Object    Object    `json:"object"`
	Context   Context   `json:"context,omitempty"`
	Result    Result    `json:"result"`
	HashPrev  string    `json:"hash_prev"` // SHA-256 hash of previous event
	Hash      string    `json:"hash"`      // SHA-256 hash of this event
}

// NewEvent creates a new audit event with current timestamp.
func NewEvent(eventType EventType, result Result) *Event {
	hostname, _ := os.Hostname()
	return &Event{
		ID:        uuid.NewString(),
		EventType: eventType,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Host:      hostname,
		Result:    result,
	}
}

// WithObject sets the object field.
func (e *Event) WithObject(obj Object) *Event {
	e.Object = obj
	return e
}

// WithContext sets the context field.
func (e *Event) WithContext(ctx Context) *Event {
	e.Context = ctx
	return e
}

// Validate checks that required fields are present.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return fmt.Errorf("event_type is required")
	}
	if e.Timestamp == "" {
		return fmt.Errorf("timestamp is required")
	}
	if e.Result == "" {
		return fmt.Errorf("result is required")
	}
	return nil
}

// CanonicalJSON returns the event as canonical JSON for hashing.
// Excludes the Hash field to allow hash calculation.
func (e *Event) CanonicalJSON() ([]byte, error) {
	type eventForHash struct {
		ID        string    `json:"id"`
		EventType EventType `json:"event_type"`
		Timestamp string    `json:"timestamp"`
		Host      string    `json:"host,omitempty"`
		Object    Object    `json:"object"`
		Context   Context   `json:"context,omitempty"`
		Result    Result    `json:"result"`
		HashPrev  string    `json:"hash_prev"`
	}
	return json.Marshal(eventForHash{
		ID:        e.ID,
		EventType: e.EventType,
		Timestamp: e.Timestamp,
		Host:      e.Host,
		Object:    e.Object,
		Context:   e.Context,
		Result:    e.Result,
		HashPrev:  e.HashPrev,
	})
}

// JSON returns the full event as JSON.
func (e *Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

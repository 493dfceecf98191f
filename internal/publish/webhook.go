package publish

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/remiblancher/cmp-ca/internal/store"
)

// WebhookPublisher POSTs lifecycle events as JSON to an HTTP endpoint.
// It stands in for an OCSP-feed or inventory consumer. Marked async by
// default so deliveries always go through the durable queue.
type WebhookPublisher struct {
	name      string
	url       string
	async     bool
	goodCerts bool
	client    *http.Client
}

var _ Publisher = (*WebhookPublisher)(nil)

// NewWebhookPublisher creates a webhook publisher.
// Required option: "url". Optional: "async" (default true),
// "goodCerts" (default true), "timeout" (seconds, default 10).
func NewWebhookPublisher(name string, options map[string]string) (Publisher, error) {
	url := options["url"]
	if url == "" {
		return nil, fmt.Errorf("webhook publisher %s: option \"url\" is required", name)
	}
	async := true
	if v, ok := options["async"]; ok {
		async = v == "true"
	}
	goodCerts := true
	if v, ok := options["goodCerts"]; ok {
		goodCerts = v == "true"
	}
	timeout := 10 * time.Second
	if v, ok := options["timeout"]; ok {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("webhook publisher %s: invalid timeout %q", name, v)
		}
		timeout = time.Duration(secs) * time.Second
	}
	return &WebhookPublisher{
		name:      name,
		url:       url,
		async:     async,
		goodCerts: goodCerts,
		client:    &http.Client{Timeout: timeout},
	}, nil
}

func (p *WebhookPublisher) Name() string { return p.name }

type webhookEvent struct {
	Event   string `json:"event"`
	CA      string `json:"ca"`
	Serial  string `json:"serial,omitempty"`
	Subject string `json:"subject,omitempty"`
	Reason  int    `json:"reason,omitempty"`
	Data    string `json:"data,omitempty"` // base64 DER
}

func (p *WebhookPublisher) post(ctx context.Context, ev webhookEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s: %w", p.name, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook %s: unexpected status %d", p.name, resp.StatusCode)
	}
	return nil
}

func (p *WebhookPublisher) certEvent(event string, rec *store.CertRecord) webhookEvent {
	ev := webhookEvent{
		Event:   event,
		CA:      rec.CAName,
		Serial:  rec.Serial.Text(16),
		Subject: rec.Subject,
		Data:    base64.StdEncoding.EncodeToString(rec.Raw),
	}
	if rec.Revocation != nil {
		ev.Reason = rec.Revocation.Reason
	}
	return ev
}

func (p *WebhookPublisher) CertificateAdded(ctx context.Context, rec *store.CertRecord) error {
	return p.post(ctx, p.certEvent("certificate.added", rec))
}

func (p *WebhookPublisher) CertificateRevoked(ctx context.Context, rec *store.CertRecord) error {
	return p.post(ctx, p.certEvent("certificate.revoked", rec))
}

func (p *WebhookPublisher) CertificateUnrevoked(ctx context.Context, rec *store.CertRecord) error {
	return p.post(ctx, p.certEvent("certificate.unrevoked", rec))
}

func (p *WebhookPublisher) CertificateRemoved(ctx context.Context, rec *store.CertRecord) error {
	ev := p.certEvent("certificate.removed", rec)
	ev.Data = ""
	return p.post(ctx, ev)
}

func (p *WebhookPublisher) CRLAdded(ctx context.Context, caName string, crlDER []byte) error {
	return p.post(ctx, webhookEvent{
		Event: "crl.added",
		CA:    caName,
		Data:  base64.StdEncoding.EncodeToString(crlDER),
	})
}

func (p *WebhookPublisher) CAAdded(ctx context.Context, caName string, certDER []byte) error {
	return p.post(ctx, webhookEvent{
		Event: "ca.added",
		CA:    caName,
		Data:  base64.StdEncoding.EncodeToString(certDER),
	})
}

func (p *WebhookPublisher) CARevoked(ctx context.Context, caName string, rev store.Revocation) error {
	return p.post(ctx, webhookEvent{
		Event:  "ca.revoked",
		CA:     caName,
		Reason: rev.Reason,
	})
}

func (p *WebhookPublisher) Async() bool { return p.async }

func (p *WebhookPublisher) PublishesGoodCerts() bool { return p.goodCerts }

func (p *WebhookPublisher) Healthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.url, nil)
	if err != nil {
		return false
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return true
}

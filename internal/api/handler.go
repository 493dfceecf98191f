package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/ca"
	"github.com/remiblancher/cmp-ca/internal/cmp"
)

// maxMessageBytes bounds a protocol request body.
const maxMessageBytes = 1 << 20

// ProtocolHandler serves the protocol and CRL endpoints.
type ProtocolHandler struct {
	responder *cmp.Responder
	cas       map[string]*ca.CA // by alias
	logger    *zap.Logger
}

// NewProtocolHandler creates the handler.
func NewProtocolHandler(responder *cmp.Responder, cas map[string]*ca.CA, logger *zap.Logger) *ProtocolHandler {
	return &ProtocolHandler{responder: responder, cas: cas, logger: logger}
}

// Exchange handles POST /cmp/{caAlias}: one protocol message in, one
// out. Transport errors use HTTP status codes; protocol errors travel
// inside a 200 response as error bodies.
func (h *ProtocolHandler) Exchange(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "caAlias")
	authority, ok := h.cas[alias]
	if !ok {
		http.Error(w, "unknown CA", http.StatusNotFound)
		return
	}
	// Republication takes a CA out of service; the endpoint disappears
	// with it.
	if authority.Status() != ca.StatusActive {
		http.Error(w, "CA not available", http.StatusNotFound)
		return
	}
	if ct := r.Header.Get("Content-Type"); ct != cmp.ContentType {
		http.Error(w, "unsupported media type", http.StatusUnsupportedMediaType)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageBytes+1))
	if err != nil {
		http.Error(w, "failed to read request", http.StatusBadRequest)
		return
	}
	if len(body) > maxMessageBytes {
		http.Error(w, "message too large", http.StatusRequestEntityTooLarge)
		return
	}

	msg, err := cmp.Decode(body)
	if err != nil {
		http.Error(w, "malformed message", http.StatusBadRequest)
		return
	}

	resp := h.responder.Handle(r.Context(), alias, msg)
	out, err := cmp.Encode(resp)
	if err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", cmp.ContentType)
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

// CRL handles GET /crl/{caAlias}: the latest CRL as DER. The query
// parameter number selects a specific stored CRL.
func (h *ProtocolHandler) CRL(w http.ResponseWriter, r *http.Request) {
	alias := chi.URLParam(r, "caAlias")
	authority, ok := h.cas[alias]
	if !ok {
		http.Error(w, "unknown CA", http.StatusNotFound)
		return
	}

	var raw []byte
	if numStr := r.URL.Query().Get("number"); numStr != "" {
		number, err := strconv.ParseInt(numStr, 10, 64)
		if err != nil {
			http.Error(w, "invalid CRL number", http.StatusBadRequest)
			return
		}
		rec, err := authority.CRLByNumber(r.Context(), number)
		if err != nil {
			h.crlError(w, err)
			return
		}
		raw = rec.Raw
	} else {
		rec, err := authority.CurrentCRL(r.Context())
		if err != nil {
			h.crlError(w, err)
			return
		}
		raw = rec.Raw
	}

	w.Header().Set("Content-Type", "application/pkix-crl")
	w.WriteHeader(http.StatusOK)
	w.Write(raw)
}

func (h *ProtocolHandler) crlError(w http.ResponseWriter, err error) {
	switch ca.KindOf(err) {
	case ca.KindCRLFailure:
		http.Error(w, "no CRL available", http.StatusNotFound)
	default:
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}

// Health reports liveness.
func Health(version string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{
			"status":  "ok",
			"version": version,
		})
	}
}

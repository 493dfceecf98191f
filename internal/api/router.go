package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/remiblancher/cmp-ca/internal/ca"
	"github.com/remiblancher/cmp-ca/internal/cmp"
)

// NewRouter wires the chi router with all endpoints.
func NewRouter(responder *cmp.Responder, cas map[string]*ca.CA, version string, metrics bool, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(RequestID)
	r.Use(Logger(logger))
	r.Use(Recoverer(logger))

	h := NewProtocolHandler(responder, cas, logger)

	r.Get("/health", Health(version))
	r.Post("/cmp/{caAlias}", h.Exchange)
	r.Get("/crl/{caAlias}", h.CRL)
	if metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

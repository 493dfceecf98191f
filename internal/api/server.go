package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

// Server runs the HTTP front over an assembled runtime.
type Server struct {
	rt      *Runtime
	version string
	srv     *http.Server
}

// NewServer wires the router over the runtime.
func NewServer(rt *Runtime, version string) *Server {
	handler := NewRouter(rt.Responder, rt.CAs, version, rt.Config.Server.Metrics, rt.Logger)
	return &Server{
		rt:      rt,
		version: version,
		srv: &http.Server{
			Addr:         rt.Config.Server.Address,
			Handler:      handler,
			ReadTimeout:  rt.Config.Server.ReadTimeout,
			WriteTimeout: rt.Config.Server.WriteTimeout,
			IdleTimeout:  rt.Config.Server.IdleTimeout,
		},
	}
}

// Start serves until a shutdown signal or listener error, then shuts
// down gracefully.
func (s *Server) Start() error {
	s.rt.StartJobs()
	defer s.rt.Close()

	errChan := make(chan error, 1)
	go func() {
		cfg := &s.rt.Config.Server
		if cfg.TLSCert != "" && cfg.TLSKey != "" {
			errChan <- s.srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
		} else {
			errChan <- s.srv.ListenAndServe()
		}
	}()

	s.rt.Logger.Info("server started",
		zap.String("address", s.srv.Addr),
		zap.String("version", s.version),
		zap.Int("cas", len(s.rt.CAs)))

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
	case sig := <-sigChan:
		s.rt.Logger.Info("shutting down", zap.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), s.rt.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := s.srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("shutdown error: %w", err)
		}
	}
	return nil
}

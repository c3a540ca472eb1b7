// Package admin serves the worker's health and metrics endpoints.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/stupiduntilnot/pollbot/internal/metrics"
)

// StatusFunc reports extra fields for /healthz.
type StatusFunc func() map[string]any

// Server exposes GET /healthz and GET /metrics.
type Server struct {
	addr       string
	router     *chi.Mux
	httpServer *http.Server
	listener   net.Listener
	logger     zerolog.Logger
}

// NewServer builds the router. status may be nil.
func NewServer(addr string, status StatusFunc, logger zerolog.Logger) *Server {
	s := &Server{addr: addr, router: chi.NewRouter(), logger: logger}
	s.router.Use(middleware.Recoverer)
	s.router.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		body := map[string]any{"status": "ok"}
		if status != nil {
			for k, v := range status() {
				body[k] = v
			}
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if err := json.NewEncoder(w).Encode(body); err != nil {
			s.logger.Debug().Err(err).Msg("healthz write failed")
		}
	})
	s.router.Handle("/metrics", metrics.Handler())
	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start binds the address and serves in the background.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("admin listen on %s: %w", s.addr, err)
	}
	s.listener = listener
	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("admin server stopped")
		}
	}()
	s.logger.Info().Str("addr", listener.Addr().String()).Msg("admin server listening")
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BaseURL returns the server's base URL once started.
func (s *Server) BaseURL() string {
	if s.listener != nil {
		return fmt.Sprintf("http://%s", s.listener.Addr().String())
	}
	return "http://" + s.addr
}

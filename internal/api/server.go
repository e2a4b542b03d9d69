// Package api exposes a small read-only HTTP surface per instance: health,
// engine loop status, and the currently tracked positions.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"copytrader/internal/config"
)

// Server runs the instance's HTTP status API.
type Server struct {
	server *http.Server
	logger *slog.Logger
}

// NewServer wires the routes against the status provider and the store.
func NewServer(cfg config.APIConfig, h *Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", h.HandleHealth)
	mux.HandleFunc("/api/status", h.HandleStatus)
	mux.HandleFunc("/api/positions", h.HandlePositions)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		server: server,
		logger: logger.With("component", "api-server"),
	}
}

// Start blocks serving requests until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("status api starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status api")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

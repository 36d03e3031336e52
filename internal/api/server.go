// Package api serves the control channel: a websocket at /ws carrying
// inbound control messages (start, stop, setWhitelist, setSettings,
// setUiSelectors) and outbound status (heartbeat, log, sticky advisories,
// isReady), plus HTTP status endpoints and the Prometheus metrics handler.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"futures-keeper/internal/config"
	"futures-keeper/internal/metrics"
)

// Server runs the HTTP/WebSocket control API
type Server struct {
	cfg      config.ControlConfig
	metrics  config.MetricsConfig
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the control server around an existing hub. The hub is
// created separately so the loop can publish to it before the server runs.
func NewServer(
	cfg config.ControlConfig,
	metricsCfg config.MetricsConfig,
	hub *Hub,
	rates RateTable,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(hub.ctrl, rates, cfg, hub, logger)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		metrics:  metricsCfg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler returns the route table. Websocket clients are released when ctx
// is cancelled.
func (s *Server) Handler(ctx context.Context) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", s.handlers.HandleSnapshot)
	mux.HandleFunc("/api/ratelimit", s.handlers.HandleRateLimit)
	mux.HandleFunc("/ws", s.handlers.HandleWebSocket(ctx))
	if s.metrics.Enabled {
		path := s.metrics.Path
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, metrics.Handler())
	}
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	s.server.Handler = s.Handler(ctx)
	go s.hub.Run(ctx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("control server starting", "addr", s.server.Addr)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("control server: %w", err)
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("stopping control server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(shutdownCtx)
}

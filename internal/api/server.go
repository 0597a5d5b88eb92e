// Package api serves the bot's read-only status surface: JSON endpoints for
// state, markets, portfolio and paper metrics, Prometheus metrics, and a
// WebSocket stream of engine events. It keeps serving while the state
// machine is halted so operators can see why.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"polymarket-edge/internal/config"
)

// Server runs the HTTP/WebSocket status API.
type Server struct {
	cfg      config.StatusConfig
	provider StatusProvider
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the mux. The registry backs /metrics; pass the bot's
// private metrics registry.
func NewServer(
	fullCfg config.Config,
	provider StatusProvider,
	registry *prometheus.Registry,
	logger *slog.Logger,
) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(provider, fullCfg, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.HandleFunc("/api/status", handlers.HandleStatus)
	mux.HandleFunc("/api/markets", handlers.HandleMarkets)
	mux.HandleFunc("/api/portfolio", handlers.HandlePortfolio)
	mux.HandleFunc("/api/paper", handlers.HandlePaper)
	mux.HandleFunc("/api/performance", handlers.HandlePerformance)
	mux.HandleFunc("/api/config", handlers.HandleConfig)
	mux.HandleFunc("/ws", handlers.HandleWebSocket)
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", fullCfg.Status.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      fullCfg.Status,
		provider: provider,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event fan-out, and the HTTP listener. Blocks until
// the server stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeEvents()

	s.logger.Info("status server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping status server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return s.server.Shutdown(ctx)
}

// consumeEvents relays engine events to connected WebSocket clients.
func (s *Server) consumeEvents() {
	events := s.provider.Events()
	if events == nil {
		return
	}
	for evt := range events {
		s.hub.BroadcastEvent(evt)
	}
}

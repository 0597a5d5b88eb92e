package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"polymarket-edge/internal/config"
)

// Handlers holds all HTTP handler dependencies.
type Handlers struct {
	provider StatusProvider
	cfg      config.Config
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

func NewHandlers(provider StatusProvider, cfg config.Config, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		provider: provider,
		cfg:      cfg,
		hub:      hub,
		logger:   logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg.Status, r.Host)
		},
	}
	return h
}

// isOriginAllowed gates WebSocket upgrades. With no allowlist configured,
// same-host and localhost origins pass; with one, only exact matches do.
func isOriginAllowed(origin string, cfg config.StatusConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || strings.HasSuffix(host, ".localhost")
}

func (h *Handlers) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

// HandleHealth returns a simple liveness response.
func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, map[string]string{"status": "ok"})
}

// HandleStatus serves the state-machine summary.
func (h *Handlers) HandleStatus(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.provider.MachineStatus())
}

// HandleMarkets serves the tracked-market views.
func (h *Handlers) HandleMarkets(w http.ResponseWriter, _ *http.Request) {
	views := h.provider.MarketViews()
	if views == nil {
		views = []MarketView{}
	}
	h.writeJSON(w, views)
}

// HandlePortfolio serves the portfolio snapshot.
func (h *Handlers) HandlePortfolio(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.provider.PortfolioSnapshot())
}

// HandlePaper serves paper-trading metrics and calibration buckets.
func (h *Handlers) HandlePaper(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.provider.PaperReport())
}

// HandlePerformance serves the most recent batch cycle metrics.
func (h *Handlers) HandlePerformance(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, h.provider.Performance())
}

// HandleConfig serves the effective configuration, secrets excluded.
func (h *Handlers) HandleConfig(w http.ResponseWriter, _ *http.Request) {
	h.writeJSON(w, NewConfigSummary(h.cfg))
}

// HandleWebSocket upgrades the connection and registers the client with the
// hub. The current status is pushed immediately so clients render without
// waiting for the next event.
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	status := h.provider.MachineStatus()
	data, err := json.Marshal(Event{Type: "status", Timestamp: time.Now(), Data: status})
	if err != nil {
		h.logger.Error("failed to marshal initial status", "error", err)
		return
	}
	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial status to client")
	}
}

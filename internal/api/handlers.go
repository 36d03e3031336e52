package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"futures-keeper/internal/config"
	"futures-keeper/internal/ratelimit"
)

// RateTable is the governor surface exposed to operators.
type RateTable interface {
	Statuses() []ratelimit.Status
	Clear(ctx context.Context) error
}

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	ctrl     Controller
	rates    RateTable
	cfg      config.ControlConfig
	hub      *Hub
	upgrader websocket.Upgrader
	logger   *slog.Logger
}

// NewHandlers creates a new handlers instance. rates may be nil.
func NewHandlers(ctrl Controller, rates RateTable, cfg config.ControlConfig, hub *Hub, logger *slog.Logger) *Handlers {
	h := &Handlers{
		ctrl:   ctrl,
		rates:  rates,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), h.cfg, r.Host)
		},
	}
	return h
}

// isOriginAllowed admits requests without an Origin header (non-browser
// clients). With an allowlist only listed origins pass; without one,
// localhost and the request's own host pass.
func isOriginAllowed(origin string, cfg config.ControlConfig, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if strings.EqualFold(strings.TrimRight(allowed, "/"), strings.TrimRight(origin, "/")) {
				return true
			}
		}
		return false
	}

	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.EqualFold(u.Host, reqHost)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"status": "ok"}
	if h.ctrl != nil {
		st := h.ctrl.State()
		resp["isStart"] = st.IsStart
		resp["armed"] = st.Armed
	}
	writeJSON(w, http.StatusOK, resp)
}

// HandleSnapshot returns the loop state (flags, settings, whitelist,
// qualified entries, last account snapshot) and the hot rate buckets.
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if h.ctrl == nil {
		http.Error(w, "loop not available", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusOK, BuildSnapshot(h.ctrl, h.rates, time.Now()))
}

// HandleRateLimit serves the counter table (GET) or clears it (DELETE).
func (h *Handlers) HandleRateLimit(w http.ResponseWriter, r *http.Request) {
	if h.rates == nil {
		http.Error(w, "rate governor not available", http.StatusServiceUnavailable)
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]any{"buckets": h.rates.Statuses()})
	case http.MethodDelete:
		if err := h.rates.Clear(r.Context()); err != nil {
			h.logger.Error("failed to clear rate counters", "error", err)
			http.Error(w, "clear failed: "+err.Error(), http.StatusInternalServerError)
			return
		}
		h.hub.Log("info", "[*] ratelimit: counters cleared")
		w.WriteHeader(http.StatusNoContent)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// HandleWebSocket upgrades the connection and attaches it to the hub.
func (h *Handlers) HandleWebSocket(ctx context.Context) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.logger.Warn("websocket upgrade failed", "origin", r.Header.Get("Origin"), "error", err)
			return
		}
		h.hub.serveClient(ctx, conn)
	}
}

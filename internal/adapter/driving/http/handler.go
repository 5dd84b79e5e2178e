package http

import (
	"encoding/json"
	"net/http"

	"github.com/Wyydra/yacall/internal/adapter/driven/gateway/ws"
	"github.com/Wyydra/yacall/internal/config"
	"github.com/Wyydra/yacall/internal/core/port"
	"github.com/Wyydra/yacall/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

type Handler struct {
	Relay    *service.Relay
	Hub      *ws.Hub
	Presence port.PresenceRegistry
	Calls    port.CallSessionStore

	// Metrics is mounted at /metrics when set.
	Metrics http.Handler

	cfg      config.Server
	upgrader websocket.Upgrader
}

func NewHandler(relay *service.Relay, hub *ws.Hub, presence port.PresenceRegistry, calls port.CallSessionStore, cfg config.Server) *Handler {
	h := &Handler{
		Relay:    relay,
		Hub:      hub,
		Presence: presence,
		Calls:    calls,
		cfg:      cfg,
	}
	h.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/ws", h.ServeWS)
	r.Get("/healthz", h.Health)
	if h.Metrics != nil {
		r.Handle("/metrics", h.Metrics)
	}
	if h.cfg.StaticDir != "" {
		fs := http.FileServer(http.Dir(h.cfg.StaticDir))
		r.Handle("/*", fs)
	}

	return r
}

type healthDTO struct {
	Status      string `json:"status"`
	Connections int    `json:"connections"`
	Online      int    `json:"online"`
	ActiveCalls int    `json:"activeCalls"`
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	dto := healthDTO{
		Status:      "ok",
		Connections: h.Hub.Len(),
		Online:      h.Presence.Len(),
		ActiveCalls: h.Calls.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(dto); err != nil {
		log.Error().Err(err).Msg("Write health response")
	}
}

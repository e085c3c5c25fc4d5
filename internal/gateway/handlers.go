package gateway

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"pairscope/internal/model"
)

var upgrader = websocket.Upgrader{
	CheckOrigin:       func(r *http.Request) bool { return true },
	EnableCompression: true,
}

// StatsSource provides the aggregate counters.
type StatsSource interface {
	Stats() model.Stats
}

// Handlers serves the observer-facing HTTP surface.
type Handlers struct {
	source      SnapshotSource
	stats       StatsSource
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewHandlers creates the HTTP handlers.
func NewHandlers(source SnapshotSource, stats StatsSource, b *Broadcaster, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{source: source, stats: stats, broadcaster: b, logger: logger}
}

// Register mounts /ws, /api/snapshot and /api/stats.
func (h *Handlers) Register(mux interface {
	Handle(pattern string, handler http.Handler)
}) {
	mux.Handle("/ws", http.HandlerFunc(h.ServeWS))
	mux.Handle("/api/snapshot", http.HandlerFunc(h.ServeSnapshot))
	mux.Handle("/api/stats", http.HandlerFunc(h.ServeStats))
}

// SetCORS sets CORS headers for REST endpoints.
func SetCORS(w http.ResponseWriter) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
}

// ServeSnapshot returns every tracked pair plus stats.
func (h *Handlers) ServeSnapshot(w http.ResponseWriter, r *http.Request) {
	if !h.preflight(w, r) {
		return
	}
	writeJSON(w, h.source.View())
}

// ServeStats returns the aggregate counters only.
func (h *Handlers) ServeStats(w http.ResponseWriter, r *http.Request) {
	if !h.preflight(w, r) {
		return
	}
	writeJSON(w, h.stats.Stats())
}

// ServeWS upgrades the connection and subscribes it to the broadcaster.
// The first frame is always a snapshot event.
func (h *Handlers) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("ws upgrade error", slog.String("error", err.Error()))
		return
	}
	conn.EnableWriteCompression(true)

	client := newClient(conn, h.logger)
	if err := h.broadcaster.Subscribe(client); err != nil {
		h.logger.Warn("ws subscribe failed", slog.String("client", client.ID()), slog.String("error", err.Error()))
		conn.Close()
		return
	}
	h.logger.Info("ws client connected", slog.String("client", client.ID()), slog.String("remote", r.RemoteAddr))

	go client.writePump()
	go client.readPump(func() { h.broadcaster.Unsubscribe(client) })
}

func (h *Handlers) preflight(w http.ResponseWriter, r *http.Request) bool {
	SetCORS(w)
	switch r.Method {
	case http.MethodOptions:
		w.WriteHeader(http.StatusNoContent)
		return false
	case http.MethodGet:
		return true
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/websocket"
)

// WatchHandler handles the WebSocket upgrade endpoint GET
// /api/v1/profiling/watch, the expansion streaming endpoint named in
// SPEC_FULL.md §6. A connected client receives host heartbeat and command
// status deltas as they are persisted, in place of polling
// ListHostProfilingStatus.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter, e.g. host:<host>:<service> or service:<service>. With no
// topics given, the client receives nothing, this endpoint has no
// "subscribe to everything" mode, to keep a misconfigured watcher from
// silently fanning out the whole fleet's traffic to itself.
type WatchHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewWatchHandler creates a new WatchHandler.
func NewWatchHandler(hub *websocket.Hub, logger *zap.Logger) *WatchHandler {
	return &WatchHandler{hub: hub, logger: logger.Named("watch_handler")}
}

// ServeWS handles GET /api/v1/profiling/watch.
func (h *WatchHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := h.resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		h.logger.Warn("watch: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("watch: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	client.Run()

	h.logger.Info("watch: client disconnected", zap.String("remote_addr", r.RemoteAddr))
}

// resolveTopics parses the comma-separated `topics` query parameter.
func (h *WatchHandler) resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string

	raw := r.URL.Query().Get("topics")
	for _, t := range strings.Split(raw, ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, exists := seen[t]; !exists {
			seen[t] = struct{}{}
			topics = append(topics, t)
		}
	}
	return topics
}

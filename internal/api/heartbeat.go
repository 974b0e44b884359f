package api

import (
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/dispatch"
	"github.com/gprofiler-dev/profctl/internal/metrics"
	"github.com/gprofiler-dev/profctl/internal/ratelimit"
	"github.com/gprofiler-dev/profctl/internal/websocket"
)

// heartbeatPayload is the wire shape of an inbound heartbeat (§6 Heartbeat).
type heartbeatPayload struct {
	Host          string     `json:"host"`
	Service       string     `json:"service"`
	IPAddress     string     `json:"ip_address"`
	Status        string     `json:"status,omitempty"`
	LastCommandID string     `json:"last_command_id,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`
	AvailablePIDs []int      `json:"available_pids,omitempty"`
}

type heartbeatResponse struct {
	Success      bool    `json:"success"`
	Message      string  `json:"message"`
	CommandID    *string `json:"command_id,omitempty"`
	ProfilingCmd any     `json:"profiling_command,omitempty"`
}

type profilingCommandPayload struct {
	CommandType    string `json:"command_type"`
	CombinedConfig any    `json:"combined_config"`
}

// HeartbeatHandler implements the Heartbeat external interface (§6, C4).
type HeartbeatHandler struct {
	dispatcher *dispatch.Dispatcher
	limiter    *ratelimit.PerKeyLimiter
	hub        *websocket.Hub
	logger     *zap.Logger
}

// NewHeartbeatHandler constructs a HeartbeatHandler. limiter may be nil to
// disable per-host rate limiting; hub may be nil to disable watch-endpoint
// publication.
func NewHeartbeatHandler(dispatcher *dispatch.Dispatcher, limiter *ratelimit.PerKeyLimiter, hub *websocket.Hub, logger *zap.Logger) *HeartbeatHandler {
	return &HeartbeatHandler{dispatcher: dispatcher, limiter: limiter, hub: hub, logger: logger.Named("heartbeat_handler")}
}

// Handle processes POST /api/v1/profiling/heartbeat.
func (h *HeartbeatHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var payload heartbeatPayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	if payload.Host == "" || payload.Service == "" {
		ErrBadRequest(w, "host and service are required")
		return
	}

	if h.limiter != nil && !h.limiter.Allow(payload.Host) {
		errJSON(w, http.StatusTooManyRequests, "heartbeat rate limit exceeded", "rate_limited")
		return
	}

	ts := time.Now()
	if payload.Timestamp != nil {
		ts = *payload.Timestamp
	}

	timer := prometheusTimer()
	result, err := h.dispatcher.Handle(r.Context(), dispatch.Heartbeat{
		Host:          payload.Host,
		Service:       payload.Service,
		IPAddress:     payload.IPAddress,
		Status:        payload.Status,
		LastCommandID: payload.LastCommandID,
		Timestamp:     ts,
		AvailablePIDs: payload.AvailablePIDs,
	})
	timer()
	if err != nil {
		h.logger.Error("heartbeat handling failed", zap.String("host", payload.Host), zap.Error(err))
		ErrInternal(w)
		return
	}

	if h.hub != nil {
		h.hub.Publish("host:"+payload.Host+":"+payload.Service, websocket.Message{
			Type:  websocket.MsgHeartbeat,
			Topic: "host:" + payload.Host + ":" + payload.Service,
			Payload: envelope{
				"host":      payload.Host,
				"status":    payload.Status,
				"timestamp": ts,
			},
		})
		h.hub.Publish("service:"+payload.Service, websocket.Message{
			Type:  websocket.MsgHeartbeat,
			Topic: "service:" + payload.Service,
			Payload: envelope{
				"host":      payload.Host,
				"status":    payload.Status,
				"timestamp": ts,
			},
		})
	}

	if result.CommandID == "" {
		Ok(w, heartbeatResponse{Success: true, Message: "no command pending"})
		return
	}

	metrics.PendingCommands.WithLabelValues(result.CommandType).Inc()
	cmdID := result.CommandID
	Ok(w, heartbeatResponse{
		Success:   true,
		Message:   "command delivered",
		CommandID: &cmdID,
		ProfilingCmd: profilingCommandPayload{
			CommandType:    result.CommandType,
			CombinedConfig: result.CombinedConfig,
		},
	})
}

// prometheusTimer starts the heartbeat-latency histogram timer (§5's
// p99 < 100ms budget) and returns a function to stop it.
func prometheusTimer() func() {
	start := time.Now()
	return func() {
		metrics.HeartbeatLatency.Observe(time.Since(start).Seconds())
	}
}

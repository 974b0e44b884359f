package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/completion"
	"github.com/gprofiler-dev/profctl/internal/metrics"
	"github.com/gprofiler-dev/profctl/internal/websocket"
)

// completionPayload is the wire shape of ReportCommandCompletion (§6).
type completionPayload struct {
	CommandID     string   `json:"command_id"`
	Host          string   `json:"host"`
	Status        string   `json:"status"`
	ExecutionTime *float64 `json:"execution_time,omitempty"`
	Error         string   `json:"error,omitempty"`
	ResultsPath   string   `json:"results_path,omitempty"`
}

// CompletionHandler implements ReportCommandCompletion (§6, C5).
type CompletionHandler struct {
	handler *completion.Handler
	hub     *websocket.Hub
	logger  *zap.Logger
}

// NewCompletionHandler constructs a CompletionHandler. hub may be nil to
// disable watch-endpoint publication.
func NewCompletionHandler(handler *completion.Handler, hub *websocket.Hub, logger *zap.Logger) *CompletionHandler {
	return &CompletionHandler{handler: handler, hub: hub, logger: logger.Named("completion_handler")}
}

// Handle processes POST /api/v1/profiling/completions.
func (h *CompletionHandler) Handle(w http.ResponseWriter, r *http.Request) {
	var payload completionPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	cmdID, err := uuid.Parse(payload.CommandID)
	if err != nil {
		ErrBadRequest(w, "invalid command_id")
		return
	}
	if payload.Host == "" {
		ErrBadRequest(w, "host is required")
		return
	}
	if payload.Status != "completed" && payload.Status != "failed" {
		ErrBadRequest(w, "status must be completed or failed")
		return
	}

	applied, err := h.handler.Handle(r.Context(), completion.Report{
		CommandID:     cmdID,
		Host:          payload.Host,
		Status:        payload.Status,
		ExecutionTime: payload.ExecutionTime,
		ErrorMessage:  payload.Error,
		ResultsPath:   payload.ResultsPath,
	})

	switch {
	case err == nil:
		metrics.CompletionsTotal.WithLabelValues(payload.Status, strconv.FormatBool(applied)).Inc()
		if h.hub != nil {
			h.hub.Publish("host:"+payload.Host, websocket.Message{
				Type:  websocket.MsgCommandStatus,
				Topic: "host:" + payload.Host,
				Payload: envelope{
					"command_id": payload.CommandID,
					"host":       payload.Host,
					"status":     payload.Status,
				},
			})
		}
		Ok(w, envelope{"success": true, "message": "completion recorded"})
	case errors.Is(err, completion.ErrUnknownCommand):
		ErrNotFound(w)
	case errors.Is(err, completion.ErrWrongState):
		ErrConflict(w, err.Error())
	default:
		h.logger.Error("completion handling failed",
			zap.String("command_id", payload.CommandID),
			zap.String("host", payload.Host),
			zap.Error(err))
		ErrInternal(w)
	}
}

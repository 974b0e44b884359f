package api

import (
	"net/http"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/profiling"
	"github.com/gprofiler-dev/profctl/internal/repository"
)

// hostStatusItem is one row of the ListHostProfilingStatus response (§6).
type hostStatusItem struct {
	Service       string `json:"service"`
	Host          string `json:"host"`
	IP            string `json:"ip"`
	AvailablePIDs []int  `json:"available_pids"`
	CommandType   string `json:"command_type,omitempty"`
	Status        string `json:"status"`
	LastHeartbeat string `json:"last_heartbeat"`
}

// StatusHandler implements ListHostProfilingStatus (§6).
type StatusHandler struct {
	hb      repository.HeartbeatRepository
	commands repository.CommandRepository
	logger  *zap.Logger
}

// NewStatusHandler constructs a StatusHandler.
func NewStatusHandler(hb repository.HeartbeatRepository, commands repository.CommandRepository, logger *zap.Logger) *StatusHandler {
	return &StatusHandler{hb: hb, commands: commands, logger: logger.Named("status_handler")}
}

// List handles GET /api/v1/profiling/status. Filters by service, hostname
// substring, and IP prefix are pushed down to the repository; status set
// is applied on the heartbeat row, command_type on the joined command.
func (h *StatusHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := repository.ListFilter{
		Service:        q.Get("service"),
		HostnameSubstr: q.Get("host"),
		IPPrefix:       q.Get("ip_prefix"),
	}
	if statuses := q.Get("status"); statuses != "" {
		filter.Statuses = strings.Split(statuses, ",")
	}
	if limit, err := strconv.Atoi(q.Get("limit")); err == nil {
		filter.Limit = limit
	}
	if offset, err := strconv.Atoi(q.Get("offset")); err == nil {
		filter.Offset = offset
	}

	rows, err := h.hb.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list host status failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	wantCommandType := q.Get("command_type")

	items := make([]hostStatusItem, 0, len(rows))
	for _, row := range rows {
		var commandType string
		cmd, err := h.commands.GetLatestForHost(r.Context(), row.Host, row.Service)
		if err == nil {
			commandType = cmd.CommandType
		}
		if wantCommandType != "" && commandType != wantCommandType {
			continue
		}
		items = append(items, hostStatusItem{
			Service:       row.Service,
			Host:          row.Host,
			IP:            row.IPAddress,
			AvailablePIDs: profiling.DecodePIDs(row.AvailablePIDs),
			CommandType:   commandType,
			Status:        row.Status,
			LastHeartbeat: row.HeartbeatTimestamp.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}

	Ok(w, items)
}

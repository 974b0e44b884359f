package api

import (
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/capacity"
	"github.com/gprofiler-dev/profctl/internal/dbretry"
	"github.com/gprofiler-dev/profctl/internal/metrics"
	"github.com/gprofiler-dev/profctl/internal/reconcile"
	"github.com/gprofiler-dev/profctl/internal/repository"
)

// requestPayload is the wire shape of a single ProfilingRequest submission
// (§6 SubmitProfilingRequest).
type requestPayload struct {
	Kind           string            `json:"kind"`
	Service        string            `json:"service"`
	StopLevel      string            `json:"stop_level,omitempty"`
	Duration       int64             `json:"duration"`
	Frequency      int64             `json:"frequency"`
	ProfilingMode  string            `json:"profiling_mode"`
	Continuous     bool              `json:"continuous"`
	AdditionalArgs map[string]string `json:"additional_args,omitempty"`
	Targets        map[string][]int  `json:"targets,omitempty"`
	PIDs           []int             `json:"pids,omitempty"`
}

func (p requestPayload) toReconcileRequest() reconcile.Request {
	return reconcile.Request{
		Kind:           p.Kind,
		Service:        p.Service,
		StopLevel:      p.StopLevel,
		Duration:       p.Duration,
		Frequency:      p.Frequency,
		ProfilingMode:  p.ProfilingMode,
		Continuous:     p.Continuous,
		AdditionalArgs: p.AdditionalArgs,
		Targets:        p.Targets,
		FallbackPIDs:   p.PIDs,
	}
}

// submitResult is the response shape for a single submission.
type submitResult struct {
	RequestID               string   `json:"request_id"`
	CommandIDs              []string `json:"command_ids"`
	EstimatedCompletionTime *string  `json:"estimated_completion_time,omitempty"`
}

// RequestHandler implements SubmitProfilingRequest and
// SubmitBulkProfilingRequests (§6).
type RequestHandler struct {
	reconciler *reconcile.Reconciler
	hb         repository.HeartbeatRepository
	commands   repository.CommandRepository
	requests   repository.RequestRepository
	logger     *zap.Logger

	maxBulkPercent int
}

// NewRequestHandler constructs a RequestHandler. maxBulkPercent is the
// capacity gate's configured fleet percentage (§4.6).
func NewRequestHandler(
	reconciler *reconcile.Reconciler,
	hb repository.HeartbeatRepository,
	commands repository.CommandRepository,
	requests repository.RequestRepository,
	maxBulkPercent int,
	logger *zap.Logger,
) *RequestHandler {
	return &RequestHandler{
		reconciler:     reconciler,
		hb:             hb,
		commands:       commands,
		requests:       requests,
		maxBulkPercent: maxBulkPercent,
		logger:         logger.Named("request_handler"),
	}
}

// Submit handles POST /api/v1/profiling/requests. Per-request submissions
// bypass the capacity gate entirely (§4.6).
func (h *RequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var payload requestPayload
	if !decodeJSON(w, r, &payload) {
		return
	}

	result, err := h.reconcile(r, payload)
	if err != nil {
		h.writeReconcileError(w, err)
		return
	}

	Created(w, result)
}

// bulkItemResult carries the outcome of one item in a bulk submission.
type bulkItemResult struct {
	Index  int           `json:"index"`
	Result *submitResult `json:"result,omitempty"`
	Error  string        `json:"error,omitempty"`
}

// SubmitBulk handles POST /api/v1/profiling/requests/bulk. The entire bulk
// is gated on §4.6's capacity check before any item is reconciled: a
// capacity violation rejects the whole bulk, never a partial subset.
func (h *RequestHandler) SubmitBulk(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Requests []requestPayload `json:"requests"`
		DryRun   bool             `json:"dry_run"`
	}
	if !decodeJSON(w, r, &body) {
		return
	}
	if len(body.Requests) == 0 {
		ErrBadRequest(w, "requests must be non-empty")
		return
	}

	ctx := r.Context()
	service := body.Requests[0].Service

	var activeHosts, currentlyProfiling int64
	err := dbretry.Do(ctx, func() error {
		var err error
		activeHosts, err = h.hb.CountActive(ctx, service, repository.DefaultLivenessWindow, time.Now())
		if err != nil {
			return err
		}
		currentlyProfiling, err = h.commands.CountActivelyProfiling(ctx, service)
		return err
	})
	if err != nil {
		h.logger.Error("bulk: capacity lookup failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	if err := capacity.Check(activeHosts, currentlyProfiling, int64(len(body.Requests)), h.maxBulkPercent); err != nil {
		metrics.CapacityRejections.Inc()
		var capErr *capacity.ErrCapacityExceeded
		if errors.As(err, &capErr) {
			ErrUnprocessable(w, err.Error())
			return
		}
		ErrInternal(w)
		return
	}

	if body.DryRun {
		Ok(w, envelope{"dry_run": true, "accepted": len(body.Requests)})
		return
	}

	results := make([]bulkItemResult, len(body.Requests))
	for i, item := range body.Requests {
		res, err := h.reconcile(r, item)
		if err != nil {
			results[i] = bulkItemResult{Index: i, Error: err.Error()}
			continue
		}
		results[i] = bulkItemResult{Index: i, Result: res}
	}

	Ok(w, envelope{"results": results})
}

func (h *RequestHandler) reconcile(r *http.Request, payload requestPayload) (*submitResult, error) {
	ctx := r.Context()
	var result *reconcile.Result
	err := dbretry.Do(ctx, func() error {
		var err error
		result, err = h.reconciler.Reconcile(ctx, payload.toReconcileRequest())
		return err
	})
	if err != nil {
		return nil, err
	}

	cmdIDs := make([]string, len(result.CommandIDs))
	for i, id := range result.CommandIDs {
		cmdIDs[i] = id.String()
	}

	var est *string
	if payload.Kind == "start" {
		ts := time.Now().Add(time.Duration(payload.Duration) * time.Second).UTC().Format(time.RFC3339)
		est = &ts
	}

	return &submitResult{
		RequestID:               result.RequestID.String(),
		CommandIDs:              cmdIDs,
		EstimatedCompletionTime: est,
	}, nil
}

func (h *RequestHandler) writeReconcileError(w http.ResponseWriter, err error) {
	if errors.Is(err, reconcile.ErrMissingTargets) {
		ErrBadRequest(w, err.Error())
		return
	}
	h.logger.Error("request submission failed", zap.Error(err))
	ErrInternal(w)
}

// Package completion implements the completion handler (C5): validating
// and recording an agent-reported command outcome, then reconciling the
// derived status of every request that contributed to it.
package completion

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gprofiler-dev/profctl/internal/repository"
)

// ErrUnknownCommand is returned when (commandID, host) has no execution
// row at all, the agent is reporting completion for something the server
// never dispatched to it.
var ErrUnknownCommand = errors.New("completion: no execution found for host")

// ErrWrongState is returned when an execution row exists for
// (commandID, host) but is not in the "assigned" state, a duplicate or
// out-of-order completion report.
var ErrWrongState = errors.New("completion: execution not in assigned state")

// Report is the inbound payload from an agent (§6 ReportCommandCompletion).
type Report struct {
	CommandID     uuid.UUID
	Host          string
	Status        string // completed|failed
	ExecutionTime *float64
	ErrorMessage  string
	ResultsPath   string
}

// Handler implements the completion handling contract of §4.5.
type Handler struct {
	commands   repository.CommandRepository
	executions repository.ExecutionRepository
	requests   repository.RequestRepository
}

// New constructs a Handler.
func New(commands repository.CommandRepository, executions repository.ExecutionRepository, requests repository.RequestRepository) *Handler {
	return &Handler{commands: commands, executions: executions, requests: requests}
}

// Handle processes one completion report end to end (§4.5 steps 1-4,
// property 6). It rejects reports for a command/host with no assigned
// execution without mutating any state, and, per §7, never errors out
// just because the command has since been superseded: that case still
// writes the execution row and skips the (now-irrelevant) command write.
// Handle returns whether the completion applied to the still-current
// command (false for a superseded command) alongside any error, so callers
// can report accurate per-outcome metrics.
func (h *Handler) Handle(ctx context.Context, r Report) (bool, error) {
	exec, err := h.executions.GetByCommandHost(ctx, r.CommandID, r.Host)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, ErrUnknownCommand
		}
		return false, fmt.Errorf("completion: lookup execution: %w", err)
	}
	if exec.Status != "assigned" {
		return false, ErrWrongState
	}

	now := time.Now()
	if err := h.executions.UpdateOutcome(ctx, r.CommandID, r.Host, r.Status, now, r.ExecutionTime, r.ErrorMessage, r.ResultsPath); err != nil {
		return false, fmt.Errorf("completion: update execution outcome: %w", err)
	}

	applied, requestIDs, err := h.commands.CompleteIfCurrent(ctx, r.CommandID, r.Host, r.Status, now, r.ExecutionTime, r.ErrorMessage, r.ResultsPath)
	if err != nil {
		return false, fmt.Errorf("completion: complete command: %w", err)
	}
	if !applied {
		// Superseded: the command row no longer matches r.CommandID. The
		// execution row above still recorded this outcome for history; the
		// request whose contribution this was will be recomputed once the
		// command that actually replaced it completes.
		return false, nil
	}

	if len(requestIDs) > 0 {
		if err := h.requests.RecomputeStatus(ctx, requestIDs); err != nil {
			return true, fmt.Errorf("completion: recompute request status: %w", err)
		}
	}
	return true, nil
}

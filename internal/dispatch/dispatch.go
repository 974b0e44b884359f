// Package dispatch implements the heartbeat dispatcher (C4): recording
// liveness and handing back whatever command currently applies to a host,
// exactly once marked "sent" regardless of how many heartbeats redeliver it.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/db"
	"github.com/gprofiler-dev/profctl/internal/profiling"
	"github.com/gprofiler-dev/profctl/internal/repository"
)

// Heartbeat is the inbound payload from an agent (§6 Heartbeat).
type Heartbeat struct {
	Host           string
	Service        string
	IPAddress      string
	Status         string // active|idle|error
	LastCommandID  string
	Timestamp      time.Time
	AvailablePIDs  []int
}

// Payload is the command handed back to the agent, or nil fields when
// there is nothing to do.
type Payload struct {
	CommandID     string
	CommandType   string
	CombinedConfig profiling.Config
}

// Dispatcher implements the heartbeat handling contract of §4.4.
type Dispatcher struct {
	commands   repository.CommandRepository
	executions repository.ExecutionRepository
	hb         repository.HeartbeatRepository
	log        *zap.Logger
}

// New constructs a Dispatcher.
func New(commands repository.CommandRepository, executions repository.ExecutionRepository, hb repository.HeartbeatRepository, log *zap.Logger) *Dispatcher {
	return &Dispatcher{commands: commands, executions: executions, hb: hb, log: log}
}

// Handle processes one heartbeat end to end (§4.4 steps 1-4). It never
// returns an error for a downstream execution-audit write failure, those
// are logged as warnings and the command payload is still returned, per
// §4.1's "secondary writes must not fail heartbeat response" and §7's
// audit-write-failure handling.
func (d *Dispatcher) Handle(ctx context.Context, hb Heartbeat) (*Payload, error) {
	row := &db.HostHeartbeat{
		Host:               hb.Host,
		Service:            hb.Service,
		IPAddress:          hb.IPAddress,
		Status:             hb.Status,
		HeartbeatTimestamp: hb.Timestamp,
		AvailablePIDs:      profiling.EncodePIDs(hb.AvailablePIDs),
	}
	if row.Status == "" {
		row.Status = "active"
	}
	if id, err := uuid.Parse(hb.LastCommandID); err == nil {
		row.LastCommandID = &id
	}
	// Upsert enforces I4 itself: an out-of-order ts is dropped rather than
	// moving the row backwards, so no ordering check is needed here.
	if err := d.hb.Upsert(ctx, row); err != nil {
		return nil, fmt.Errorf("dispatch: upsert heartbeat: %w", err)
	}

	cmd, err := d.commands.GetLatestForHost(ctx, hb.Host, hb.Service)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return &Payload{}, nil
		}
		return nil, fmt.Errorf("dispatch: get latest command: %w", err)
	}

	if cmd.Status != "pending" && cmd.Status != "sent" {
		return &Payload{}, nil
	}

	now := time.Now()
	current := cmd
	if cmd.Status == "pending" {
		updated, transitioned, err := d.commands.MarkSent(ctx, cmd.ID, hb.Host, now)
		if err != nil {
			return nil, fmt.Errorf("dispatch: mark sent: %w", err)
		}
		current = updated
		if transitioned {
			requestIDs := profiling.DecodeRequestIDs(current.RequestIDs)
			if err := d.executions.UpsertAssigned(ctx, current.ID, hb.Host, requestIDs, now); err != nil {
				// Secondary write failure: log and continue. The command
				// has already transitioned to sent; the agent must still
				// receive its payload (§4.1, §7).
				d.log.Warn("dispatch: execution audit write failed",
					zap.String("command_id", current.ID.String()),
					zap.String("host", hb.Host),
					zap.Error(err))
			}
		}
	}

	return &Payload{
		CommandID:   current.ID.String(),
		CommandType: current.CommandType,
		CombinedConfig: profiling.Config{
			Duration:       current.Duration,
			Frequency:      current.Frequency,
			ProfilingMode:  current.ProfilingMode,
			Continuous:     current.Continuous,
			PIDs:           profiling.DecodePIDs(current.PIDs),
			AdditionalArgs: profiling.DecodeArgs(current.AdditionalArgs),
			StopLevel:      current.StopLevel,
		},
	}, nil
}

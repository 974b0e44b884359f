// Package reconcile implements the command reconciler (C3): folding operator
// requests into the effective per-host command state tracked by the
// persistence layer. The config merger itself (C2) lives in
// internal/profiling so that both this package and internal/repository can
// depend on it without a cycle.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gprofiler-dev/profctl/internal/db"
	"github.com/gprofiler-dev/profctl/internal/pidcache"
	"github.com/gprofiler-dev/profctl/internal/profiling"
	"github.com/gprofiler-dev/profctl/internal/repository"
)

// ErrMissingTargets is returned when a stop request has no explicit target
// hosts and no hosts are currently active for the service. A stop request
// without targets applies to every active host when there are any; only
// an empty active set is rejected (§4.3 step 2).
var ErrMissingTargets = errors.New("reconcile: stop request requires explicit target hosts")

// Request is the reconciler's input, independent of how it arrived (single
// submission or one item of a bulk submission).
type Request struct {
	ID        uuid.UUID
	Kind      string // "start" or "stop"
	Service   string
	StopLevel string // "process" or "host", only for kind=stop

	Duration       int64
	Frequency      int64
	ProfilingMode  string
	Continuous     bool
	AdditionalArgs map[string]string

	// Targets maps hostname -> PIDs. An empty slice (but present key) means
	// the whole host. An absent key set (len(Targets)==0) for a start
	// request means "all currently active hosts for Service".
	Targets map[string][]int

	// FallbackPIDs is used when a host appears in Targets with an empty
	// PID list but the request also carries a request-level PID set to
	// apply to every resolved host, mirrors the original's whole-request
	// PID fallback for hosts resolved via get_active_hosts.
	FallbackPIDs []int
}

// Reconciler implements the command reconciler (C3): folding one new
// request into the effective per-host command state.
type Reconciler struct {
	requests repository.RequestRepository
	commands repository.CommandRepository
	hb       repository.HeartbeatRepository
	cache    pidcache.Cache
	liveness time.Duration
}

// New constructs a Reconciler. liveness is the heartbeat recency window
// used to resolve "all active hosts" when a request carries no explicit
// targets; it defaults to 10 minutes when zero. cache may be nil, in which
// case per-host PID targeting is not retained beyond the reconciliation
// call (§5's shared in-process state is optional, not required for
// correctness).
func New(requests repository.RequestRepository, commands repository.CommandRepository, hb repository.HeartbeatRepository, cache pidcache.Cache, liveness time.Duration) *Reconciler {
	if liveness <= 0 {
		liveness = 10 * time.Minute
	}
	return &Reconciler{requests: requests, commands: commands, hb: hb, cache: cache, liveness: liveness}
}

// Result reports what the reconciler did for one new request.
type Result struct {
	RequestID  uuid.UUID
	CommandIDs []uuid.UUID
}

// Reconcile persists req, resolves its target hosts, and folds it into the
// effective per-host command for each. This is §4.3 end to end.
func (rc *Reconciler) Reconcile(ctx context.Context, req Request) (*Result, error) {
	row := &db.ProfilingRequest{
		Kind:           req.Kind,
		Service:        req.Service,
		StopLevel:      req.StopLevel,
		Duration:       req.Duration,
		Frequency:      req.Frequency,
		ProfilingMode:  req.ProfilingMode,
		Continuous:     req.Continuous,
		Targets:        profiling.EncodeTargets(req.Targets),
		AdditionalArgs: profiling.EncodeArgs(req.AdditionalArgs),
		Status:         "pending",
	}
	if req.Kind == "start" {
		est := time.Now().Add(time.Duration(req.Duration) * time.Second)
		row.EstimatedCompletionTime = &est
	}
	if err := rc.requests.Insert(ctx, row); err != nil {
		return nil, fmt.Errorf("reconcile: persist request: %w", err)
	}
	req.ID = row.ID

	hosts, err := rc.resolveTargets(ctx, req)
	if err != nil {
		return nil, err
	}

	result := &Result{RequestID: req.ID}
	for host, pids := range hosts {
		if rc.cache != nil {
			if err := rc.cache.Set(ctx, req.ID.String(), host, pids); err != nil {
				return nil, fmt.Errorf("reconcile: cache host targeting: %w", err)
			}
		}
		cmdID, err := rc.reconcileHost(ctx, req, host, pids)
		if err != nil {
			return nil, fmt.Errorf("reconcile: host %s: %w", host, err)
		}
		result.CommandIDs = append(result.CommandIDs, cmdID)
	}

	if rc.cache != nil {
		if err := rc.cache.Drop(ctx, req.ID.String()); err != nil {
			return nil, fmt.Errorf("reconcile: drop host targeting cache: %w", err)
		}
	}
	return result, nil
}

// resolveTargets returns the target host set and, for each, the PID list
// to apply (nil/empty means whole host).
func (rc *Reconciler) resolveTargets(ctx context.Context, req Request) (map[string][]int, error) {
	if len(req.Targets) > 0 {
		resolved := make(map[string][]int, len(req.Targets))
		for h, pids := range req.Targets {
			if len(pids) == 0 {
				pids = req.FallbackPIDs
			}
			resolved[h] = pids
		}
		return resolved, nil
	}

	active, err := rc.hb.ActiveHosts(ctx, req.Service, rc.liveness, time.Now())
	if err != nil {
		return nil, fmt.Errorf("reconcile: resolve active hosts: %w", err)
	}
	if len(active) == 0 && req.Kind == "stop" {
		return nil, ErrMissingTargets
	}

	resolved := make(map[string][]int, len(active))
	for _, h := range active {
		resolved[h] = req.FallbackPIDs
	}
	return resolved, nil
}

func (rc *Reconciler) reconcileHost(ctx context.Context, req Request, host string, pids []int) (uuid.UUID, error) {
	if req.Kind == "start" {
		return rc.reconcileStart(ctx, req, host, pids)
	}
	if req.StopLevel == "process" {
		return rc.reconcileProcessStop(ctx, req, host, pids)
	}
	return rc.reconcileHostStop(ctx, req, host, pids)
}

func (rc *Reconciler) reconcileStart(ctx context.Context, req Request, host string, pids []int) (uuid.UUID, error) {
	incoming := profiling.Config{
		Duration:       req.Duration,
		Frequency:      req.Frequency,
		ProfilingMode:  req.ProfilingMode,
		Continuous:     req.Continuous,
		PIDs:           pids,
		AdditionalArgs: req.AdditionalArgs,
	}
	newCmdID := uuid.Must(uuid.NewV7())
	cmd, err := rc.commands.UpsertForHost(ctx, host, req.Service, incoming, newCmdID, req.ID, "start")
	if err != nil {
		return uuid.Nil, fmt.Errorf("upsert start command: %w", err)
	}
	return cmd.ID, nil
}

func (rc *Reconciler) reconcileHostStop(ctx context.Context, req Request, host string, pids []int) (uuid.UUID, error) {
	newCmdID := uuid.Must(uuid.NewV7())
	cmd, err := rc.commands.ReplaceWithStop(ctx, host, req.Service, newCmdID, req.ID, pids, "host")
	if err != nil {
		return uuid.Nil, fmt.Errorf("replace with host stop: %w", err)
	}
	return cmd.ID, nil
}

// reconcileProcessStop implements §4.3 step 3d: fetch the current command;
// if it is a start with known PIDs, subtract the requested PIDs; if nothing
// remains, degrade to a host-level stop (invariant I5); otherwise narrow the
// start command's PID set in place. If there is no current command, or its
// PIDs are unknown, insert a fresh stop command carrying the specified PIDs.
func (rc *Reconciler) reconcileProcessStop(ctx context.Context, req Request, host string, pids []int) (uuid.UUID, error) {
	current, err := rc.commands.GetLatestForHost(ctx, host, req.Service)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("lookup current command: %w", err)
	}

	if err == nil && current.CommandType == "start" {
		currentPIDs := profiling.DecodePIDs(current.PIDs)
		if len(currentPIDs) > 0 {
			remaining := profiling.RemovePIDs(currentPIDs, pids)
			if len(remaining) == 0 {
				newCmdID := uuid.Must(uuid.NewV7())
				replaced, err := rc.commands.ReplaceWithStop(ctx, host, req.Service, newCmdID, req.ID, nil, "host")
				if err != nil {
					return uuid.Nil, fmt.Errorf("degrade to host stop: %w", err)
				}
				return replaced.ID, nil
			}
			updated, err := rc.commands.UpdateStartWithRemainingPIDs(ctx, current.ID, remaining, req.ID)
			if err != nil {
				return uuid.Nil, fmt.Errorf("narrow pids: %w", err)
			}
			return updated.ID, nil
		}
	}

	newCmdID := uuid.Must(uuid.NewV7())
	inserted, err := rc.commands.InsertStopCommand(ctx, host, req.Service, newCmdID, req.ID, pids, "process")
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert stop command: %w", err)
	}
	return inserted.ID, nil
}

package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gprofiler-dev/profctl/internal/db"
	"github.com/gprofiler-dev/profctl/internal/pidcache"
	"github.com/gprofiler-dev/profctl/internal/profiling"
	"github.com/gprofiler-dev/profctl/internal/repository"
)

type fakeRequests struct {
	inserted []*db.ProfilingRequest
}

func (f *fakeRequests) Insert(ctx context.Context, req *db.ProfilingRequest) error {
	req.ID = uuid.Must(uuid.NewV7())
	f.inserted = append(f.inserted, req)
	return nil
}
func (f *fakeRequests) GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingRequest, error) {
	panic("not used by reconciler")
}
func (f *fakeRequests) List(ctx context.Context, opts repository.ListOptions) ([]db.ProfilingRequest, int64, error) {
	panic("not used by reconciler")
}
func (f *fakeRequests) RecomputeStatus(ctx context.Context, requestIDs []string) error {
	panic("not used by reconciler")
}

type fakeHeartbeats struct {
	active []string
}

func (f *fakeHeartbeats) Upsert(ctx context.Context, hb *db.HostHeartbeat) error {
	panic("not used by reconciler")
}
func (f *fakeHeartbeats) Get(ctx context.Context, host, service string) (*db.HostHeartbeat, error) {
	panic("not used by reconciler")
}
func (f *fakeHeartbeats) ActiveHosts(ctx context.Context, service string, window time.Duration, now time.Time) ([]string, error) {
	return f.active, nil
}
func (f *fakeHeartbeats) CountActive(ctx context.Context, service string, window time.Duration, now time.Time) (int64, error) {
	return int64(len(f.active)), nil
}
func (f *fakeHeartbeats) List(ctx context.Context, filter repository.ListFilter) ([]db.HostHeartbeat, error) {
	panic("not used by reconciler")
}

// fakeCommands is a simplified, single-row-per-(host,service) store that
// mirrors the gorm repository's merge/supersede semantics closely enough
// to exercise the reconciler's host-fanout logic without a database.
type fakeCommands struct {
	rows map[string]*db.ProfilingCommand
}

func newFakeCommands() *fakeCommands {
	return &fakeCommands{rows: make(map[string]*db.ProfilingCommand)}
}

func key(host, service string) string { return host + "|" + service }

func (f *fakeCommands) UpsertForHost(ctx context.Context, host, service string, incoming profiling.Config, newCommandID, newRequestID uuid.UUID, commandType string) (*db.ProfilingCommand, error) {
	k := key(host, service)
	existing, ok := f.rows[k]
	if !ok || existing.Status == "completed" || existing.Status == "failed" {
		row := &db.ProfilingCommand{
			Host: host, Service: service, CommandType: commandType, Status: "pending",
			RequestIDs: profiling.EncodeRequestIDs([]string{newRequestID.String()}),
		}
		row.ID = newCommandID
		row.Duration = incoming.Duration
		row.PIDs = profiling.EncodePIDs(incoming.PIDs)
		f.rows[k] = row
		return row, nil
	}
	ids := profiling.DecodeRequestIDs(existing.RequestIDs)
	ids = append(ids, newRequestID.String())
	existing.RequestIDs = profiling.EncodeRequestIDs(ids)
	if incoming.Duration > existing.Duration {
		existing.Duration = incoming.Duration
	}
	if existing.Status == "sent" {
		existing.ID = newCommandID
		existing.Status = "pending"
	}
	return existing, nil
}

func (f *fakeCommands) ReplaceWithStop(ctx context.Context, host, service string, newCommandID, newRequestID uuid.UUID, pids []int, stopLevel string) (*db.ProfilingCommand, error) {
	row := &db.ProfilingCommand{
		Host: host, Service: service, CommandType: "stop", StopLevel: stopLevel, Status: "pending",
		PIDs:       profiling.EncodePIDs(pids),
		RequestIDs: profiling.EncodeRequestIDs([]string{newRequestID.String()}),
	}
	row.ID = newCommandID
	f.rows[key(host, service)] = row
	return row, nil
}

func (f *fakeCommands) UpdateStartWithRemainingPIDs(ctx context.Context, id uuid.UUID, remaining []int, newRequestID uuid.UUID) (*db.ProfilingCommand, error) {
	for _, row := range f.rows {
		if row.ID == id {
			row.PIDs = profiling.EncodePIDs(remaining)
			ids := profiling.DecodeRequestIDs(row.RequestIDs)
			row.RequestIDs = profiling.EncodeRequestIDs(append(ids, newRequestID.String()))
			return row, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f *fakeCommands) InsertStopCommand(ctx context.Context, host, service string, commandID, requestID uuid.UUID, pids []int, stopLevel string) (*db.ProfilingCommand, error) {
	row := &db.ProfilingCommand{
		Host: host, Service: service, CommandType: "stop", StopLevel: stopLevel, Status: "pending",
		PIDs:       profiling.EncodePIDs(pids),
		RequestIDs: profiling.EncodeRequestIDs([]string{requestID.String()}),
	}
	row.ID = commandID
	f.rows[key(host, service)] = row
	return row, nil
}

func (f *fakeCommands) GetPendingOrSentCommand(ctx context.Context, host, service string, excludeID *uuid.UUID) (*db.ProfilingCommand, error) {
	panic("not used by reconciler")
}

func (f *fakeCommands) GetLatestForHost(ctx context.Context, host, service string) (*db.ProfilingCommand, error) {
	row, ok := f.rows[key(host, service)]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return row, nil
}

func (f *fakeCommands) MarkSent(ctx context.Context, id uuid.UUID, host string, now time.Time) (*db.ProfilingCommand, bool, error) {
	panic("not used by reconciler")
}
func (f *fakeCommands) CompleteIfCurrent(ctx context.Context, id uuid.UUID, host, status string, completedAt time.Time, executionTime *float64, errMsg, resultsPath string) (bool, []string, error) {
	panic("not used by reconciler")
}
func (f *fakeCommands) GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingCommand, error) {
	panic("not used by reconciler")
}
func (f *fakeCommands) CountActivelyProfiling(ctx context.Context, service string) (int64, error) {
	return 0, nil
}
func (f *fakeCommands) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestReconcileStartWithExplicitTargetsCreatesOneCommandPerHost(t *testing.T) {
	commands := newFakeCommands()
	rc := New(&fakeRequests{}, commands, &fakeHeartbeats{}, pidcache.NewMemory(), 10*time.Minute)

	result, err := rc.Reconcile(context.Background(), Request{
		Kind: "start", Service: "svc", Duration: 60,
		Targets: map[string][]int{"host-1": nil, "host-2": nil},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.CommandIDs) != 2 {
		t.Errorf("expected one command per target host, got %d", len(result.CommandIDs))
	}
}

func TestReconcileStartWithNoTargetsResolvesActiveHosts(t *testing.T) {
	commands := newFakeCommands()
	rc := New(&fakeRequests{}, commands, &fakeHeartbeats{active: []string{"host-a", "host-b"}}, pidcache.NewMemory(), 10*time.Minute)

	result, err := rc.Reconcile(context.Background(), Request{Kind: "start", Service: "svc", Duration: 60})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.CommandIDs) != 2 {
		t.Errorf("expected a command for every active host, got %d", len(result.CommandIDs))
	}
}

func TestReconcileStopWithNoTargetsAndNoActiveHostsFails(t *testing.T) {
	commands := newFakeCommands()
	rc := New(&fakeRequests{}, commands, &fakeHeartbeats{}, pidcache.NewMemory(), 10*time.Minute)

	_, err := rc.Reconcile(context.Background(), Request{Kind: "stop", StopLevel: "host", Service: "svc"})
	if !errors.Is(err, ErrMissingTargets) {
		t.Fatalf("expected ErrMissingTargets, got %v", err)
	}
}

func TestReconcileSecondStartMergesIntoSamePendingCommand(t *testing.T) {
	commands := newFakeCommands()
	rc := New(&fakeRequests{}, commands, &fakeHeartbeats{}, pidcache.NewMemory(), 10*time.Minute)

	first, err := rc.Reconcile(context.Background(), Request{
		Kind: "start", Service: "svc", Duration: 30, Targets: map[string][]int{"host-1": nil},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	second, err := rc.Reconcile(context.Background(), Request{
		Kind: "start", Service: "svc", Duration: 90, Targets: map[string][]int{"host-1": nil},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if first.CommandIDs[0] != second.CommandIDs[0] {
		t.Errorf("expected the second start to merge into the same pending command, got %v and %v", first.CommandIDs, second.CommandIDs)
	}
	row := commands.rows[key("host-1", "svc")]
	if row.Duration != 90 {
		t.Errorf("expected merged duration to take the max, got %d", row.Duration)
	}
}

func TestReconcileProcessStopNarrowsThenDegradesToHostStop(t *testing.T) {
	commands := newFakeCommands()
	rc := New(&fakeRequests{}, commands, &fakeHeartbeats{}, pidcache.NewMemory(), 10*time.Minute)

	_, err := rc.Reconcile(context.Background(), Request{
		Kind: "start", Service: "svc", Duration: 60, Targets: map[string][]int{"host-1": {1, 2, 3}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = rc.Reconcile(context.Background(), Request{
		Kind: "stop", Service: "svc", StopLevel: "process", Targets: map[string][]int{"host-1": {1}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row := commands.rows[key("host-1", "svc")]
	remaining := profiling.DecodePIDs(row.PIDs)
	if len(remaining) != 2 {
		t.Fatalf("expected 2 pids remaining after narrowing, got %v", remaining)
	}

	_, err = rc.Reconcile(context.Background(), Request{
		Kind: "stop", Service: "svc", StopLevel: "process", Targets: map[string][]int{"host-1": {2, 3}},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	row = commands.rows[key("host-1", "svc")]
	if row.CommandType != "stop" || row.StopLevel != "host" {
		t.Errorf("expected the process stop to degrade to a host stop once no pids remain, got type=%s level=%s", row.CommandType, row.StopLevel)
	}
}

func TestReconcilePersistsTheIncomingRequest(t *testing.T) {
	requests := &fakeRequests{}
	commands := newFakeCommands()
	rc := New(requests, commands, &fakeHeartbeats{}, pidcache.NewMemory(), 10*time.Minute)

	if _, err := rc.Reconcile(context.Background(), Request{Kind: "start", Service: "svc", Targets: map[string][]int{"host-1": nil}}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(requests.inserted) != 1 {
		t.Fatalf("expected exactly one request to be persisted, got %d", len(requests.inserted))
	}
	if requests.inserted[0].Service != "svc" {
		t.Errorf("expected persisted request to carry the submitted service, got %q", requests.inserted[0].Service)
	}
}

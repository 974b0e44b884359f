package dispatch

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/gprofiler-dev/profctl/internal/db"
	"github.com/gprofiler-dev/profctl/internal/profiling"
	"github.com/gprofiler-dev/profctl/internal/repository"
)

type fakeHeartbeats struct {
	upserted *db.HostHeartbeat
}

func (f *fakeHeartbeats) Upsert(ctx context.Context, hb *db.HostHeartbeat) error {
	f.upserted = hb
	return nil
}
func (f *fakeHeartbeats) Get(ctx context.Context, host, service string) (*db.HostHeartbeat, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeHeartbeats) ActiveHosts(ctx context.Context, service string, window time.Duration, now time.Time) ([]string, error) {
	return nil, nil
}
func (f *fakeHeartbeats) CountActive(ctx context.Context, service string, window time.Duration, now time.Time) (int64, error) {
	return 0, nil
}
func (f *fakeHeartbeats) List(ctx context.Context, filter repository.ListFilter) ([]db.HostHeartbeat, error) {
	return nil, nil
}

type fakeCommands struct {
	current      *db.ProfilingCommand
	markSentCall int
}

func (f *fakeCommands) UpsertForHost(ctx context.Context, host, service string, incoming profiling.Config, newCommandID, newRequestID uuid.UUID, commandType string) (*db.ProfilingCommand, error) {
	panic("not used by dispatch")
}

func (f *fakeCommands) GetLatestForHost(ctx context.Context, host, service string) (*db.ProfilingCommand, error) {
	if f.current == nil {
		return nil, repository.ErrNotFound
	}
	return f.current, nil
}

func (f *fakeCommands) MarkSent(ctx context.Context, id uuid.UUID, host string, now time.Time) (*db.ProfilingCommand, bool, error) {
	f.markSentCall++
	f.current.Status = "sent"
	f.current.SentAt = &now
	return f.current, true, nil
}

func (f *fakeCommands) GetPendingOrSentCommand(ctx context.Context, host, service string, excludeID *uuid.UUID) (*db.ProfilingCommand, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeCommands) ReplaceWithStop(ctx context.Context, host, service string, newCommandID, newRequestID uuid.UUID, pids []int, stopLevel string) (*db.ProfilingCommand, error) {
	panic("not used by dispatch")
}
func (f *fakeCommands) UpdateStartWithRemainingPIDs(ctx context.Context, id uuid.UUID, remaining []int, newRequestID uuid.UUID) (*db.ProfilingCommand, error) {
	panic("not used by dispatch")
}
func (f *fakeCommands) InsertStopCommand(ctx context.Context, host, service string, commandID, requestID uuid.UUID, pids []int, stopLevel string) (*db.ProfilingCommand, error) {
	panic("not used by dispatch")
}
func (f *fakeCommands) CompleteIfCurrent(ctx context.Context, id uuid.UUID, host, status string, completedAt time.Time, executionTime *float64, errMsg, resultsPath string) (bool, []string, error) {
	panic("not used by dispatch")
}
func (f *fakeCommands) GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingCommand, error) {
	panic("not used by dispatch")
}
func (f *fakeCommands) CountActivelyProfiling(ctx context.Context, service string) (int64, error) {
	return 0, nil
}
func (f *fakeCommands) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

type fakeExecutions struct {
	upsertedHost string
	upsertCalls  int
}

func (f *fakeExecutions) UpsertAssigned(ctx context.Context, commandID uuid.UUID, host string, requestIDs []string, startedAt time.Time) error {
	f.upsertCalls++
	f.upsertedHost = host
	return nil
}
func (f *fakeExecutions) GetByCommandHost(ctx context.Context, commandID uuid.UUID, host string) (*db.ProfilingExecution, error) {
	return nil, repository.ErrNotFound
}
func (f *fakeExecutions) UpdateOutcome(ctx context.Context, commandID uuid.UUID, host, status string, completedAt time.Time, executionTime *float64, errMsg, resultsPath string) error {
	return nil
}
func (f *fakeExecutions) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	return 0, nil
}

func TestHandleNoCurrentCommandReturnsEmptyPayload(t *testing.T) {
	d := New(&fakeCommands{}, &fakeExecutions{}, &fakeHeartbeats{}, zap.NewNop())

	payload, err := d.Handle(context.Background(), Heartbeat{Host: "host-1", Service: "svc", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.CommandID != "" {
		t.Errorf("expected no command, got %q", payload.CommandID)
	}
}

func TestHandlePendingCommandMarksSentAndRecordsExecution(t *testing.T) {
	cmdID := uuid.Must(uuid.NewV7())
	commands := &fakeCommands{current: &db.ProfilingCommand{
		Host: "host-1", Service: "svc", CommandType: "start", Status: "pending",
	}}
	commands.current.ID = cmdID
	executions := &fakeExecutions{}

	d := New(commands, executions, &fakeHeartbeats{}, zap.NewNop())
	payload, err := d.Handle(context.Background(), Heartbeat{Host: "host-1", Service: "svc", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.CommandID != cmdID.String() {
		t.Errorf("expected command id %s, got %s", cmdID, payload.CommandID)
	}
	if commands.markSentCall != 1 {
		t.Errorf("expected MarkSent to be called once, got %d", commands.markSentCall)
	}
	if executions.upsertCalls != 1 {
		t.Errorf("expected one execution row created, got %d", executions.upsertCalls)
	}
}

func TestHandleAlreadySentCommandDoesNotReassignExecution(t *testing.T) {
	cmdID := uuid.Must(uuid.NewV7())
	commands := &fakeCommands{current: &db.ProfilingCommand{
		Host: "host-1", Service: "svc", CommandType: "start", Status: "sent",
	}}
	commands.current.ID = cmdID
	executions := &fakeExecutions{}

	d := New(commands, executions, &fakeHeartbeats{}, zap.NewNop())
	payload, err := d.Handle(context.Background(), Heartbeat{Host: "host-1", Service: "svc", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.CommandID != cmdID.String() {
		t.Errorf("expected redelivered command id %s, got %s", cmdID, payload.CommandID)
	}
	if executions.upsertCalls != 0 {
		t.Errorf("expected no new execution row on redelivery, got %d", executions.upsertCalls)
	}
	if commands.markSentCall != 0 {
		t.Errorf("expected MarkSent not to be called again, got %d", commands.markSentCall)
	}
}

func TestHandleTerminalCommandReturnsEmptyPayload(t *testing.T) {
	cmdID := uuid.Must(uuid.NewV7())
	commands := &fakeCommands{current: &db.ProfilingCommand{
		Host: "host-1", Service: "svc", CommandType: "start", Status: "completed",
	}}
	commands.current.ID = cmdID

	d := New(commands, &fakeExecutions{}, &fakeHeartbeats{}, zap.NewNop())
	payload, err := d.Handle(context.Background(), Heartbeat{Host: "host-1", Service: "svc", Timestamp: time.Now()})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if payload.CommandID != "" {
		t.Errorf("expected no command for a terminal row, got %q", payload.CommandID)
	}
}

func TestHandleUpsertsHeartbeatRegardlessOfCommandState(t *testing.T) {
	hb := &fakeHeartbeats{}
	d := New(&fakeCommands{}, &fakeExecutions{}, hb, zap.NewNop())

	if _, err := d.Handle(context.Background(), Heartbeat{Host: "host-1", Service: "svc", Timestamp: time.Now()}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hb.upserted == nil {
		t.Fatal("expected heartbeat to be upserted")
	}
	if hb.upserted.Host != "host-1" {
		t.Errorf("expected host-1, got %s", hb.upserted.Host)
	}
}

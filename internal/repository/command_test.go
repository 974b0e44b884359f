package repository

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/gprofiler-dev/profctl/internal/profiling"
)

func TestUpsertForHostInsertsWhenNoRowExists(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewCommandRepository(gormDB)
	ctx := context.Background()

	cmdID := uuid.Must(uuid.NewV7())
	reqID := uuid.Must(uuid.NewV7())
	row, err := repo.UpsertForHost(ctx, "host-1", "svc", profiling.Config{Duration: 60}, cmdID, reqID, "start")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.ID != cmdID {
		t.Errorf("expected new row to keep the given command id, got %s", row.ID)
	}
	if row.Status != "pending" {
		t.Errorf("expected pending status, got %s", row.Status)
	}
}

func TestUpsertForHostMergesIntoPendingRowKeepingItsID(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewCommandRepository(gormDB)
	ctx := context.Background()

	firstCmdID := uuid.Must(uuid.NewV7())
	firstReqID := uuid.Must(uuid.NewV7())
	first, err := repo.UpsertForHost(ctx, "host-1", "svc", profiling.Config{Duration: 30}, firstCmdID, firstReqID, "start")
	if err != nil {
		t.Fatalf("unexpected error on first upsert: %v", err)
	}

	secondCmdID := uuid.Must(uuid.NewV7())
	secondReqID := uuid.Must(uuid.NewV7())
	second, err := repo.UpsertForHost(ctx, "host-1", "svc", profiling.Config{Duration: 90}, secondCmdID, secondReqID, "start")
	if err != nil {
		t.Fatalf("unexpected error on second upsert: %v", err)
	}

	if second.ID != first.ID {
		t.Errorf("expected a pending row to keep its identity across merges, got %s want %s", second.ID, first.ID)
	}
	if second.Duration != 90 {
		t.Errorf("expected merged duration to take the max (90), got %d", second.Duration)
	}
	ids := profiling.DecodeRequestIDs(second.RequestIDs)
	if len(ids) != 2 {
		t.Errorf("expected both contributing request ids tracked, got %v", ids)
	}
}

func TestUpsertForHostSupersedesASentRowWithNewIdentity(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewCommandRepository(gormDB)
	ctx := context.Background()

	firstCmdID := uuid.Must(uuid.NewV7())
	firstReqID := uuid.Must(uuid.NewV7())
	first, err := repo.UpsertForHost(ctx, "host-1", "svc", profiling.Config{Duration: 30}, firstCmdID, firstReqID, "start")
	if err != nil {
		t.Fatalf("unexpected error on first upsert: %v", err)
	}
	if _, _, err := repo.MarkSent(ctx, first.ID, "host-1", time.Now()); err != nil {
		t.Fatalf("unexpected error marking sent: %v", err)
	}

	secondCmdID := uuid.Must(uuid.NewV7())
	secondReqID := uuid.Must(uuid.NewV7())
	second, err := repo.UpsertForHost(ctx, "host-1", "svc", profiling.Config{Duration: 45}, secondCmdID, secondReqID, "start")
	if err != nil {
		t.Fatalf("unexpected error on second upsert: %v", err)
	}

	if second.ID != secondCmdID {
		t.Errorf("expected a sent row to be superseded with a fresh id, got %s want %s", second.ID, secondCmdID)
	}
	if second.Status != "pending" {
		t.Errorf("expected the superseding row to reset to pending, got %s", second.Status)
	}
}

func TestMarkSentIsConditionalOnPendingStatus(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewCommandRepository(gormDB)
	ctx := context.Background()

	cmdID := uuid.Must(uuid.NewV7())
	reqID := uuid.Must(uuid.NewV7())
	if _, err := repo.UpsertForHost(ctx, "host-1", "svc", profiling.Config{}, cmdID, reqID, "start"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, firstTransition, err := repo.MarkSent(ctx, cmdID, "host-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !firstTransition {
		t.Error("expected the first MarkSent to transition the row")
	}

	_, secondTransition, err := repo.MarkSent(ctx, cmdID, "host-1", time.Now())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if secondTransition {
		t.Error("expected a second MarkSent on an already-sent row to be a no-op")
	}
}

func TestCountActivelyProfilingCountsDistinctHosts(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewCommandRepository(gormDB)
	ctx := context.Background()

	for _, host := range []string{"host-1", "host-2"} {
		if _, err := repo.UpsertForHost(ctx, host, "svc", profiling.Config{}, uuid.Must(uuid.NewV7()), uuid.Must(uuid.NewV7()), "start"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	count, err := repo.CountActivelyProfiling(ctx, "svc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 2 {
		t.Errorf("expected 2 actively profiling hosts, got %d", count)
	}
}

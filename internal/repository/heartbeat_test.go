package repository

import (
	"context"
	"testing"
	"time"

	"github.com/gprofiler-dev/profctl/internal/db"
)

func TestActiveHostsExcludesStaleAndInactiveRows(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewHeartbeatRepository(gormDB)
	ctx := context.Background()
	now := time.Now()

	fresh := &db.HostHeartbeat{Host: "fresh", Service: "svc", Status: "active", HeartbeatTimestamp: now}
	stale := &db.HostHeartbeat{Host: "stale", Service: "svc", Status: "active", HeartbeatTimestamp: now.Add(-time.Hour)}
	idle := &db.HostHeartbeat{Host: "idle", Service: "svc", Status: "idle", HeartbeatTimestamp: now}

	for _, hb := range []*db.HostHeartbeat{fresh, stale, idle} {
		if err := repo.Upsert(ctx, hb); err != nil {
			t.Fatalf("unexpected error upserting %s: %v", hb.Host, err)
		}
	}

	hosts, err := repo.ActiveHosts(ctx, "svc", 10*time.Minute, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(hosts) != 1 || hosts[0] != "fresh" {
		t.Errorf("expected only [fresh], got %v", hosts)
	}
}

func TestHeartbeatUpsertOverwritesOnConflict(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewHeartbeatRepository(gormDB)
	ctx := context.Background()
	now := time.Now()

	if err := repo.Upsert(ctx, &db.HostHeartbeat{Host: "host-1", Service: "svc", Status: "active", HeartbeatTimestamp: now}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Upsert(ctx, &db.HostHeartbeat{Host: "host-1", Service: "svc", Status: "idle", HeartbeatTimestamp: now.Add(time.Minute)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row, err := repo.Get(ctx, "host-1", "svc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Status != "idle" {
		t.Errorf("expected the second heartbeat to overwrite status, got %s", row.Status)
	}
}

func TestHeartbeatUpsertDropsOutOfOrderTimestamp(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewHeartbeatRepository(gormDB)
	ctx := context.Background()
	now := time.Now()

	if err := repo.Upsert(ctx, &db.HostHeartbeat{Host: "host-1", Service: "svc", Status: "active", HeartbeatTimestamp: now}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// A late-arriving heartbeat carrying an older timestamp must not move
	// the row backwards or overwrite its other fields (I4).
	if err := repo.Upsert(ctx, &db.HostHeartbeat{Host: "host-1", Service: "svc", Status: "idle", HeartbeatTimestamp: now.Add(-time.Minute)}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	row, err := repo.Get(ctx, "host-1", "svc")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if row.Status != "active" {
		t.Errorf("expected the out-of-order heartbeat to be dropped, got status %s", row.Status)
	}
	if !row.HeartbeatTimestamp.Equal(now) {
		t.Errorf("expected heartbeat_timestamp to stay at %v, got %v", now, row.HeartbeatTimestamp)
	}
}

func TestCountActiveRespectsServiceFilter(t *testing.T) {
	gormDB := newTestDB(t)
	repo := NewHeartbeatRepository(gormDB)
	ctx := context.Background()
	now := time.Now()

	if err := repo.Upsert(ctx, &db.HostHeartbeat{Host: "host-1", Service: "svc-a", Status: "active", HeartbeatTimestamp: now}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := repo.Upsert(ctx, &db.HostHeartbeat{Host: "host-2", Service: "svc-b", Status: "active", HeartbeatTimestamp: now}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	count, err := repo.CountActive(ctx, "svc-a", 10*time.Minute, now)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 active host for svc-a, got %d", count)
	}
}

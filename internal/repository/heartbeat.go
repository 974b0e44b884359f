package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gprofiler-dev/profctl/internal/db"
)

// HeartbeatRepository is the persistence-layer contract for HostHeartbeat
// rows (C1), liveness tracking keyed by (host, service), last-writer-wins
// on content, monotonic on the reported heartbeat timestamp (invariant I4).
type HeartbeatRepository interface {
	// Upsert records a heartbeat for (host, service), overwriting whatever
	// was there. The write is conditioned on HeartbeatTimestamp so a
	// late/out-of-order heartbeat can never move the row backwards
	// (invariant I4); it is silently dropped rather than erroring.
	Upsert(ctx context.Context, hb *db.HostHeartbeat) error

	// Get returns the current heartbeat row for (host, service).
	Get(ctx context.Context, host, service string) (*db.HostHeartbeat, error)

	// ActiveHosts returns the hostnames with a heartbeat newer than
	// now.Add(-window) for the given service (empty = all services), the
	// target-host resolution primitive used by the reconciler (§4.1,
	// §4.3 step 2).
	ActiveHosts(ctx context.Context, service string, window time.Duration, now time.Time) ([]string, error)

	// CountActive returns the number of active hosts for the capacity
	// gate's denominator (§4.6).
	CountActive(ctx context.Context, service string, window time.Duration, now time.Time) (int64, error)

	// List returns heartbeat rows matching the given filter, used by
	// ListHostProfilingStatus.
	List(ctx context.Context, filter ListFilter) ([]db.HostHeartbeat, error)
}

// ListFilter narrows ListHostProfilingStatus results (§6).
type ListFilter struct {
	Service         string
	HostnameSubstr  string
	IPPrefix        string
	Statuses        []string
	Limit           int
	Offset          int
}

type gormHeartbeatRepository struct {
	db *gorm.DB
}

// NewHeartbeatRepository returns a HeartbeatRepository backed by the provided *gorm.DB.
func NewHeartbeatRepository(database *gorm.DB) HeartbeatRepository {
	return &gormHeartbeatRepository{db: database}
}

func (r *gormHeartbeatRepository) Upsert(ctx context.Context, hb *db.HostHeartbeat) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns: []clause.Column{{Name: "host"}, {Name: "service"}},
			DoUpdates: clause.AssignmentColumns([]string{
				"ip_address", "status", "last_command_id",
				"heartbeat_timestamp", "available_pids", "updated_at",
			}),
			// Only let the heartbeat clock move forward: a heartbeat that
			// arrives out of order must not make a live host look stale to
			// ActiveHosts (I4).
			Where: clause.Where{
				Exprs: []clause.Expression{
					clause.Expr{SQL: "host_heartbeats.heartbeat_timestamp <= excluded.heartbeat_timestamp"},
				},
			},
		}).
		Create(hb).Error
	if err != nil {
		return fmt.Errorf("heartbeats: upsert: %w", err)
	}
	return nil
}

func (r *gormHeartbeatRepository) Get(ctx context.Context, host, service string) (*db.HostHeartbeat, error) {
	var row db.HostHeartbeat
	err := r.db.WithContext(ctx).Where("host = ? AND service = ?", host, service).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("heartbeats: get: %w", err)
	}
	return &row, nil
}

func (r *gormHeartbeatRepository) ActiveHosts(ctx context.Context, service string, window time.Duration, now time.Time) ([]string, error) {
	q := r.db.WithContext(ctx).Model(&db.HostHeartbeat{}).
		Where("heartbeat_timestamp >= ? AND status = ?", now.Add(-window), "active")
	if service != "" {
		q = q.Where("service = ?", service)
	}
	var hosts []string
	if err := q.Pluck("host", &hosts).Error; err != nil {
		return nil, fmt.Errorf("heartbeats: active hosts: %w", err)
	}
	return hosts, nil
}

func (r *gormHeartbeatRepository) CountActive(ctx context.Context, service string, window time.Duration, now time.Time) (int64, error) {
	q := r.db.WithContext(ctx).Model(&db.HostHeartbeat{}).
		Where("heartbeat_timestamp >= ? AND status = ?", now.Add(-window), "active")
	if service != "" {
		q = q.Where("service = ?", service)
	}
	var count int64
	if err := q.Count(&count).Error; err != nil {
		return 0, fmt.Errorf("heartbeats: count active: %w", err)
	}
	return count, nil
}

func (r *gormHeartbeatRepository) List(ctx context.Context, filter ListFilter) ([]db.HostHeartbeat, error) {
	q := r.db.WithContext(ctx).Model(&db.HostHeartbeat{})
	if filter.Service != "" {
		q = q.Where("service = ?", filter.Service)
	}
	if filter.HostnameSubstr != "" {
		q = q.Where("host LIKE ?", "%"+filter.HostnameSubstr+"%")
	}
	if filter.IPPrefix != "" {
		q = q.Where("ip_address LIKE ?", filter.IPPrefix+"%")
	}
	if len(filter.Statuses) > 0 {
		q = q.Where("status IN ?", filter.Statuses)
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	var rows []db.HostHeartbeat
	if err := q.Limit(limit).Offset(filter.Offset).Order("heartbeat_timestamp DESC").Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("heartbeats: list: %w", err)
	}
	return rows, nil
}

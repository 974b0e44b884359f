package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/gprofiler-dev/profctl/internal/db"
	"github.com/gprofiler-dev/profctl/internal/profiling"
)

// statusPriority orders derived-status candidates for recomputation
// (§4.5 step 4, property 7): failed dominates, then sent, then pending,
// then completed.
var statusPriority = map[string]int{
	"completed": 0,
	"pending":   1,
	"sent":      2,
	"failed":    3,
}

// RequestRepository is the persistence-layer contract for ProfilingRequest
// rows (C1).
type RequestRepository interface {
	Insert(ctx context.Context, req *db.ProfilingRequest) error
	GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingRequest, error)
	List(ctx context.Context, opts ListOptions) ([]db.ProfilingRequest, int64, error)

	// RecomputeStatus derives each given request's status as the
	// priority-max over the statuses of commands whose RequestIDs include
	// it, and writes the derived value plus completion timestamp (when
	// every contributing command has reached a terminal status) back to
	// the materialized Status column. The derived form is authoritative;
	// this column is a cache only (§9 open question resolution).
	RecomputeStatus(ctx context.Context, requestIDs []string) error
}

type gormRequestRepository struct {
	db *gorm.DB
}

// NewRequestRepository returns a RequestRepository backed by the provided *gorm.DB.
func NewRequestRepository(database *gorm.DB) RequestRepository {
	return &gormRequestRepository{db: database}
}

func (r *gormRequestRepository) Insert(ctx context.Context, req *db.ProfilingRequest) error {
	if err := r.db.WithContext(ctx).Create(req).Error; err != nil {
		return fmt.Errorf("requests: insert: %w", err)
	}
	return nil
}

func (r *gormRequestRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingRequest, error) {
	var row db.ProfilingRequest
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("requests: get by id: %w", err)
	}
	return &row, nil
}

func (r *gormRequestRepository) List(ctx context.Context, opts ListOptions) ([]db.ProfilingRequest, int64, error) {
	var rows []db.ProfilingRequest
	var total int64

	if err := r.db.WithContext(ctx).Model(&db.ProfilingRequest{}).Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("requests: list count: %w", err)
	}
	if err := r.db.WithContext(ctx).
		Limit(opts.Limit).
		Offset(opts.Offset).
		Order("created_at DESC").
		Find(&rows).Error; err != nil {
		return nil, 0, fmt.Errorf("requests: list: %w", err)
	}
	return rows, total, nil
}

// RecomputeStatus joins ProfilingCommands whose request_ids JSON array
// contains each request ID and takes the priority-max status, mirroring the
// original system's auto_update_profiling_request_status_by_request_ids CTE
// (treated as authoritative per §9's open-question resolution). The JSON
// membership test is evaluated in Go rather than SQL to stay portable across
// the sqlite and postgres dialects, since request_ids is stored as a plain
// JSON-text column rather than a native array type on sqlite.
func (r *gormRequestRepository) RecomputeStatus(ctx context.Context, requestIDs []string) error {
	if len(requestIDs) == 0 {
		return nil
	}

	var commands []db.ProfilingCommand
	if err := r.db.WithContext(ctx).Find(&commands).Error; err != nil {
		return fmt.Errorf("requests: recompute status: load commands: %w", err)
	}

	contributing := make(map[string][]db.ProfilingCommand, len(requestIDs))
	for _, id := range requestIDs {
		contributing[id] = nil
	}
	for _, cmd := range commands {
		for _, rid := range profiling.DecodeRequestIDs(cmd.RequestIDs) {
			if _, tracked := contributing[rid]; tracked {
				contributing[rid] = append(contributing[rid], cmd)
			}
		}
	}

	now := time.Now()
	for _, id := range requestIDs {
		cmds := contributing[id]
		if len(cmds) == 0 {
			continue
		}
		derived := cmds[0].Status
		allTerminal := true
		for _, c := range cmds {
			if statusPriority[c.Status] > statusPriority[derived] {
				derived = c.Status
			}
			if c.Status != "completed" && c.Status != "failed" {
				allTerminal = false
			}
		}

		parsed, err := uuid.Parse(id)
		if err != nil {
			continue
		}
		updates := map[string]interface{}{"status": derived}
		if allTerminal {
			updates["completed_at"] = now
		}
		if err := r.db.WithContext(ctx).Model(&db.ProfilingRequest{}).
			Where("id = ?", parsed).Updates(updates).Error; err != nil {
			return fmt.Errorf("requests: recompute status: write %s: %w", id, err)
		}
	}
	return nil
}

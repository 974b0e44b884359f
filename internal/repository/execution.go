package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/gprofiler-dev/profctl/internal/db"
)

// ExecutionRepository is the persistence-layer contract for
// ProfilingExecution rows (C1), the durable audit trail of every command
// dispatched to a host, including outcomes for superseded commands.
type ExecutionRepository interface {
	// UpsertAssigned inserts an execution row in the "assigned" state for
	// (commandID, host), or is a no-op if one already exists, the primary
	// key (command_id, host) guarantees idempotent delivery never
	// duplicates a row (§4.4 idempotency contract, property 5).
	UpsertAssigned(ctx context.Context, commandID uuid.UUID, host string, requestIDs []string, startedAt time.Time) error

	// GetByCommandHost returns the execution row for (commandID, host).
	GetByCommandHost(ctx context.Context, commandID uuid.UUID, host string) (*db.ProfilingExecution, error)

	// UpdateOutcome records a terminal outcome on the execution row keyed
	// by (commandID, host). Unlike the command row, this write always
	// happens regardless of whether the command has been superseded;
	// executions are the authoritative audit trail (§4.5 step 3).
	UpdateOutcome(ctx context.Context, commandID uuid.UUID, host, status string, completedAt time.Time, executionTime *float64, errMsg, resultsPath string) error

	// DeleteOlderThan deletes execution rows whose CompletedAt predates
	// cutoff. Housekeeping only, never called from the reconciliation core.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type gormExecutionRepository struct {
	db *gorm.DB
}

// NewExecutionRepository returns an ExecutionRepository backed by the provided *gorm.DB.
func NewExecutionRepository(database *gorm.DB) ExecutionRepository {
	return &gormExecutionRepository{db: database}
}

func (r *gormExecutionRepository) UpsertAssigned(ctx context.Context, commandID uuid.UUID, host string, requestIDs []string, startedAt time.Time) error {
	// One insert is attempted per contributing request_id, but the primary
	// key is (command_id, host), so only the first request_id is stored on
	// the row; the later inserts hit the DoNothing conflict branch. The
	// full contributor list stays on the command's RequestIDs.
	if len(requestIDs) == 0 {
		requestIDs = []string{""}
	}
	for _, rid := range requestIDs {
		row := &db.ProfilingExecution{
			CommandID: commandID,
			Host:      host,
			Status:    "assigned",
			StartedAt: &startedAt,
		}
		if rid != "" {
			if parsed, err := uuid.Parse(rid); err == nil {
				row.ProfilingRequestID = parsed
			}
		}
		err := r.db.WithContext(ctx).
			Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "command_id"}, {Name: "host"}},
				DoNothing: true,
			}).
			Create(row).Error
		if err != nil {
			return fmt.Errorf("executions: upsert assigned: %w", err)
		}
	}
	return nil
}

func (r *gormExecutionRepository) GetByCommandHost(ctx context.Context, commandID uuid.UUID, host string) (*db.ProfilingExecution, error) {
	var row db.ProfilingExecution
	err := r.db.WithContext(ctx).
		Where("command_id = ? AND host = ?", commandID, host).
		First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("executions: get by command host: %w", err)
	}
	return &row, nil
}

func (r *gormExecutionRepository) UpdateOutcome(ctx context.Context, commandID uuid.UUID, host, status string, completedAt time.Time, executionTime *float64, errMsg, resultsPath string) error {
	result := r.db.WithContext(ctx).
		Model(&db.ProfilingExecution{}).
		Where("command_id = ? AND host = ?", commandID, host).
		Updates(map[string]interface{}{
			"status":         status,
			"completed_at":   completedAt,
			"execution_time": executionTime,
			"error_message":  errMsg,
			"results_path":   resultsPath,
		})
	if result.Error != nil {
		return fmt.Errorf("executions: update outcome: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteOlderThan is grounded on NotificationRepository.DeleteReadOlderThan:
// a plain conditional Delete intended for periodic housekeeping.
func (r *gormExecutionRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("completed_at IS NOT NULL AND completed_at < ?", cutoff).
		Delete(&db.ProfilingExecution{})
	if result.Error != nil {
		return 0, fmt.Errorf("executions: delete older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

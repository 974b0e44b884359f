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

// nonTerminal lists the statuses that make a command row eligible for
// merging rather than replacement (invariant I1).
func nonTerminal(status string) bool {
	return status == "pending" || status == "sent"
}

// CommandRepository is the persistence-layer contract for ProfilingCommand
// rows (C1). UpsertForHost is the single atomic primitive the reconciler
// relies on for invariant I1, at most one command per (host, service) in
// a non-terminal status.
type CommandRepository interface {
	// UpsertForHost folds incoming into whatever command currently exists
	// for (host, service). If no row exists, or the existing row is in a
	// terminal status, a fresh row is inserted using newCommandID and
	// incoming verbatim. If the existing row is pending, it is updated in
	// place (same command ID) with the merged config and newRequestID
	// appended to its request ID list. If the existing row is sent, it is
	// superseded: newCommandID becomes the row's new identity (so the
	// agent's idempotency key changes), status resets to pending, and the
	// merged config and appended request ID are written.
	UpsertForHost(ctx context.Context, host, service string, incoming profiling.Config, newCommandID, newRequestID uuid.UUID, commandType string) (*db.ProfilingCommand, error)

	// ReplaceWithStop unconditionally supersedes any pending/sent command
	// on (host, service) with a fresh host-level (or process-level) stop
	// command, carrying the given PIDs and contributing request ID. Used
	// by the stop-level=host reconciliation path and by the process-level
	// degradation path (§4.3 step 3d) once remaining PIDs reach zero.
	ReplaceWithStop(ctx context.Context, host, service string, newCommandID, newRequestID uuid.UUID, pids []int, stopLevel string) (*db.ProfilingCommand, error)

	// UpdateStartWithRemainingPIDs keeps an existing start command's
	// identity but narrows its PID set to remaining and appends
	// newRequestID, resetting status to pending. Used by the partial
	// process-stop path (§4.3 step 3d) when remaining PIDs are nonempty.
	UpdateStartWithRemainingPIDs(ctx context.Context, id uuid.UUID, remaining []int, newRequestID uuid.UUID) (*db.ProfilingCommand, error)

	// InsertStopCommand inserts a brand new stop command when no current
	// command exists for (host, service), or its PIDs are unknown.
	InsertStopCommand(ctx context.Context, host, service string, commandID, requestID uuid.UUID, pids []int, stopLevel string) (*db.ProfilingCommand, error)

	// GetPendingOrSentCommand returns the current non-terminal command for
	// (host, service), if any, optionally excluding a specific command ID.
	GetPendingOrSentCommand(ctx context.Context, host, service string, excludeID *uuid.UUID) (*db.ProfilingCommand, error)

	// GetLatestForHost returns the current command row for (host, service)
	// regardless of status, or ErrNotFound if none exists.
	GetLatestForHost(ctx context.Context, host, service string) (*db.ProfilingCommand, error)

	// MarkSent conditionally transitions a command from pending to sent,
	// stamping SentAt. It is a no-op (not an error) if the command is
	// already sent or terminal, returning the row's current state either
	// way, the dispatcher relies on this conditionality to avoid double
	// execution-row creation under concurrent heartbeats (§5).
	MarkSent(ctx context.Context, id uuid.UUID, host string, now time.Time) (row *db.ProfilingCommand, transitioned bool, err error)

	// CompleteIfCurrent writes a terminal outcome to the command row only
	// if its ID still matches id, a completion for a superseded command
	// must not overwrite the command that replaced it (§4.5 step 2).
	CompleteIfCurrent(ctx context.Context, id uuid.UUID, host, status string, completedAt time.Time, executionTime *float64, errMsg, resultsPath string) (applied bool, requestIDs []string, err error)

	// GetByID returns a command by its ID regardless of host/service.
	GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingCommand, error)

	// CountActivelyProfiling counts hosts with a start command in
	// pending or sent status for the given service (empty = all services),
	// feeding the capacity gate (C6).
	CountActivelyProfiling(ctx context.Context, service string) (int64, error)

	// DeleteTerminalOlderThan deletes command rows in a terminal status
	// (completed or failed) whose CompletedAt predates cutoff. Used by the
	// housekeeper, never by the reconciliation core itself.
	DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

type gormCommandRepository struct {
	db *gorm.DB
}

// NewCommandRepository returns a CommandRepository backed by the provided *gorm.DB.
func NewCommandRepository(database *gorm.DB) CommandRepository {
	return &gormCommandRepository{db: database}
}

func configFromRow(row *db.ProfilingCommand) profiling.Config {
	return profiling.Config{
		Duration:       row.Duration,
		Frequency:      row.Frequency,
		ProfilingMode:  row.ProfilingMode,
		Continuous:     row.Continuous,
		PIDs:           profiling.DecodePIDs(row.PIDs),
		AdditionalArgs: profiling.DecodeArgs(row.AdditionalArgs),
		StopLevel:      row.StopLevel,
	}
}

func applyConfig(row *db.ProfilingCommand, cfg profiling.Config) {
	row.Duration = cfg.Duration
	row.Frequency = cfg.Frequency
	row.ProfilingMode = cfg.ProfilingMode
	row.Continuous = cfg.Continuous
	row.PIDs = profiling.EncodePIDs(cfg.PIDs)
	row.AdditionalArgs = profiling.EncodeArgs(cfg.AdditionalArgs)
	row.StopLevel = cfg.StopLevel
}

func appendRequestID(existing string, newID uuid.UUID) string {
	ids := profiling.DecodeRequestIDs(existing)
	ids = append(ids, newID.String())
	return profiling.EncodeRequestIDs(ids)
}

func (r *gormCommandRepository) UpsertForHost(ctx context.Context, host, service string, incoming profiling.Config, newCommandID, newRequestID uuid.UUID, commandType string) (*db.ProfilingCommand, error) {
	var result *db.ProfilingCommand

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.ProfilingCommand
		err := tx.Where("host = ? AND service = ?", host, service).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := &db.ProfilingCommand{
				Host:        host,
				Service:     service,
				CommandType: commandType,
				Status:      "pending",
				RequestIDs:  profiling.EncodeRequestIDs([]string{newRequestID.String()}),
			}
			row.ID = newCommandID
			applyConfig(row, incoming)
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("commands: upsert insert: %w", err)
			}
			result = row
			return nil

		case err != nil:
			return fmt.Errorf("commands: upsert lookup: %w", err)
		}

		if !nonTerminal(existing.Status) {
			// Terminal row occupying the unique slot: the unique index forces
			// an update of that row, which takes newCommandID as its identity
			// so the fresh command shares no ID or execution row with the old.
			if err := tx.Model(&db.ProfilingCommand{}).Where("id = ?", existing.ID).Update("id", newCommandID).Error; err != nil {
				return fmt.Errorf("commands: upsert replace terminal: %w", err)
			}
			existing.ID = newCommandID
			existing.CommandType = commandType
			existing.Status = "pending"
			existing.RequestIDs = profiling.EncodeRequestIDs([]string{newRequestID.String()})
			existing.SentAt = nil
			existing.CompletedAt = nil
			existing.ExecutionTime = nil
			existing.ErrorMessage = ""
			existing.ResultsPath = ""
			applyConfig(&existing, incoming)
			if err := tx.Save(&existing).Error; err != nil {
				return fmt.Errorf("commands: upsert replace terminal: %w", err)
			}
			result = &existing
			return nil
		}

		currentCfg := configFromRow(&existing)
		merged := profiling.MergeConfig(&currentCfg, incoming)
		wasSent := existing.Status == "sent"
		oldID := existing.ID

		existing.CommandType = commandType
		existing.Status = "pending"
		existing.RequestIDs = appendRequestID(existing.RequestIDs, newRequestID)
		applyConfig(&existing, merged)

		updates := map[string]interface{}{
			"command_type":    existing.CommandType,
			"status":          existing.Status,
			"request_ids":     existing.RequestIDs,
			"duration":        existing.Duration,
			"frequency":       existing.Frequency,
			"profiling_mode":  existing.ProfilingMode,
			"continuous":      existing.Continuous,
			"pids":            existing.PIDs,
			"additional_args": existing.AdditionalArgs,
			"stop_level":      existing.StopLevel,
		}
		if wasSent {
			// Supersession: the row already reached the agent under its old
			// ID, so it must change identity for the agent's idempotency
			// key to recognize a new command next heartbeat (§4.3 edge
			// policy, S5).
			existing.ID = newCommandID
			existing.SentAt = nil
			updates["id"] = newCommandID
			updates["sent_at"] = nil
		}
		if err := tx.Model(&db.ProfilingCommand{}).Where("id = ?", oldID).Updates(updates).Error; err != nil {
			return fmt.Errorf("commands: upsert merge: %w", err)
		}
		result = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *gormCommandRepository) ReplaceWithStop(ctx context.Context, host, service string, newCommandID, newRequestID uuid.UUID, pids []int, stopLevel string) (*db.ProfilingCommand, error) {
	var result *db.ProfilingCommand
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing db.ProfilingCommand
		err := tx.Where("host = ? AND service = ?", host, service).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			row := &db.ProfilingCommand{
				Host:        host,
				Service:     service,
				CommandType: "stop",
				StopLevel:   stopLevel,
				Status:      "pending",
				PIDs:        profiling.EncodePIDs(pids),
				RequestIDs:  profiling.EncodeRequestIDs([]string{newRequestID.String()}),
			}
			row.ID = newCommandID
			if err := tx.Create(row).Error; err != nil {
				return fmt.Errorf("commands: replace-with-stop insert: %w", err)
			}
			result = row
			return nil
		case err != nil:
			return fmt.Errorf("commands: replace-with-stop lookup: %w", err)
		}

		wasSent := existing.Status == "sent"
		wasNonTerminal := nonTerminal(existing.Status)
		oldID := existing.ID

		existing.CommandType = "stop"
		existing.StopLevel = stopLevel
		existing.Status = "pending"
		existing.PIDs = profiling.EncodePIDs(pids)
		if wasNonTerminal {
			existing.RequestIDs = appendRequestID(existing.RequestIDs, newRequestID)
		} else {
			existing.RequestIDs = profiling.EncodeRequestIDs([]string{newRequestID.String()})
		}

		updates := map[string]interface{}{
			"command_type":   existing.CommandType,
			"stop_level":     existing.StopLevel,
			"status":         existing.Status,
			"pids":           existing.PIDs,
			"request_ids":    existing.RequestIDs,
			"sent_at":        nil,
			"completed_at":   nil,
			"execution_time": nil,
			"error_message":  "",
			"results_path":   "",
		}
		if wasSent || !wasNonTerminal {
			existing.ID = newCommandID
			updates["id"] = newCommandID
		}
		if err := tx.Model(&db.ProfilingCommand{}).Where("id = ?", oldID).Updates(updates).Error; err != nil {
			return fmt.Errorf("commands: replace-with-stop save: %w", err)
		}
		result = &existing
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (r *gormCommandRepository) UpdateStartWithRemainingPIDs(ctx context.Context, id uuid.UUID, remaining []int, newRequestID uuid.UUID) (*db.ProfilingCommand, error) {
	var row db.ProfilingCommand
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", id).First(&row).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return fmt.Errorf("commands: update remaining pids lookup: %w", err)
		}
		row.PIDs = profiling.EncodePIDs(remaining)
		row.RequestIDs = appendRequestID(row.RequestIDs, newRequestID)
		row.Status = "pending"
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("commands: update remaining pids save: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &row, nil
}

func (r *gormCommandRepository) InsertStopCommand(ctx context.Context, host, service string, commandID, requestID uuid.UUID, pids []int, stopLevel string) (*db.ProfilingCommand, error) {
	row := &db.ProfilingCommand{
		Host:        host,
		Service:     service,
		CommandType: "stop",
		StopLevel:   stopLevel,
		Status:      "pending",
		PIDs:        profiling.EncodePIDs(pids),
		RequestIDs:  profiling.EncodeRequestIDs([]string{requestID.String()}),
	}
	row.ID = commandID
	if err := r.db.WithContext(ctx).Create(row).Error; err != nil {
		return nil, fmt.Errorf("commands: insert stop: %w", err)
	}
	return row, nil
}

func (r *gormCommandRepository) GetPendingOrSentCommand(ctx context.Context, host, service string, excludeID *uuid.UUID) (*db.ProfilingCommand, error) {
	q := r.db.WithContext(ctx).
		Where("host = ? AND service = ? AND status IN ?", host, service, []string{"pending", "sent"})
	if excludeID != nil {
		q = q.Where("id <> ?", *excludeID)
	}
	var row db.ProfilingCommand
	if err := q.First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get pending or sent: %w", err)
	}
	return &row, nil
}

func (r *gormCommandRepository) GetLatestForHost(ctx context.Context, host, service string) (*db.ProfilingCommand, error) {
	var row db.ProfilingCommand
	err := r.db.WithContext(ctx).Where("host = ? AND service = ?", host, service).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get latest for host: %w", err)
	}
	return &row, nil
}

func (r *gormCommandRepository) GetByID(ctx context.Context, id uuid.UUID) (*db.ProfilingCommand, error) {
	var row db.ProfilingCommand
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("commands: get by id: %w", err)
	}
	return &row, nil
}

// MarkSent is the conditional UPDATE ... WHERE status='pending' primitive
// §5 requires: two concurrent heartbeats racing this call produce exactly
// one transition; the loser's RowsAffected is 0 and it is told
// transitioned=false, but still receives the row's now-current state so the
// dispatcher can return the same payload either way.
func (r *gormCommandRepository) MarkSent(ctx context.Context, id uuid.UUID, host string, now time.Time) (*db.ProfilingCommand, bool, error) {
	result := r.db.WithContext(ctx).
		Model(&db.ProfilingCommand{}).
		Where("id = ? AND host = ? AND status = ?", id, host, "pending").
		Updates(map[string]interface{}{
			"status":  "sent",
			"sent_at": now,
		})
	if result.Error != nil {
		return nil, false, fmt.Errorf("commands: mark sent: %w", result.Error)
	}

	var row db.ProfilingCommand
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&row).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("commands: mark sent reload: %w", err)
	}
	return &row, result.RowsAffected > 0, nil
}

// CompleteIfCurrent applies a terminal update only when id still identifies
// the current command row, superseded commands are silently skipped per
// §4.5 step 2 and §7's conflict-kind handling (not surfaced as an error).
func (r *gormCommandRepository) CompleteIfCurrent(ctx context.Context, id uuid.UUID, host, status string, completedAt time.Time, executionTime *float64, errMsg, resultsPath string) (bool, []string, error) {
	var row db.ProfilingCommand
	err := r.db.WithContext(ctx).Where("id = ? AND host = ?", id, host).First(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil, nil
		}
		return false, nil, fmt.Errorf("commands: complete-if-current lookup: %w", err)
	}

	updates := map[string]interface{}{
		"status":         status,
		"completed_at":   completedAt,
		"execution_time": executionTime,
		"error_message":  errMsg,
		"results_path":   resultsPath,
	}
	result := r.db.WithContext(ctx).Model(&db.ProfilingCommand{}).
		Where("id = ? AND host = ?", id, host).
		Updates(updates)
	if result.Error != nil {
		return false, nil, fmt.Errorf("commands: complete-if-current update: %w", result.Error)
	}
	return result.RowsAffected > 0, profiling.DecodeRequestIDs(row.RequestIDs), nil
}

func (r *gormCommandRepository) CountActivelyProfiling(ctx context.Context, service string) (int64, error) {
	q := r.db.WithContext(ctx).Model(&db.ProfilingCommand{}).
		Where("command_type = ? AND status IN ?", "start", []string{"pending", "sent"})
	if service != "" {
		q = q.Where("service = ?", service)
	}
	var count int64
	if err := q.Distinct("host").Count(&count).Error; err != nil {
		return 0, fmt.Errorf("commands: count actively profiling: %w", err)
	}
	return count, nil
}

// DeleteTerminalOlderThan purges commands past their retention window.
// Grounded on NotificationRepository.DeleteReadOlderThan's pattern: a plain
// conditional Delete, intended to be called periodically by a housekeeping
// job rather than from the synchronous reconciliation path.
func (r *gormCommandRepository) DeleteTerminalOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Where("status IN ? AND completed_at < ?", []string{"completed", "failed"}, cutoff).
		Delete(&db.ProfilingCommand{})
	if result.Error != nil {
		return 0, fmt.Errorf("commands: delete terminal older than: %w", result.Error)
	}
	return result.RowsAffected, nil
}

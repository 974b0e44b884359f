package db

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// base contains the common fields shared by all models.
// ID uses UUID v7 (time-ordered) for efficient B-tree indexing and natural
// chronological ordering without a separate created_at sort. CreatedAt and
// UpdatedAt are managed automatically by GORM.
type base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
// This ensures every record has a valid time-ordered ID before insertion.
func (b *base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Profiling requests
// -----------------------------------------------------------------------------

// ProfilingRequest is an operator-submitted request to start or stop
// profiling on some set of hosts for a service. Status is a materialized
// cache of the derived status computed by recomputing over the contributing
// commands; apart from the initial "pending" written when the request is
// inserted, only that recomputation writes it.
type ProfilingRequest struct {
	base
	Kind        string `gorm:"not null"` // "start" or "stop"
	Service     string `gorm:"not null;index"`
	StopLevel   string `gorm:"default:''"` // "process" or "host", only for kind=stop

	Duration      int64  `gorm:"not null;default:0"` // seconds
	Frequency     int64  `gorm:"not null;default:0"` // hz
	ProfilingMode string `gorm:"default:''"`         // "cpu", "allocation", "none"
	Continuous    bool   `gorm:"not null;default:false"`

	// Targets is a JSON-encoded map[string][]int of hostname -> PIDs. An
	// empty or absent PID list means the whole host. Absent hostnames mean
	// "all currently active hosts for Service".
	Targets string `gorm:"type:text;not null;default:'{}'"`

	// AdditionalArgs is a JSON-encoded map[string]string, shallow-merged by
	// the config merger with incoming values winning on key collision.
	AdditionalArgs string `gorm:"type:text;not null;default:'{}'"`

	Status                  string `gorm:"not null;default:'pending'"` // pending|sent|completed|failed
	EstimatedCompletionTime *time.Time
	CompletedAt             *time.Time
}

// -----------------------------------------------------------------------------
// Profiling commands
// -----------------------------------------------------------------------------

// ProfilingCommand is the server-computed, per-(host,service) effective
// instruction folded from one or more contributing requests. At most one row
// may exist per (Host, Service) in a non-terminal status (pending or sent),
// enforced by an atomic upsert on that unique pair, never by application-side
// locking.
type ProfilingCommand struct {
	base
	Host        string `gorm:"not null;index:idx_command_host_service,unique"`
	Service     string `gorm:"not null;index:idx_command_host_service,unique"`
	CommandType string `gorm:"not null"` // "start" or "stop"
	StopLevel   string `gorm:"default:''"`

	// RequestIDs is a JSON-encoded, ordered array of uuid.UUID strings
	// naming every request that has contributed to this command's current
	// combined configuration.
	RequestIDs string `gorm:"type:text;not null;default:'[]'"`

	Duration       int64  `gorm:"not null;default:0"`
	Frequency      int64  `gorm:"not null;default:0"`
	ProfilingMode  string `gorm:"default:''"`
	Continuous     bool   `gorm:"not null;default:false"`
	PIDs           string `gorm:"type:text;not null;default:'[]'"` // JSON []int
	AdditionalArgs string `gorm:"type:text;not null;default:'{}'"`

	Status       string `gorm:"not null;default:'pending'"` // pending|sent|completed|failed
	SentAt       *time.Time
	CompletedAt  *time.Time
	ExecutionTime *float64
	ErrorMessage string `gorm:"type:text;default:''"`
	ResultsPath  string `gorm:"default:''"`
}

// -----------------------------------------------------------------------------
// Profiling executions
// -----------------------------------------------------------------------------

// ProfilingExecution is one audit record of a command having been dispatched
// to a host. A command may accumulate multiple execution rows over its
// lifetime as it is superseded by newer merges, this table is the durable
// history; ProfilingCommand reflects only the current state.
type ProfilingExecution struct {
	CommandID          uuid.UUID  `gorm:"type:text;primaryKey;column:command_id"`
	Host               string     `gorm:"primaryKey"`
	ProfilingRequestID uuid.UUID  `gorm:"type:text;index"`
	Status             string     `gorm:"not null;default:'assigned'"` // assigned|completed|failed
	StartedAt          *time.Time
	CompletedAt        *time.Time
	ErrorMessage       string `gorm:"type:text;default:''"`
	ExecutionTime      *float64
	ResultsPath        string    `gorm:"default:''"`
	CreatedAt          time.Time `gorm:"not null"`
	UpdatedAt          time.Time `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Heartbeats
// -----------------------------------------------------------------------------

// HostHeartbeat is the most recent liveness ping for a (Host, Service) pair.
// Every inbound heartbeat mutates this row in place, last-writer-wins on
// content, monotonic on HeartbeatTimestamp.
type HostHeartbeat struct {
	Host               string `gorm:"primaryKey"`
	Service            string `gorm:"primaryKey"`
	IPAddress          string `gorm:"not null;default:''"`
	Status             string `gorm:"not null;default:'active'"` // active|idle|error
	LastCommandID      *uuid.UUID `gorm:"type:text"`
	HeartbeatTimestamp time.Time  `gorm:"not null;index"`

	// AvailablePIDs is orthogonal inventory data reported by the agent. It is
	// never consulted by the reconciler or the config merger, only returned
	// in ListHostProfilingStatus results; that listing does not filter on it.
	AvailablePIDs string `gorm:"type:text;not null;default:'[]'"`

	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

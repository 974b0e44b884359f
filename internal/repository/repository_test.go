package repository

import (
	"testing"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/gprofiler-dev/profctl/internal/db"
)

// newTestDB opens a fresh in-memory SQLite database with migrations applied,
// mirroring how cmd/server wires db.New in production.
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gormDB, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      ":memory:",
		Logger:   zap.NewNop(),
		LogLevel: logger.Silent,
	})
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	return gormDB
}

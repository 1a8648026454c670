// Package storetest provides an in-memory SQLite store for tests.
package storetest

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/makex/orchestrator/internal/store"
)

// New returns a migrated store backed by a private in-memory database
func New(t *testing.T) *store.GormStore {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	require.NoError(t, err)

	// Every pooled connection would otherwise open its own empty database
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, store.Migrate(db))

	s := store.New(db)
	t.Cleanup(func() { s.Close() })
	return s
}

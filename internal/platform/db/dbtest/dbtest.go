// Package dbtest provides SQLite-backed gorm databases for tests.
package dbtest

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"tradebot_backend/internal/platform/db"
)

// Open returns a migrated SQLite database stored in a per-test temp file.
// A file is used instead of ":memory:" so that every pooled connection,
// and every goroutine, sees the same database.
func Open(t *testing.T, models ...any) *gorm.DB {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	gdb, err := gorm.Open(sqlite.Open(db.BuildSQLiteDSN(path)), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	require.NoError(t, err, "failed to initialize test database")

	require.NoError(t, db.Migrate(gdb, models...), "failed to migrate tables")

	t.Cleanup(func() {
		if sqlDB, err := gdb.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	return gdb
}

// Package sqlitepool opens gorm/sqlite databases configured for Tom's
// per-provider cache model: one file per provider, a single physical
// connection to avoid SQLITE_BUSY on concurrent writers, and WAL journal
// mode so background refreshes don't block foreground reads. Adapted from
// the teacher's internal/database.PoolManager, which pools a multi-connection
// postgres/mysql database; sqlite's single-writer constraint collapses that
// pool down to size 1.
package sqlitepool

import (
	"fmt"
	"os"
	"path/filepath"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Open opens (creating parent directories and the file as needed) a sqlite
// database at path with a single connection and WAL journaling, per spec §5:
// "writers must use a single connection or a mutex to avoid SQLITE_BUSY;
// readers may use separate connections with journal_mode=WAL."
func Open(path string) (*gorm.DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create cache dir for %s: %w", path, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite cache %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql.DB for %s: %w", path, err)
	}
	// A single physical connection serializes every writer automatically;
	// WAL still lets external readers (e.g. sqlite3 CLI) proceed concurrently.
	sqlDB.SetMaxOpenConns(1)

	return db, nil
}

// Recreate drops and recreates the given models' tables. Used on
// CacheCorruption per §7: "recreate table; log ERROR".
func Recreate(db *gorm.DB, models ...interface{}) error {
	if err := db.Migrator().DropTable(models...); err != nil {
		return fmt.Errorf("drop corrupted tables: %w", err)
	}
	if err := db.AutoMigrate(models...); err != nil {
		return fmt.Errorf("recreate tables: %w", err)
	}
	return nil
}

package database

import (
	"fmt"

	sqlite "github.com/glebarez/sqlite"
	"github.com/lakefront-labs/chatsync/internal/store"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// SchemaVersion stamps the on-disk layout via PRAGMA user_version. The cache
// carries no incremental migrations: on mismatch every table is dropped and
// recreated, since all rows are re-derivable from the live client.
const SchemaVersion = 1

// Open establishes a SQLite connection, reconciles the schema version, and
// performs schema migrations for every cache table.
func Open(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := reconcileSchemaVersion(db, logger); err != nil {
		return nil, err
	}

	if err := db.AutoMigrate(store.Models()...); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path), zap.Int("schema_version", SchemaVersion))
	}

	return db, nil
}

// Close releases the underlying file handle deterministically.
func Close(db *gorm.DB) error {
	if db == nil {
		return nil
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func reconcileSchemaVersion(db *gorm.DB, logger *zap.Logger) error {
	var version int
	if err := db.Raw("PRAGMA user_version").Scan(&version).Error; err != nil {
		return err
	}
	if version == SchemaVersion {
		return nil
	}

	if logger != nil {
		logger.Info("schema version mismatch, recreating tables",
			zap.Int("found", version),
			zap.Int("expected", SchemaVersion))
	}
	for _, table := range store.TableNames() {
		if err := db.Exec("DROP TABLE IF EXISTS " + table).Error; err != nil {
			return err
		}
	}
	return db.Exec(fmt.Sprintf("PRAGMA user_version = %d", SchemaVersion)).Error
}

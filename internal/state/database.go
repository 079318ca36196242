package state

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/drallgood/reading-activity-sync/internal/config"
	"github.com/drallgood/reading-activity-sync/internal/logger"
)

// Connect opens the configured SQL database. Unlike a cache, sync state must
// never silently move to another database, so there is no fallback.
func Connect(cfg config.DatabaseConfig, log *logger.Logger) (*gorm.DB, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid database configuration: %w", err)
	}

	dialector, err := dialectorFor(cfg)
	if err != nil {
		return nil, err
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s database: %w", cfg.Type, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}

	if cfg.Type == config.DatabaseTypeSQLite {
		// SQLite only supports one writer at a time
		sqlDB.SetMaxOpenConns(1)
		sqlDB.SetMaxIdleConns(1)
		sqlDB.SetConnMaxLifetime(time.Hour)
	} else {
		sqlDB.SetMaxOpenConns(orDefault(cfg.MaxOpenConns, 25))
		sqlDB.SetMaxIdleConns(orDefault(cfg.MaxIdleConns, 5))
		sqlDB.SetConnMaxLifetime(time.Duration(orDefault(cfg.ConnMaxLifetime, 60)) * time.Minute)
	}

	if log != nil {
		log.Info("Connected to state database", map[string]interface{}{
			"type": cfg.Type,
			"host": cfg.Host,
			"path": cfg.Path,
		})
	}
	return db, nil
}

func dialectorFor(cfg config.DatabaseConfig) (gorm.Dialector, error) {
	switch cfg.Type {
	case config.DatabaseTypeSQLite:
		if dir := filepath.Dir(cfg.Path); dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
		return sqlite.Open(cfg.GetDSN()), nil
	case config.DatabaseTypePostgreSQL:
		return postgres.Open(cfg.GetDSN()), nil
	case config.DatabaseTypeMySQL, config.DatabaseTypeMariaDB:
		return mysql.Open(cfg.GetDSN()), nil
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Type)
	}
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

package state

import (
	"fmt"

	"github.com/drallgood/reading-activity-sync/internal/config"
	"github.com/drallgood/reading-activity-sync/internal/logger"
)

// Open builds the store selected by sync.state_backend
func Open(cfg *config.Config, log *logger.Logger) (Store, error) {
	switch cfg.Sync.StateBackend {
	case config.StateBackendFile, "":
		return NewFileStore(cfg.Sync.StateDir)
	case config.StateBackendSQL:
		db, err := Connect(cfg.Database, log)
		if err != nil {
			return nil, err
		}
		return NewSQLStore(db)
	case config.StateBackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown state backend %q", cfg.Sync.StateBackend)
	}
}

package storage

import (
	"errors"
	"strings"

	logx "pitwall/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" || driver == "memory" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("storage.path is required for " + driver + " driver")
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "badger":
		return openBadger(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

package store

import (
	"errors"
	"strings"
	"time"

	"notifyd/pkg/logx"
)

// Config selects and configures the persistence backend.
//
// Driver values:
//   - "memory": process-local, lost on restart (tests, ephemeral runs)
//   - "file":   dependency-free file backend (jsonl journal + snapshot)
//   - "sqlite": SQLite database file (optional build tag)
//   - "redis":  shared redis backend
//
// An empty Driver defaults to "memory".
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Redis driver settings.
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "redis":
		return openRedis(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}

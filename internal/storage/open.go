// Package storage provides the deploy.Store implementations: an in-memory
// store (default, tests) and a SQLite-backed store for durable state.
package storage

import (
	"errors"
	"strings"
	"time"

	"deployd/internal/deploy"
	logx "deployd/pkg/logx"
)

// Config selects and configures a store driver.
//
// Driver values:
//   - "" or "memory": in-process store, state is lost on restart
//   - "sqlite": SQLite database file
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (deploy.Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}

	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}

const interruptedNote = "\ndeployment interrupted: orchestrator restarted while execution was in flight\n"

// Package history persists task run records so operators can answer "what
// ran, when, and how did it go" across daemon restarts.
package history

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "taskhive/pkg/logx"
)

var ErrDisabled = errors.New("history disabled")

// Run statuses.
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusDropped   = "dropped"
)

// RunRecord is one finished (or dropped) task run. Keep it compact and
// schema-stable.
type RunRecord struct {
	ID       string        `json:"id"`
	Task     string        `json:"task"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Attempts int           `json:"attempts"`
	Status   string        `json:"status"`
	Output   string        `json:"output,omitempty"`
	Error    string        `json:"error,omitempty"`
}

// Store is the persistence API the orchestrator writes through.
type Store interface {
	Append(ctx context.Context, rec RunRecord) error
	// Recent returns the newest records first. Empty task means all tasks.
	Recent(ctx context.Context, task string, limit int) ([]RunRecord, error)
	Close() error
}

// Config selects and tunes the backend.
//
// Driver values:
//   - "file": dependency-free JSON Lines backend
//   - "sqlite": SQLite database file (optional build tag)
//
// If Driver is empty or "none", history is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Limit       int           // records kept; 0 means 200
}

func (c Config) limit() int {
	if c.Limit <= 0 {
		return 200
	}
	return c.Limit
}

// Open initializes the configured store. Returns (nil, nil) when disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown history driver: " + driver)
	}
}

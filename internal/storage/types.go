package storage

import (
	"errors"
	"time"
)

var (
	ErrClosed        = errors.New("storage closed")
	ErrInvalidKey    = errors.New("storage: namespace and key are required")
	ErrUnknownDriver = errors.New("unknown storage driver")
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process map (default when Driver is empty)
//   - "file": directory of per-namespace JSON snapshots
//   - "sqlite": SQLite database file
//   - "postgres": PostgreSQL DSN in Path
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
}

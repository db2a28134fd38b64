package storage

import (
	"context"
	"fmt"
	"strings"

	logx "reminderd/pkg/logx"
)

// Store is the persistence API used by the alarm host and the schedulers.
//
// Implementations must make a single Put atomic: a reader sees either the
// previous value or the new one, never a mix.
type Store interface {
	Get(ctx context.Context, ns, key string) (val []byte, ok bool, err error)
	Put(ctx context.Context, ns, key string, val []byte) error
	Delete(ctx context.Context, ns, key string) error
	// Namespaces lists every namespace that currently holds at least one key.
	Namespaces(ctx context.Context) ([]string, error)
	Close() error
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "", "memory":
		return NewMemory(), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(ctx, cfg, log)
	case "postgres", "postgresql", "pg":
		return openPostgres(ctx, cfg, log)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownDriver, driver)
	}
}

func validKey(ns, key string) error {
	if strings.TrimSpace(ns) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

// Region is a Store scoped to one namespace.
type Region struct {
	store Store
	ns    string
}

func NewRegion(store Store, ns string) Region {
	return Region{store: store, ns: ns}
}

func (r Region) Namespace() string { return r.ns }

func (r Region) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return r.store.Get(ctx, r.ns, key)
}

func (r Region) Put(ctx context.Context, key string, val []byte) error {
	return r.store.Put(ctx, r.ns, key, val)
}

func (r Region) Delete(ctx context.Context, key string) error {
	return r.store.Delete(ctx, r.ns, key)
}

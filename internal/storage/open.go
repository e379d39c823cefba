package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Store is what a process needs from its backing database.
type Store interface {
	JobStore
	UserStore
	Ping(ctx context.Context) error
}

type OpenOptions struct {
	// Driver is memory, sqlite or postgres.
	Driver    string
	SQLiteDir string
	PGDSN     string
	Migrate   bool
	Logger    *slog.Logger
}

// Open returns the store named by o.Driver.
func Open(o OpenOptions) (Store, error) {
	logger := o.Logger
	if logger == nil {
		logger = slog.Default()
	}
	switch o.Driver {
	case "postgres":
		ps, err := NewPostgresStore(o.PGDSN, PostgresOptions{Migrate: o.Migrate, Logger: logger})
		if err != nil {
			return nil, fmt.Errorf("opening postgres: %w", err)
		}
		return ps, nil
	case "sqlite":
		ss, err := OpenSQLite(o.SQLiteDir, logger)
		if err != nil {
			return nil, fmt.Errorf("opening sqlite: %w", err)
		}
		return ss, nil
	case "", "memory":
		return NewMemoryStore(logger), nil
	}
	return nil, fmt.Errorf("unknown store driver %q", o.Driver)
}

// Ping fails once the store is closed.
func (m *MemoryStore) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return unavailable("ping memory", errors.New("store closed"))
	}
	return nil
}

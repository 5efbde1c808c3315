// Package store persists schedule records and user profiles. It provides a
// common interface over three backends: SQLite (default, zero configuration),
// PostgreSQL and Redis.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
)

var (
	// ErrNotFound is returned when a record or profile does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable wraps every failure of the underlying database, so
	// callers can tell a broken store apart from a missing row.
	ErrUnavailable = errors.New("store unavailable")
)

// Schedules is the durable mapping from schedule ID to record.
type Schedules interface {
	// Insert assigns a new ID to rec, persists it and returns the stored copy.
	Insert(ctx context.Context, rec schedule.Record) (schedule.Record, error)

	// All returns every record in insertion order.
	All(ctx context.Context) ([]schedule.Record, error)

	// ByUser returns the records owned by userID in insertion order.
	ByUser(ctx context.Context, userID string) ([]schedule.Record, error)

	// Delete removes one record. Returns ErrNotFound if it does not exist.
	Delete(ctx context.Context, id string) error

	// DeleteAll truncates the collection and returns how many records it held.
	DeleteAll(ctx context.Context) (int, error)
}

// Profiles stores one freeform profile per user.
type Profiles interface {
	UpsertProfile(ctx context.Context, p schedule.Profile) error

	// Profile returns ErrNotFound when the user never set a profile.
	Profile(ctx context.Context, userID string) (schedule.Profile, error)
}

// Store is a full backend.
type Store interface {
	Schedules
	Profiles

	// Backend names the implementation ("sqlite", "postgresql", "redis").
	Backend() BackendType

	Ping(ctx context.Context) error
	Close() error
}

// Open creates the store selected by cfg and prepares its schema.
func Open(ctx context.Context, cfg Config, logger *slog.Logger) (Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	logger = logger.With("component", "store", "backend", string(cfg.Backend))

	switch cfg.Backend {
	case BackendSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		logger.Info("store ready", "path", cfg.SQLite.Path)
		return s, nil

	case BackendPostgreSQL:
		s, err := OpenPostgreSQL(ctx, cfg.PostgreSQL)
		if err != nil {
			return nil, err
		}
		logger.Info("store ready", "host", cfg.PostgreSQL.Host, "database", cfg.PostgreSQL.Database)
		return s, nil

	case BackendRedis:
		s, err := OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		logger.Info("store ready", "addr", cfg.Redis.Addr, "prefix", cfg.Redis.Prefix)
		return s, nil
	}

	return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// unavailable wraps a driver error with ErrUnavailable and an operation name.
func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}

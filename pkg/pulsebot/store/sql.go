package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/schedule"
)

// timeLayout is fixed width so that stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// schema is valid for both SQLite and PostgreSQL.
const schema = `
CREATE TABLE IF NOT EXISTS schedules (
	id             TEXT PRIMARY KEY,
	seq            BIGINT NOT NULL,
	user_id        TEXT NOT NULL,
	channel_id     TEXT NOT NULL,
	message        TEXT NOT NULL,
	schedule_type  TEXT NOT NULL,
	schedule_value TEXT NOT NULL,
	created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_schedules_user ON schedules(user_id, seq);

CREATE TABLE IF NOT EXISTS profiles (
	user_id    TEXT PRIMARY KEY,
	info       TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
`

// SQLStore implements Store on database/sql. The same queries serve SQLite
// and PostgreSQL; only the placeholder style differs.
type SQLStore struct {
	db      *sql.DB
	backend BackendType
}

// OpenSQLite opens or creates a SQLite database and applies the schema.
func OpenSQLite(ctx context.Context, cfg SQLiteConfig) (*SQLStore, error) {
	cfg = Config{SQLite: cfg}.Effective().SQLite

	dir := filepath.Dir(cfg.Path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory %q: %w", dir, err)
	}

	db, err := sql.Open("sqlite3", cfg.dsn())
	if err != nil {
		return nil, unavailable("open sqlite "+cfg.Path, err)
	}
	// A single writer avoids SQLITE_BUSY between the scheduler and commands.
	db.SetMaxOpenConns(1)

	return newSQLStore(ctx, db, BackendSQLite)
}

// OpenPostgreSQL connects through the pgx stdlib driver and applies the schema.
func OpenPostgreSQL(ctx context.Context, cfg PostgreSQLConfig) (*SQLStore, error) {
	cfg = Config{PostgreSQL: cfg}.Effective().PostgreSQL

	db, err := sql.Open("pgx", cfg.ConnString())
	if err != nil {
		return nil, unavailable("open postgresql", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	return newSQLStore(ctx, db, BackendPostgreSQL)
}

func newSQLStore(ctx context.Context, db *sql.DB, backend BackendType) (*SQLStore, error) {
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, unavailable("ping "+string(backend), err)
	}
	s := &SQLStore{db: db, backend: backend}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return unavailable("apply schema", err)
		}
	}
	return nil
}

// Backend implements Store.
func (s *SQLStore) Backend() BackendType { return s.backend }

// Ping implements Store.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Close implements Store.
func (s *SQLStore) Close() error { return s.db.Close() }

// ---------- Schedules ----------

// Insert implements Schedules.
func (s *SQLStore) Insert(ctx context.Context, rec schedule.Record) (schedule.Record, error) {
	rec.ID = uuid.NewString()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO schedules (id, seq, user_id, channel_id, message, schedule_type, schedule_value, created_at)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM schedules), ?, ?, ?, ?, ?, ?)`),
		rec.ID, rec.UserID, rec.ChannelID, rec.Message, string(rec.Type), rec.Value,
		rec.CreatedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return schedule.Record{}, unavailable("insert schedule", err)
	}
	return rec, nil
}

// All implements Schedules.
func (s *SQLStore) All(ctx context.Context) ([]schedule.Record, error) {
	return s.query(ctx, `
		SELECT id, user_id, channel_id, message, schedule_type, schedule_value, created_at
		FROM schedules ORDER BY seq, created_at`)
}

// ByUser implements Schedules.
func (s *SQLStore) ByUser(ctx context.Context, userID string) ([]schedule.Record, error) {
	return s.query(ctx, `
		SELECT id, user_id, channel_id, message, schedule_type, schedule_value, created_at
		FROM schedules WHERE user_id = ? ORDER BY seq, created_at`, userID)
}

// Delete implements Schedules.
func (s *SQLStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, s.rebind(`DELETE FROM schedules WHERE id = ?`), id)
	if err != nil {
		return unavailable("delete schedule", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("schedule %q: %w", id, ErrNotFound)
	}
	return nil
}

// DeleteAll implements Schedules.
func (s *SQLStore) DeleteAll(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules`)
	if err != nil {
		return 0, unavailable("clear schedules", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *SQLStore) query(ctx context.Context, q string, args ...any) ([]schedule.Record, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(q), args...)
	if err != nil {
		return nil, unavailable("query schedules", err)
	}
	defer rows.Close()

	var out []schedule.Record
	for rows.Next() {
		var (
			rec       schedule.Record
			typ       string
			createdAt string
		)
		if err := rows.Scan(&rec.ID, &rec.UserID, &rec.ChannelID, &rec.Message, &typ, &rec.Value, &createdAt); err != nil {
			return nil, unavailable("scan schedule", err)
		}
		rec.Type = schedule.Type(typ)
		if t, err := time.Parse(timeLayout, createdAt); err == nil {
			rec.CreatedAt = t
		} else if t, err := time.Parse(time.RFC3339, createdAt); err == nil {
			rec.CreatedAt = t
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("iterate schedules", err)
	}
	return out, nil
}

// ---------- Profiles ----------

// UpsertProfile implements Profiles.
func (s *SQLStore) UpsertProfile(ctx context.Context, p schedule.Profile) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`
		INSERT INTO profiles (user_id, info, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (user_id) DO UPDATE SET info = excluded.info, updated_at = excluded.updated_at`),
		p.UserID, p.Info, time.Now().UTC().Format(timeLayout),
	)
	if err != nil {
		return unavailable("upsert profile", err)
	}
	return nil
}

// Profile implements Profiles.
func (s *SQLStore) Profile(ctx context.Context, userID string) (schedule.Profile, error) {
	p := schedule.Profile{UserID: userID}
	err := s.db.QueryRowContext(ctx, s.rebind(`SELECT info FROM profiles WHERE user_id = ?`), userID).Scan(&p.Info)
	if errors.Is(err, sql.ErrNoRows) {
		return schedule.Profile{}, fmt.Errorf("profile %q: %w", userID, ErrNotFound)
	}
	if err != nil {
		return schedule.Profile{}, unavailable("get profile", err)
	}
	return p, nil
}

// rebind rewrites '?' placeholders to '$n' for PostgreSQL.
func (s *SQLStore) rebind(q string) string {
	if s.backend != BackendPostgreSQL {
		return q
	}
	var b strings.Builder
	n := 0
	for _, c := range q {
		if c == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(c)
	}
	return b.String()
}

var _ Store = (*SQLStore)(nil)

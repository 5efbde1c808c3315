package store

import (
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// BackendType identifies the database behind a Store.
type BackendType string

const (
	BackendSQLite     BackendType = "sqlite"
	BackendPostgreSQL BackendType = "postgresql"
	BackendRedis      BackendType = "redis"
)

// Config selects and configures the store backend.
type Config struct {
	// Backend is the store type (default: "sqlite").
	Backend BackendType `yaml:"backend"`

	SQLite     SQLiteConfig     `yaml:"sqlite"`
	PostgreSQL PostgreSQLConfig `yaml:"postgresql"`
	Redis      RedisConfig      `yaml:"redis"`
}

// SQLiteConfig holds SQLite-specific configuration.
type SQLiteConfig struct {
	// Path to the database file (default: "./data/pulsebot.db").
	Path string `yaml:"path"`

	// JournalMode (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout"`
}

// PostgreSQLConfig holds PostgreSQL configuration.
type PostgreSQLConfig struct {
	// DSN overrides the individual fields when set.
	DSN string `yaml:"dsn"`

	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Database string `yaml:"database"`
	User     string `yaml:"user"`
	// Password supports ${ENV_VAR} expansion.
	Password string `yaml:"password"`
	// SSLMode: disable, require, verify-ca, verify-full.
	SSLMode string `yaml:"ssl_mode"`

	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// RedisConfig holds Redis configuration.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces every key (default: "pulsebot:").
	Prefix string `yaml:"prefix"`
}

// DefaultConfig returns the zero-configuration SQLite setup.
func DefaultConfig() Config {
	return Config{}.Effective()
}

// Effective returns a copy with default values filled in for zero fields.
func (c Config) Effective() Config {
	out := c
	if out.Backend == "" {
		out.Backend = BackendSQLite
	}

	if out.SQLite.Path == "" {
		out.SQLite.Path = "./data/pulsebot.db"
	}
	if out.SQLite.JournalMode == "" {
		out.SQLite.JournalMode = "WAL"
	}
	if out.SQLite.BusyTimeout == 0 {
		out.SQLite.BusyTimeout = 5000
	}

	if out.PostgreSQL.Host == "" {
		out.PostgreSQL.Host = "localhost"
	}
	if out.PostgreSQL.Port == 0 {
		out.PostgreSQL.Port = 5432
	}
	if out.PostgreSQL.SSLMode == "" {
		out.PostgreSQL.SSLMode = "disable"
	}
	if out.PostgreSQL.MaxOpenConns == 0 {
		out.PostgreSQL.MaxOpenConns = 10
	}
	if out.PostgreSQL.MaxIdleConns == 0 {
		out.PostgreSQL.MaxIdleConns = 5
	}
	if out.PostgreSQL.ConnMaxLifetime == 0 {
		out.PostgreSQL.ConnMaxLifetime = 30 * time.Minute
	}

	if out.Redis.Addr == "" {
		out.Redis.Addr = "localhost:6379"
	}
	if out.Redis.Prefix == "" {
		out.Redis.Prefix = "pulsebot:"
	}
	return out
}

// ConnString builds the pgx connection string.
func (p PostgreSQLConfig) ConnString() string {
	if p.DSN != "" {
		return p.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   p.Host + ":" + strconv.Itoa(p.Port),
		Path:   "/" + p.Database,
	}
	if p.User != "" {
		if p.Password != "" {
			u.User = url.UserPassword(p.User, p.Password)
		} else {
			u.User = url.User(p.User)
		}
	}
	q := url.Values{}
	q.Set("sslmode", p.SSLMode)
	u.RawQuery = q.Encode()
	return u.String()
}

// dsn builds the go-sqlite3 DSN with pragmas.
func (s SQLiteConfig) dsn() string {
	return fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON", s.Path, s.JournalMode, s.BusyTimeout)
}

// Package config defines the pulsebot configuration file and how it is
// loaded: YAML with environment expansion, .env files and OS keyring
// secrets.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/channels/discord"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/llm"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/reply"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/scheduler"
	"github.com/jholhewres/pulsebot/pkg/pulsebot/store"
)

// Config is the top-level configuration.
type Config struct {
	// Name identifies the bot in logs (default: "pulsebot").
	Name string `yaml:"name"`

	// Timezone applies to every daily and weekly schedule, as an IANA name
	// (default: the host's local zone).
	Timezone string `yaml:"timezone"`

	Discord   discord.Config  `yaml:"discord"`
	API       llm.Config      `yaml:"api"`
	Database  store.Config    `yaml:"database"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Reply     ReplyConfig     `yaml:"reply"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// SchedulerConfig configures the timer engine.
type SchedulerConfig struct {
	// DispatchTimeout bounds one scheduled dispatch (default: 60s).
	DispatchTimeout time.Duration `yaml:"dispatch_timeout"`
}

// ReplyConfig configures reply segmentation.
type ReplyConfig struct {
	// Limit is the per-message character limit (default: 2000).
	Limit int `yaml:"limit"`

	// RatePerSec caps messages per second in a reply chain (default: 5).
	RatePerSec int `yaml:"rate_per_sec"`
}

// LoggingConfig configures slog output.
type LoggingConfig struct {
	// Level: debug, info, warn, error (default: info).
	Level string `yaml:"level"`

	// Format: json or text (default: json).
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is found.
func Default() *Config {
	cfg := &Config{
		Discord: discord.DefaultConfig(),
	}
	*cfg = cfg.Effective()
	return cfg
}

// Effective returns a copy with defaults filled in for zero fields.
func (c Config) Effective() Config {
	out := c
	if out.Name == "" {
		out.Name = "pulsebot"
	}
	out.API = out.API.Effective()
	out.Database = out.Database.Effective()

	if out.Scheduler.DispatchTimeout <= 0 {
		out.Scheduler.DispatchTimeout = scheduler.DefaultTimeout
	}
	if out.Reply.Limit <= 0 {
		out.Reply.Limit = reply.DefaultLimit
	}
	if out.Reply.RatePerSec == 0 {
		out.Reply.RatePerSec = 5
	}
	if out.Reply.RatePerSec < 0 {
		out.Reply.RatePerSec = 0
	}

	out.Logging.Level = strings.ToLower(out.Logging.Level)
	if out.Logging.Level == "" {
		out.Logging.Level = "info"
	}
	out.Logging.Format = strings.ToLower(out.Logging.Format)
	if out.Logging.Format == "" {
		out.Logging.Format = "json"
	}
	return out
}

// Location resolves Timezone.
func (c Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate reports settings the bot cannot run without.
func (c Config) Validate() error {
	var missing []string
	if c.Discord.Token == "" {
		missing = append(missing, "discord.token (or DISCORD_TOKEN)")
	}
	if c.API.APIKey == "" {
		missing = append(missing, "api.api_key (or OPENAI_API_KEY)")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing configuration: %s", strings.Join(missing, ", "))
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch c.Database.Backend {
	case store.BackendSQLite, store.BackendPostgreSQL, store.BackendRedis:
	default:
		return fmt.Errorf("unknown database backend %q", c.Database.Backend)
	}
	return nil
}

package config

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/zalando/go-keyring"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/store"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDefault(t *testing.T) {
	t.Parallel()

	cfg := Default()
	if cfg.Name != "pulsebot" {
		t.Errorf("Name = %q", cfg.Name)
	}
	if cfg.Database.Backend != store.BackendSQLite {
		t.Errorf("Backend = %q", cfg.Database.Backend)
	}
	if cfg.Reply.Limit != 2000 || cfg.Reply.RatePerSec != 5 {
		t.Errorf("Reply = %+v", cfg.Reply)
	}
	if cfg.Scheduler.DispatchTimeout != time.Minute {
		t.Errorf("DispatchTimeout = %v", cfg.Scheduler.DispatchTimeout)
	}
	if !cfg.Discord.RespondToThreads || cfg.Discord.HistoryLimit != 100 {
		t.Errorf("Discord = %+v", cfg.Discord)
	}
	if cfg.Logging.Format != "json" || cfg.Logging.Level != "info" {
		t.Errorf("Logging = %+v", cfg.Logging)
	}
}

func TestParseConfig(t *testing.T) {
	t.Parallel()

	data := []byte(`
name: standup-bot
timezone: Europe/Lisbon
discord:
  token: abc
  send_typing: false
api:
  api_key: sk-test
  model: gpt-4o
database:
  backend: redis
  redis:
    addr: redis:6379
scheduler:
  dispatch_timeout: 30s
reply:
  rate_per_sec: -1
logging:
  format: TEXT
`)
	cfg, err := ParseConfig(data)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if cfg.Name != "standup-bot" || cfg.Discord.Token != "abc" || cfg.API.Model != "gpt-4o" {
		t.Errorf("cfg = %+v", cfg)
	}
	if cfg.Discord.SendTyping {
		t.Error("send_typing: false was ignored")
	}
	if !cfg.Discord.RespondToThreads {
		t.Error("unset discord fields lost their defaults")
	}
	if cfg.Database.Backend != store.BackendRedis || cfg.Database.Redis.Addr != "redis:6379" || cfg.Database.Redis.Prefix != "pulsebot:" {
		t.Errorf("Database = %+v", cfg.Database)
	}
	if cfg.Scheduler.DispatchTimeout != 30*time.Second {
		t.Errorf("DispatchTimeout = %v", cfg.Scheduler.DispatchTimeout)
	}
	if cfg.Reply.RatePerSec != 0 {
		t.Errorf("negative rate should disable pacing, got %d", cfg.Reply.RatePerSec)
	}
	if cfg.Logging.Format != "text" {
		t.Errorf("Format = %q", cfg.Logging.Format)
	}
	if cfg.API.BaseURL != "https://api.openai.com/v1" {
		t.Errorf("BaseURL = %q", cfg.API.BaseURL)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestParseConfig_Invalid(t *testing.T) {
	t.Parallel()

	if _, err := ParseConfig([]byte("name: [unterminated")); err == nil {
		t.Error("expected YAML error")
	}
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("PULSEBOT_TEST_SET", "value")

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{in: "a: ${PULSEBOT_TEST_SET}", want: "a: value"},
		{in: "a: ${PULSEBOT_TEST_UNSET}", want: "a: ${PULSEBOT_TEST_UNSET}"},
		{in: "a: ${PULSEBOT_TEST_UNSET:-fallback}", want: "a: fallback"},
		{in: "a: ${PULSEBOT_TEST_SET:-fallback}", want: "a: value"},
		{in: "a: ${PULSEBOT_TEST_UNSET:?token required}", wantErr: true},
		{in: "price: $5", want: "price: $5"},
	}
	for _, tt := range tests {
		got, err := expandEnvVars(tt.in)
		if tt.wantErr {
			if err == nil || !strings.Contains(err.Error(), "token required") {
				t.Errorf("expandEnvVars(%q) err = %v, want error", tt.in, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("expandEnvVars(%q) = %q, %v; want %q", tt.in, got, err, tt.want)
		}
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "from-env")
	t.Setenv("PULSEBOT_API_KEY", "")
	t.Setenv("OPENAI_API_KEY", "sk-env")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
discord:
  token: ${DISCORD_TOKEN}
database:
  sqlite:
    path: data/bot.db
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile: %v", err)
	}
	if cfg.Discord.Token != "from-env" {
		t.Errorf("Token = %q", cfg.Discord.Token)
	}
	if cfg.API.APIKey != "sk-env" {
		t.Errorf("APIKey = %q", cfg.API.APIKey)
	}
	if want := filepath.Join(dir, "data/bot.db"); cfg.Database.SQLite.Path != want {
		t.Errorf("SQLite.Path = %q, want %q", cfg.Database.SQLite.Path, want)
	}
}

func TestSaveConfigToFile(t *testing.T) {
	t.Setenv("DISCORD_TOKEN", "secret-token")

	path := filepath.Join(t.TempDir(), "nested", "config.yaml")
	cfg := Default()
	cfg.Discord.Token = "secret-token"
	cfg.API.APIKey = "sk-inline"
	cfg.Timezone = "UTC"

	if err := SaveConfigToFile(cfg, path); err != nil {
		t.Fatalf("SaveConfigToFile: %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), "secret-token") || !strings.Contains(string(data), "${DISCORD_TOKEN}") {
		t.Errorf("token not replaced by a reference:\n%s", data)
	}

	back, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if back.Discord.Token != "secret-token" || back.API.APIKey != "sk-inline" || back.Timezone != "UTC" {
		t.Errorf("reloaded = %+v", back)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Errorf("mode = %v", info.Mode().Perm())
	}
}

func TestLocation(t *testing.T) {
	t.Parallel()

	loc, err := Config{}.Location()
	if err != nil || loc != time.Local {
		t.Errorf("empty timezone = %v, %v", loc, err)
	}
	loc, err = Config{Timezone: "UTC"}.Location()
	if err != nil || loc.String() != "UTC" {
		t.Errorf("UTC = %v, %v", loc, err)
	}
	if _, err := (Config{Timezone: "Mars/Olympus"}).Location(); err == nil {
		t.Error("expected error for unknown zone")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	cfg := Default()
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "discord.token") || !strings.Contains(err.Error(), "api.api_key") {
		t.Errorf("Validate = %v", err)
	}

	cfg.Discord.Token = "t"
	cfg.API.APIKey = "k"
	cfg.Database.Backend = "mongo"
	if err := cfg.Validate(); err == nil {
		t.Error("expected unknown backend error")
	}
}

func TestResolveSecrets_Keyring(t *testing.T) {
	keyring.MockInit()

	if err := StoreKeyring(KeyAPIKey, "sk-keyring"); err != nil {
		t.Fatalf("StoreKeyring: %v", err)
	}
	cfg := Default()
	cfg.API.APIKey = "sk-file"
	cfg.Discord.Token = "${DISCORD_TOKEN}"

	ResolveSecrets(cfg, quietLogger())
	if cfg.API.APIKey != "sk-keyring" {
		t.Errorf("APIKey = %q, keyring should win", cfg.API.APIKey)
	}
	if cfg.Discord.Token != "" {
		t.Errorf("unresolved reference kept: %q", cfg.Discord.Token)
	}

	if err := DeleteKeyring(KeyAPIKey); err != nil {
		t.Fatalf("DeleteKeyring: %v", err)
	}
	if GetKeyring(KeyAPIKey) != "" {
		t.Error("secret still present after delete")
	}
}

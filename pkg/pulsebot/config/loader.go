package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/pulsebot/pkg/pulsebot/store"
)

// envVarPattern matches ${VAR}, ${VAR:-default} and ${VAR:?message}.
//
// Capture groups: 1 variable name, 2 modifier ("-" or "?"), 3 default value
// or error message.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}`)

// Load returns the configuration at path, or from the first standard
// location when path is empty. With no file at all the defaults plus the
// environment are used.
func Load(path string, logger *slog.Logger) (*Config, string, error) {
	if path == "" {
		path = FindConfigFile()
	}
	if path == "" {
		loadEnvFiles()
		cfg := Default()
		resolveSecrets(cfg)
		logger.Debug("no config file found, using defaults and environment")
		return cfg, "", nil
	}
	cfg, err := LoadConfigFromFile(path)
	if err != nil {
		return nil, path, err
	}
	return cfg, path, nil
}

// LoadConfigFromFile reads a YAML file, loading .env files and expanding
// environment references first.
func LoadConfigFromFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVars(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveSecrets(cfg)
	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig overlays YAML onto the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := Default()

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	*cfg = cfg.Effective()
	return cfg, nil
}

// SaveConfigToFile writes cfg as YAML with owner-only permissions. Secrets
// that came from the environment are written back as ${VAR} references.
func SaveConfigToFile(cfg *Config, path string) error {
	sanitized := *cfg
	sanitized.Discord.Token = sanitizeSecret(cfg.Discord.Token, envDiscordToken)
	sanitized.API.APIKey = sanitizeSecret(cfg.API.APIKey, envAPIKey)

	data, err := yaml.Marshal(&sanitized)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// FindConfigFile searches the standard locations and returns "" when none
// exists.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"pulsebot.yaml",
		"pulsebot.yml",
		"configs/config.yaml",
		"configs/pulsebot.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ---------- Internal ----------

const (
	envDiscordToken = "DISCORD_TOKEN"
	envAPIKey       = "OPENAI_API_KEY"
	envAPIKeyAlt    = "PULSEBOT_API_KEY"
)

// loadEnvFiles loads .env files without overriding the environment.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars substitutes environment references. Unset ${VAR} keeps the
// placeholder, ${VAR:-d} falls back to d and ${VAR:?msg} is an error.
func expandEnvVars(input string) (string, error) {
	var missing error
	out := envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		name, modifier, value := sub[1], sub[2], sub[3]

		if val, ok := os.LookupEnv(name); ok {
			return val
		}
		switch modifier {
		case "-":
			return value
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			if missing == nil {
				missing = fmt.Errorf("config error: %s - %s", name, value)
			}
			return ""
		}
		return match
	})
	if missing != nil {
		return "", missing
	}
	return out, nil
}

// resolveSecrets fills empty or unresolved secrets from the environment.
func resolveSecrets(cfg *Config) {
	if cfg.Discord.Token == "" || IsEnvReference(cfg.Discord.Token) {
		if v := os.Getenv(envDiscordToken); v != "" {
			cfg.Discord.Token = v
		}
	}
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		if v := os.Getenv(envAPIKeyAlt); v != "" {
			cfg.API.APIKey = v
		} else if v := os.Getenv(envAPIKey); v != "" {
			cfg.API.APIKey = v
		}
	}
}

// resolveRelativePaths makes file paths relative to the config file.
func resolveRelativePaths(cfg *Config, configPath string) {
	if cfg.Database.Backend == store.BackendSQLite {
		cfg.Database.SQLite.Path = resolvePathFromConfig(cfg.Database.SQLite.Path, filepath.Dir(configPath))
	}
}

func resolvePathFromConfig(path, configDir string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a value that equals envVar's value with a
// reference to it.
func sanitizeSecret(value, envVar string) string {
	if value == "" || IsEnvReference(value) {
		return value
	}
	if os.Getenv(envVar) == value {
		return "${" + envVar + "}"
	}
	return value
}

// IsEnvReference reports whether s is an unexpanded ${VAR} reference.
func IsEnvReference(s string) bool {
	return strings.HasPrefix(s, "${")
}

// checkFilePermissions warns when the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}

package config

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
	"golang.org/x/term"
)

// keyringService is the service name in the OS keyring.
const keyringService = "pulsebot"

// Keyring entry names.
const (
	KeyAPIKey       = "api_key"
	KeyDiscordToken = "discord_token"
)

// StoreKeyring saves a secret in the OS keyring.
func StoreKeyring(key, value string) error {
	return keyring.Set(keyringService, key, value)
}

// GetKeyring returns a secret from the OS keyring, or "" when absent.
func GetKeyring(key string) string {
	val, err := keyring.Get(keyringService, key)
	if err != nil {
		return ""
	}
	return val
}

// DeleteKeyring removes a secret from the OS keyring.
func DeleteKeyring(key string) error {
	return keyring.Delete(keyringService, key)
}

// ResolveSecrets applies keyring secrets over the environment and file
// values. Priority: keyring, environment, config file.
func ResolveSecrets(cfg *Config, logger *slog.Logger) {
	if val := GetKeyring(KeyAPIKey); val != "" {
		cfg.API.APIKey = val
		logger.Debug("API key loaded from OS keyring")
	}
	if val := GetKeyring(KeyDiscordToken); val != "" {
		cfg.Discord.Token = val
		logger.Debug("Discord token loaded from OS keyring")
	}
	if cfg.API.APIKey == "" || IsEnvReference(cfg.API.APIKey) {
		cfg.API.APIKey = ""
		logger.Warn("no API key found. Set one with: pulsebot config set-key api_key")
	}
	if cfg.Discord.Token == "" || IsEnvReference(cfg.Discord.Token) {
		cfg.Discord.Token = ""
		logger.Warn("no Discord token found. Set one with: pulsebot config set-key discord_token")
	}
}

// ReadSecret reads a line from the terminal without echo, falling back to
// plain stdin when it is not a terminal.
func ReadSecret(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return "", fmt.Errorf("reading secret: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading secret: %w", err)
	}
	return strings.TrimSpace(line), nil
}

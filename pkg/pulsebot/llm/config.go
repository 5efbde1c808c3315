package llm

import (
	"strings"
	"time"
)

// Config configures the completion client.
type Config struct {
	// BaseURL of an OpenAI compatible API (default: https://api.openai.com/v1).
	BaseURL string `yaml:"base_url"`

	// APIKey supports ${ENV_VAR} expansion and the OS keyring.
	APIKey string `yaml:"api_key"`

	// Model is the chat model (default: gpt-4o-mini).
	Model string `yaml:"model"`

	// FallbackModels are tried in order once Model keeps failing.
	FallbackModels []string `yaml:"fallback_models"`

	Temperature *float64 `yaml:"temperature"`
	MaxTokens   int      `yaml:"max_tokens"`

	// Timeout bounds one HTTP call (default: 60s).
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries per model for transient errors (default: 2).
	MaxRetries int `yaml:"max_retries"`

	// InitialBackoff doubles per retry up to MaxBackoff (defaults: 1s, 30s).
	InitialBackoff time.Duration `yaml:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{}.Effective()
}

// Effective fills zero fields with defaults.
func (c Config) Effective() Config {
	out := c
	if out.BaseURL == "" {
		out.BaseURL = "https://api.openai.com/v1"
	}
	out.BaseURL = strings.TrimRight(out.BaseURL, "/")
	if out.Model == "" {
		out.Model = "gpt-4o-mini"
	}
	if out.Timeout <= 0 {
		out.Timeout = 60 * time.Second
	}
	if out.MaxRetries == 0 {
		out.MaxRetries = 2
	}
	if out.MaxRetries < 0 {
		out.MaxRetries = 0
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 30 * time.Second
	}
	return out
}

// Package llm is a small client for OpenAI compatible chat completion APIs.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// ErrNoAPIKey is returned when no API key is configured.
var ErrNoAPIKey = errors.New("API key not configured")

// Roles of chat messages.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one entry of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Completer produces the assistant's reply to a conversation.
type Completer interface {
	Complete(ctx context.Context, messages []Message) (string, error)
}

// ---------- Client ----------

// Client talks to the chat completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *slog.Logger
}

// New creates a client from cfg.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.Effective()
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:          10,
				MaxIdleConnsPerHost:   5,
				IdleConnTimeout:       120 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		logger: logger.With("component", "llm"),
	}
}

// Model returns the primary model name.
func (c *Client) Model() string { return c.cfg.Model }

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message      Message `json:"message"`
		FinishReason string  `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// ---------- Errors ----------

// ErrorKind classifies API errors for retry decisions.
type ErrorKind int

const (
	ErrorRetryable  ErrorKind = iota // transient 5xx
	ErrorRateLimit                   // 429
	ErrorOverloaded                  // 529 or "overloaded" in body
	ErrorTimeout                     // timeout reported by the provider
	ErrorAuth                        // 401, 403
	ErrorBilling                     // 402 or quota exhausted
	ErrorContext                     // context_length_exceeded
	ErrorBadRequest                  // 400
	ErrorFatal                       // everything else
)

func (k ErrorKind) String() string {
	switch k {
	case ErrorRetryable:
		return "retryable"
	case ErrorRateLimit:
		return "rate_limit"
	case ErrorOverloaded:
		return "overloaded"
	case ErrorTimeout:
		return "timeout"
	case ErrorAuth:
		return "auth"
	case ErrorBilling:
		return "billing"
	case ErrorContext:
		return "context"
	case ErrorBadRequest:
		return "bad_request"
	default:
		return "fatal"
	}
}

// Retryable reports whether a request failing with k may succeed later.
func (k ErrorKind) Retryable() bool {
	return k == ErrorRetryable || k == ErrorRateLimit || k == ErrorOverloaded || k == ErrorTimeout
}

// APIError is a non-200 answer from the API.
type APIError struct {
	StatusCode int
	Body       string
	Kind       ErrorKind

	// RetryAfter comes from the Retry-After header of a 429.
	RetryAfter time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API returned %d (%s): %s", e.StatusCode, e.Kind, truncate(e.Body, 200))
}

// classify determines the error kind from status code and response body.
func classify(statusCode int, body string) ErrorKind {
	b := strings.ToLower(body)

	switch {
	case strings.Contains(b, "context_length_exceeded") || strings.Contains(b, "maximum context length"):
		return ErrorContext
	case statusCode == 402 || strings.Contains(b, "insufficient_quota") || strings.Contains(b, "billing"):
		return ErrorBilling
	case statusCode == 429 || strings.Contains(b, "rate limit") || strings.Contains(b, "rate_limit"):
		return ErrorRateLimit
	case statusCode == 529 || strings.Contains(b, "overloaded"):
		return ErrorOverloaded
	case strings.Contains(b, "timed out") || strings.Contains(b, "timeout"):
		return ErrorTimeout
	}

	switch {
	case statusCode == 400:
		return ErrorBadRequest
	case statusCode == 401 || statusCode == 403:
		return ErrorAuth
	case statusCode >= 500:
		return ErrorRetryable
	}
	return ErrorFatal
}

// ---------- Public Methods ----------

// Complete sends messages and returns the trimmed reply text. Transient
// failures are retried with exponential backoff, then the fallback models
// are tried in order.
func (c *Client) Complete(ctx context.Context, messages []Message) (string, error) {
	if c.cfg.APIKey == "" {
		return "", ErrNoAPIKey
	}

	models := append([]string{c.cfg.Model}, c.cfg.FallbackModels...)

	var lastErr error
	for _, model := range models {
		for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
			text, err := c.completeOnce(ctx, model, messages)
			if err == nil {
				return text, nil
			}
			lastErr = err

			if ctx.Err() != nil {
				return "", err
			}

			var apiErr *APIError
			if !errors.As(err, &apiErr) {
				// Transport errors are retried like 5xx.
				apiErr = &APIError{Kind: ErrorRetryable}
			}
			if !apiErr.Kind.Retryable() {
				c.logger.Warn("non-retryable completion error",
					"model", model, "kind", apiErr.Kind.String(), "error", err)
				return "", err
			}
			if apiErr.Kind == ErrorRateLimit || attempt == c.cfg.MaxRetries {
				c.logger.Warn("giving up on model", "model", model, "attempts", attempt+1, "error", err)
				break
			}

			wait := c.backoff(attempt)
			if apiErr.RetryAfter > wait {
				wait = apiErr.RetryAfter
			}
			c.logger.Debug("retrying completion", "model", model, "attempt", attempt+1, "backoff", wait)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(wait):
			}
		}
	}
	return "", fmt.Errorf("all models failed: %w", lastErr)
}

// ---------- Internal ----------

func (c *Client) backoff(attempt int) time.Duration {
	d := c.cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		d *= 2
		if d > c.cfg.MaxBackoff {
			return c.cfg.MaxBackoff
		}
	}
	return d
}

func (c *Client) completeOnce(ctx context.Context, model string, messages []Message) (string, error) {
	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return "", fmt.Errorf("marshaling request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	endpoint := c.cfg.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	c.logger.Debug("sending chat completion", "model", model, "messages", len(messages))

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("reading response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := &APIError{
			StatusCode: resp.StatusCode,
			Body:       string(raw),
			Kind:       classify(resp.StatusCode, string(raw)),
		}
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if sec, err := strconv.Atoi(ra); err == nil && sec > 0 {
				apiErr.RetryAfter = time.Duration(sec) * time.Second
			}
		}
		c.logger.Error("API error", "model", model, "status", resp.StatusCode, "body", truncate(string(raw), 500))
		return "", apiErr
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("parsing response: %w", err)
	}
	if out.Error != nil {
		return "", &APIError{StatusCode: resp.StatusCode, Body: out.Error.Message, Kind: classify(0, out.Error.Message)}
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("no response from model")
	}

	choice := out.Choices[0]
	c.logger.Info("chat completion done",
		"model", model,
		"duration_ms", time.Since(start).Milliseconds(),
		"prompt_tokens", out.Usage.PromptTokens,
		"completion_tokens", out.Usage.CompletionTokens,
		"finish_reason", choice.FinishReason,
	)
	return strings.TrimSpace(choice.Message.Content), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

var _ Completer = (*Client)(nil)

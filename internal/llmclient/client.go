// Package llmclient defines the LLM provider capability the code generator
// depends on, plus a generic OpenAI-chat-shaped HTTP implementation. The
// interface and the retry/rate-limit shape are grounded on the teacher's
// internal/perception/client.go ZAIClient — generalized from one hardcoded
// vendor to any endpoint that speaks the same wire format (matching spec.md
// §6's "LLM provider" being just a capability interface with a configurable
// model id).
package llmclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"marketsim/internal/engineerr"
)

// Client is what internal/codegen depends on. Any provider — a hosted API,
// a local model server, a test double — can satisfy it.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
	CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// HTTPConfig configures the generic HTTP client.
type HTTPConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// DefaultHTTPConfig fills in the timeout spec.md §5 requires for LLM calls
// (120s per call).
func DefaultHTTPConfig(apiKey, model string) HTTPConfig {
	return HTTPConfig{
		APIKey:  apiKey,
		BaseURL: "https://api.openai.com/v1",
		Model:   model,
		Timeout: 120 * time.Second,
	}
}

// HTTPClient is a Client backed by an OpenAI-chat-completions-shaped HTTP
// endpoint. It rate-limits itself to one request per 600ms (grounded on
// ZAIClient's lastRequest throttle) and retries 429s up to 3 times with
// exponential backoff, matching the teacher's client exactly.
type HTTPClient struct {
	cfg        HTTPConfig
	httpClient *http.Client

	mu          sync.Mutex
	lastRequest time.Time
}

// NewHTTPClient constructs a Client for the given config.
func NewHTTPClient(cfg HTTPConfig) *HTTPClient {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 120 * time.Second
	}
	return &HTTPClient{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// Complete is CompleteWithSystem with an empty system prompt.
func (c *HTTPClient) Complete(ctx context.Context, prompt string) (string, error) {
	return c.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem sends one chat completion request.
func (c *HTTPClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	if c.cfg.APIKey == "" {
		return "", &engineerr.ProviderUnavailable{Which: engineerr.ProviderLLM, Err: fmt.Errorf("no API key configured")}
	}

	c.throttle()

	var messages []chatMessage
	if systemPrompt != "" {
		messages = append(messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	messages = append(messages, chatMessage{Role: "user", Content: userPrompt})

	body, err := json.Marshal(chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		MaxTokens:   4096,
		Temperature: 0.2,
	})
	if err != nil {
		return "", fmt.Errorf("llmclient: marshal request: %w", err)
	}

	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(1<<uint(attempt-1)) * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, retryable, err := c.doRequest(ctx, body)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !retryable {
			return "", err
		}
	}
	return "", &engineerr.ProviderUnavailable{Which: engineerr.ProviderLLM, Err: lastErr}
}

func (c *HTTPClient) doRequest(ctx context.Context, body []byte) (text string, retryable bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", false, fmt.Errorf("llmclient: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("llmclient: request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", true, fmt.Errorf("llmclient: read response: %w", err)
	}

	if resp.StatusCode == http.StatusTooManyRequests {
		return "", true, fmt.Errorf("llmclient: rate limited (429)")
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", false, &engineerr.ProviderUnavailable{Which: engineerr.ProviderLLM, Err: fmt.Errorf("auth failed: status %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return "", true, fmt.Errorf("llmclient: status %d: %s", resp.StatusCode, string(respBody))
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", false, fmt.Errorf("llmclient: parse response: %w", err)
	}
	if parsed.Error != nil {
		return "", false, fmt.Errorf("llmclient: api error: %s", parsed.Error.Message)
	}
	if len(parsed.Choices) == 0 {
		return "", false, fmt.Errorf("llmclient: empty choices")
	}
	return parsed.Choices[0].Message.Content, false, nil
}

func (c *HTTPClient) throttle() {
	c.mu.Lock()
	defer c.mu.Unlock()
	elapsed := time.Since(c.lastRequest)
	const minInterval = 600 * time.Millisecond
	if elapsed < minInterval {
		time.Sleep(minInterval - elapsed)
	}
	c.lastRequest = time.Now()
}

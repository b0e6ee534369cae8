// Package llm is the thin JSON-mode chat client used by the normalize stage.
// It speaks the OpenAI-compatible chat completions protocol over HTTPS and
// classifies timeouts separately from other failures so the caller can pick
// the right fallback reason.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"posnorm/internal/logging"
)

// Client is the minimal completion interface the pipeline depends on.
// Implementations must return a *TimeoutError (or an error satisfying
// IsTimeout) when the call exceeded its deadline.
type Client interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// TimeoutError marks a completion call that exceeded its deadline.
type TimeoutError struct {
	Message string
}

func (e *TimeoutError) Error() string { return e.Message }

// Substrings (latin and CJK) that identify a timeout in a wrapped error
// message. The set is contract, not heuristic.
var timeoutSubstrings = []string{"timeout", "timed out", "time out", "超時", "超时"}

// IsTimeout reports whether err represents a timeout: a *TimeoutError, a
// context deadline, a net timeout, or an error whose message contains one of
// the known timeout substrings.
func IsTimeout(err error) bool {
	if err == nil {
		return false
	}
	var te *TimeoutError
	if errors.As(err, &te) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	message := strings.ToLower(err.Error())
	for _, needle := range timeoutSubstrings {
		if strings.Contains(message, needle) {
			return true
		}
	}
	return false
}

// Defaults for the OpenAI client.
const (
	DefaultBaseURL     = "https://api.openai.com/v1"
	DefaultModel       = "gpt-4o-mini"
	DefaultTimeout     = 15 * time.Second
	DefaultTemperature = 0.0
	DefaultMaxTokens   = 900
)

// OpenAIClient talks to an OpenAI-compatible chat completions endpoint in
// JSON mode.
type OpenAIClient struct {
	APIKey      string
	Model       string
	BaseURL     string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration

	httpClient *http.Client
}

// NewOpenAIClient builds a client with defaults filled in.
func NewOpenAIClient(apiKey, model string) *OpenAIClient {
	return &OpenAIClient{
		APIKey:      apiKey,
		Model:       model,
		BaseURL:     DefaultBaseURL,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
		Timeout:     DefaultTimeout,
	}
}

func (c *OpenAIClient) client() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	c.httpClient = &http.Client{Timeout: timeout}
	return c.httpClient
}

// Complete sends one user prompt and returns the first choice's text
// content. Multi-part content is joined with newlines.
func (c *OpenAIClient) Complete(ctx context.Context, prompt string) (string, error) {
	model := c.Model
	if model == "" {
		model = DefaultModel
	}
	payload := ChatRequest{
		Model:          model,
		Messages:       []ChatMessage{{Role: "user", Content: prompt}},
		Temperature:    c.Temperature,
		MaxTokens:      c.MaxTokens,
		ResponseFormat: &ResponseFormat{Type: "json_object"},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	baseURL := c.BaseURL
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	endpoint := strings.TrimRight(baseURL, "/") + "/chat/completions"

	// The per-call deadline doubles as the http.Client timeout; whichever
	// fires first classifies as a timeout.
	if _, hasDeadline := ctx.Deadline(); !hasDeadline && c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	logging.LLMDebug("POST %s model=%s bytes=%d", endpoint, model, len(body))
	start := time.Now()
	resp, err := c.client().Do(req)
	if err != nil {
		if IsTimeout(err) {
			return "", &TimeoutError{Message: "OpenAI request timeout"}
		}
		return "", fmt.Errorf("OpenAI request failed: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if IsTimeout(err) {
			return "", &TimeoutError{Message: "OpenAI request timeout"}
		}
		return "", fmt.Errorf("read response: %w", err)
	}
	logging.LLMDebug("response status=%d bytes=%d elapsed=%v", resp.StatusCode, len(raw), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := "openai chat completion failed"
		var envelope ChatResponse
		if err := json.Unmarshal(raw, &envelope); err == nil && envelope.Error != nil {
			if detail := strings.TrimSpace(envelope.Error.Message); detail != "" {
				message = detail
			}
		}
		logging.LLMError("HTTP %d: %s", resp.StatusCode, message)
		return "", fmt.Errorf("OpenAI HTTP %d: %s", resp.StatusCode, message)
	}

	var parsed ChatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("OpenAI response is not valid JSON: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("OpenAI response missing choices")
	}

	content := parsed.Choices[0].Message.Content
	switch v := content.(type) {
	case string:
		if text := strings.TrimSpace(v); text != "" {
			return text, nil
		}
	case []any:
		var chunks []string
		for _, part := range v {
			asMap, ok := part.(map[string]any)
			if !ok {
				continue
			}
			if text, ok := asMap["text"].(string); ok && strings.TrimSpace(text) != "" {
				chunks = append(chunks, strings.TrimSpace(text))
			}
		}
		if len(chunks) > 0 {
			return strings.Join(chunks, "\n"), nil
		}
	}
	return "", fmt.Errorf("OpenAI response missing content text")
}

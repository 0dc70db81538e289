// Package llm implements the evaluator, query responder and summarizer on
// top of an OpenAI-compatible chat-completions API.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// defaultBaseURL is used when no base URL is configured.
const defaultBaseURL = "https://api.openai.com/v1"

// maxErrorBody bounds how much of an error response is kept.
const maxErrorBody = 2048

// HTTPDoer abstracts the HTTP client so tests can stub the provider.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Client talks to a chat-completions endpoint.
type Client struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float64
	MaxTokens   int
	HTTP        HTTPDoer
}

// NewClient builds a client from configuration. A missing API key is not an
// error here; every call then returns domain.ErrEvaluatorNotConfigured.
func NewClient(cfg domain.LLMConfig, doer HTTPDoer) *Client {
	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if doer == nil {
		doer = http.DefaultClient
	}
	return &Client{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
		MaxTokens:   cfg.MaxTokens,
		HTTP:        doer,
	}
}

// Configured reports whether the client has credentials and a model.
func (c *Client) Configured() bool {
	return c.APIKey != "" && strings.TrimSpace(c.Model) != ""
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

// complete sends one chat request and returns the first choice's content.
func (c *Client) complete(ctx context.Context, messages []chatMessage, jsonMode bool) (string, error) {
	if !c.Configured() {
		return "", domain.ErrEvaluatorNotConfigured
	}

	body := chatRequest{
		Model:       c.Model,
		Messages:    messages,
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	}
	if jsonMode {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := c.BaseURL + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", fmt.Errorf("%w: provider rejected credentials (%d)", domain.ErrEvaluatorNotConfigured, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("provider error %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if out.Error != nil {
		return "", fmt.Errorf("provider error: %s", out.Error.Message)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("provider returned no choices")
	}
	return out.Choices[0].Message.Content, nil
}

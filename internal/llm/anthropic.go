package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/gridion/gridion-ai/internal/models"
)

// Anthropic API constants
const (
	DefaultBaseURL    = "https://api.anthropic.com/v1"
	DefaultModel      = "claude-3-5-sonnet-20241022"
	DefaultMaxTokens  = 1024
	DefaultAPIVersion = "2023-06-01"
	DefaultTimeout    = 30 * time.Second

	providerName = "anthropic"
)

// AnthropicClient implements Client against the Anthropic Messages API.
type AnthropicClient struct {
	apiKey     string
	model      string
	maxTokens  int
	baseURL    string
	httpClient *http.Client
}

// anthSystemBlock is a system-prompt content block. CacheControl marks
// the block for provider-side caching.
type anthSystemBlock struct {
	Type         string            `json:"type"`
	Text         string            `json:"text"`
	CacheControl *anthCacheControl `json:"cache_control,omitempty"`
}

type anthCacheControl struct {
	Type string `json:"type"`
}

// anthMessage represents an Anthropic API message
type anthMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// anthRequest represents an Anthropic API request
type anthRequest struct {
	Model     string            `json:"model"`
	MaxTokens int               `json:"max_tokens"`
	System    []anthSystemBlock `json:"system,omitempty"`
	Messages  []anthMessage     `json:"messages"`
}

// anthResponse represents an Anthropic API response
type anthResponse struct {
	ID         string             `json:"id"`
	Type       string             `json:"type"`
	Role       string             `json:"role"`
	Content    []anthContentBlock `json:"content"`
	Model      string             `json:"model"`
	StopReason string             `json:"stop_reason"`
	Usage      anthUsage          `json:"usage"`
}

type anthContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// anthUsage tracks token usage across the billing tiers
type anthUsage struct {
	InputTokens              int `json:"input_tokens"`
	OutputTokens             int `json:"output_tokens"`
	CacheReadInputTokens     int `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int `json:"cache_creation_input_tokens"`
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(apiKey, model string, maxTokens int) (*AnthropicClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic API key is required")
	}
	if model == "" {
		model = DefaultModel
	}
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	return &AnthropicClient{
		apiKey:    apiKey,
		model:     model,
		maxTokens: maxTokens,
		baseURL:   DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}, nil
}

// Model returns the configured model identifier.
func (c *AnthropicClient) Model() string { return c.model }

// Complete issues one non-streaming completion request.
func (c *AnthropicClient) Complete(ctx context.Context, req Request) (*Response, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	anthReq := anthRequest{
		Model:     c.model,
		MaxTokens: maxTokens,
		System:    convertSystem(req.System),
		Messages: []anthMessage{
			{Role: "user", Content: req.Prompt},
		},
	}

	resp, err := c.makeRequest(ctx, anthReq)
	if err != nil {
		return nil, &models.ExternalCallError{Provider: providerName, Cause: err}
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}

	return &Response{
		ID:    resp.ID,
		Text:  text,
		Model: resp.Model,
		Usage: Usage{
			InputTokens:      resp.Usage.InputTokens,
			OutputTokens:     resp.Usage.OutputTokens,
			CacheReadTokens:  resp.Usage.CacheReadInputTokens,
			CacheWriteTokens: resp.Usage.CacheCreationInputTokens,
		},
	}, nil
}

// convertSystem maps system fragments to Anthropic content blocks.
func convertSystem(fragments []SystemFragment) []anthSystemBlock {
	if len(fragments) == 0 {
		return nil
	}
	blocks := make([]anthSystemBlock, 0, len(fragments))
	for _, f := range fragments {
		b := anthSystemBlock{Type: "text", Text: f.Text}
		if f.Cache {
			b.CacheControl = &anthCacheControl{Type: "ephemeral"}
		}
		blocks = append(blocks, b)
	}
	return blocks
}

// makeRequest makes a non-streaming HTTP request to the Anthropic API
func (c *AnthropicClient) makeRequest(ctx context.Context, req anthRequest) (*anthResponse, error) {
	reqBody, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/messages", bytes.NewBuffer(reqBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", DefaultAPIVersion)

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error %d: %s", httpResp.StatusCode, string(body))
	}

	var resp anthResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	return &resp, nil
}

// SetBaseURL overrides the Anthropic API base URL. Used in tests.
func (c *AnthropicClient) SetBaseURL(url string) { c.baseURL = url }

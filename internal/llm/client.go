// Package llm provides the client for the external metered inference
// service. Every call through this package costs real money; callers are
// expected to go through the orchestrator, which layers caching, sampling
// and dispatch gating on top.
//
// Responsibilities:
//   - Non-streaming completion requests with per-request context
//   - System-prompt content blocks with provider-side cache markers
//   - Token usage extraction, including cached-input tiers
package llm

import (
	"context"
)

// SystemFragment is one reusable block of the system prompt. Fragments
// marked Cache carry a cache_control marker so the provider stores them
// and bills subsequent reads at the cached-input rate.
type SystemFragment struct {
	Text  string
	Cache bool
}

// Request describes a single completion call.
type Request struct {
	System    []SystemFragment
	Prompt    string
	MaxTokens int
}

// Usage reports token consumption for one call. CacheReadTokens and
// CacheWriteTokens cover the provider-side prompt cache tiers.
type Usage struct {
	InputTokens      int
	OutputTokens     int
	CacheReadTokens  int
	CacheWriteTokens int
}

// Response is the decoded completion.
type Response struct {
	ID    string
	Text  string
	Model string
	Usage Usage
}

// Client is the provider interface the orchestrator depends on.
type Client interface {
	// Complete issues one completion request and blocks until the
	// provider responds or ctx is done.
	Complete(ctx context.Context, req Request) (*Response, error)

	// Model returns the configured model identifier, used for pricing.
	Model() string
}

// Package groq implements the Groq API provider.
// Groq uses an OpenAI-compatible API, so this provider wraps the OpenAI provider
// with a different base URL and default model.
package groq

import (
	"context"
	"net/http"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/providers/openai"
)

const (
	// DefaultBaseURL is the Groq API endpoint.
	DefaultBaseURL = "https://api.groq.com/openai/v1"

	// DefaultModel is used when a request names no model.
	DefaultModel = "llama-3.1-8b-instant"
)

// Provider implements core.TextGenerator against Groq.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
	inner      *openai.Provider
}

var _ core.TextGenerator = (*Provider)(nil)

// New creates a new Groq provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:     apiKey,
		baseURL:    DefaultBaseURL,
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(p)
	}

	p.inner = openai.New(apiKey,
		openai.WithBaseURL(p.baseURL),
		openai.WithHTTPClient(p.httpClient),
		openai.WithMaxTokensField(openai.MaxTokensFieldMaxTokens),
		openai.WithStreamIncludeUsage(false),
	)

	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "groq"
}

// StreamText sends a streaming request to Groq.
func (p *Provider) StreamText(ctx context.Context, req *core.GenerateRequest) (core.TextStream, error) {
	reqCopy := *req
	if reqCopy.Model == "" {
		reqCopy.Model = DefaultModel
	}
	return p.inner.StreamText(ctx, &reqCopy)
}

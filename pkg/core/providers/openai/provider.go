// Package openai streams text from the OpenAI Chat Completions API.
package openai

import (
	"context"
	"net/http"

	"github.com/vango-go/vai-interview/pkg/core"
)

const (
	// DefaultBaseURL is the default OpenAI API endpoint.
	DefaultBaseURL = "https://api.openai.com/v1"

	// DefaultModel is used when a request names no model.
	DefaultModel = "gpt-4o-mini"

	// DefaultMaxTokens caps a spoken reply.
	DefaultMaxTokens = 512
)

// Provider implements core.TextGenerator over Chat Completions.
type Provider struct {
	apiKey              string
	baseURL             string
	chatCompletionsPath string
	httpClient          *http.Client
	auth                AuthConfig
	extraHeaders        map[string]string
	maxTokensField      MaxTokensField
	streamIncludeUsage  bool
}

var _ core.TextGenerator = (*Provider)(nil)

// New creates a new OpenAI provider.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:              apiKey,
		baseURL:             DefaultBaseURL,
		chatCompletionsPath: "/chat/completions",
		httpClient:          &http.Client{},
		auth:                AuthConfig{Header: "Authorization", Prefix: "Bearer "},
		maxTokensField:      MaxTokensFieldMaxCompletionTokens,
		streamIncludeUsage:  true,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "openai"
}

// StreamText sends a streaming request to OpenAI.
func (p *Provider) StreamText(ctx context.Context, req *core.GenerateRequest) (core.TextStream, error) {
	openaiReq := p.buildRequest(req)
	openaiReq.Stream = true
	if p.streamIncludeUsage {
		openaiReq.StreamOptions = &streamOptions{IncludeUsage: true}
	}

	body, err := p.doStreamRequest(ctx, openaiReq)
	if err != nil {
		return nil, err
	}
	return newTextStream(body), nil
}

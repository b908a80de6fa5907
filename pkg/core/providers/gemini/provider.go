// Package gemini streams text from Google's Gemini API through the genai SDK.
package gemini

import (
	"context"
	"fmt"
	"io"
	"iter"
	"net/http"
	"sync"

	"google.golang.org/genai"

	"github.com/vango-go/vai-interview/pkg/core"
)

// DefaultModel is used when a request names no model.
const DefaultModel = "gemini-2.0-flash"

type contentStreamer func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]

// Provider implements core.TextGenerator over genai's GenerateContentStream.
type Provider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client

	once    sync.Once
	initErr error
	stream  contentStreamer
}

var _ core.TextGenerator = (*Provider)(nil)

// New creates a new Gemini provider. The SDK client is created on first use.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{apiKey: apiKey}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *Provider) Name() string {
	return "gemini"
}

func (p *Provider) init(ctx context.Context) error {
	p.once.Do(func() {
		if p.stream != nil {
			return
		}
		cfg := &genai.ClientConfig{
			APIKey:     p.apiKey,
			Backend:    genai.BackendGeminiAPI,
			HTTPClient: p.httpClient,
		}
		if p.baseURL != "" {
			cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
		}
		client, err := genai.NewClient(ctx, cfg)
		if err != nil {
			p.initErr = core.NewProviderUnavailableError("gemini", fmt.Errorf("create client: %w", err))
			return
		}
		p.stream = client.Models.GenerateContentStream
	})
	return p.initErr
}

// StreamText opens a streaming generation.
func (p *Provider) StreamText(ctx context.Context, req *core.GenerateRequest) (core.TextStream, error) {
	if err := p.init(ctx); err != nil {
		return nil, err
	}
	model := req.Model
	if model == "" {
		model = DefaultModel
	}

	contents := buildContents(req)
	if len(contents) == 0 {
		// The API rejects an empty turn list; the greeting has only a system prompt.
		contents = genai.Text("Begin.")
	}
	var cfg *genai.GenerateContentConfig
	if req.System != "" {
		cfg = &genai.GenerateContentConfig{
			SystemInstruction: genai.NewContentFromText(req.System, genai.RoleUser),
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	next, stop := iter.Pull2(p.stream(ctx, model, contents, cfg))
	return &textStream{next: next, stop: stop, cancel: cancel}, nil
}

func buildContents(req *core.GenerateRequest) []*genai.Content {
	var out []*genai.Content
	for _, m := range req.History {
		if m.Text == "" {
			continue
		}
		role := genai.Role(genai.RoleUser)
		if m.Role == core.RoleInterviewer {
			role = genai.RoleModel
		}
		out = append(out, genai.NewContentFromText(m.Text, role))
	}
	if req.Prompt != "" {
		out = append(out, genai.NewContentFromText(req.Prompt, genai.RoleUser))
	}
	return out
}

type textStream struct {
	next   func() (*genai.GenerateContentResponse, error, bool)
	stop   func()
	cancel context.CancelFunc
	done   bool
}

// Next returns the next non-empty text delta, or io.EOF.
func (s *textStream) Next() (string, error) {
	for !s.done {
		resp, err, ok := s.next()
		if !ok {
			s.done = true
			break
		}
		if err != nil {
			s.done = true
			return "", core.NewProviderUnavailableError("gemini", err)
		}
		if resp == nil {
			continue
		}
		if text := resp.Text(); text != "" {
			return text, nil
		}
	}
	return "", io.EOF
}

func (s *textStream) Close() error {
	s.cancel()
	s.stop()
	return nil
}

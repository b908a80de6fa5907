package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/vai-interview/pkg/core"
)

// doStreamRequest sends a streaming request to OpenAI.
func (p *Provider) doStreamRequest(ctx context.Context, req *chatRequest) (io.ReadCloser, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.chatCompletionsURL(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}

	p.setHeaders(httpReq, true)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return nil, core.NewProviderUnavailableError("openai", err)
	}

	// Check for errors before returning stream
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		return nil, p.parseError(resp)
	}

	return resp.Body, nil
}

// setHeaders sets the required OpenAI API headers.
func (p *Provider) setHeaders(req *http.Request, stream bool) {
	req.Header.Set("Content-Type", "application/json")

	headerValue := p.auth.Value
	if headerValue == "" {
		headerValue = p.auth.Prefix + p.apiKey
	}
	authHeader := p.auth.Header
	if authHeader == "" {
		authHeader = "Authorization"
	}
	req.Header.Set(authHeader, headerValue)

	for key, value := range p.extraHeaders {
		req.Header.Set(key, value)
	}

	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
}

func (p *Provider) chatCompletionsURL() string {
	return strings.TrimRight(p.baseURL, "/") + p.chatCompletionsPath
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

// parseError maps an OpenAI error response to a provider-unavailable error.
func (p *Provider) parseError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 8192))
	msg := strings.TrimSpace(string(raw))
	var body apiErrorBody
	if err := json.Unmarshal(raw, &body); err == nil && body.Error.Message != "" {
		msg = body.Error.Message
	}
	return core.NewProviderUnavailableError("openai", fmt.Errorf("status %d: %s", resp.StatusCode, msg))
}

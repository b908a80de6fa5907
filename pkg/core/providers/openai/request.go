package openai

import (
	"bytes"
	"encoding/json"

	"github.com/vango-go/vai-interview/pkg/core"
)

// chatRequest is the OpenAI Chat Completions API request format.
type chatRequest struct {
	Model         string         `json:"model"`
	Messages      []chatMessage  `json:"messages"`
	MaxTokens     *int           `json:"-"`
	Stream        bool           `json:"stream,omitempty"`
	StreamOptions *streamOptions `json:"stream_options,omitempty"`

	maxTokensField MaxTokensField
}

// chatMessage is a single message in OpenAI format.
type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// streamOptions configures streaming behavior.
type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// MarshalJSON emits the max tokens value under the configured field name.
func (r *chatRequest) MarshalJSON() ([]byte, error) {
	type plain chatRequest
	raw, err := json.Marshal((*plain)(r))
	if err != nil || r.MaxTokens == nil {
		return raw, err
	}
	field := r.maxTokensField
	if field == "" {
		field = MaxTokensFieldMaxCompletionTokens
	}
	extra, err := json.Marshal(map[string]int{string(field): *r.MaxTokens})
	if err != nil {
		return nil, err
	}
	// Splice {"max_...":n} into the object: drop raw's closing brace and extra's opening one.
	out := bytes.TrimSuffix(raw, []byte("}"))
	return append(append(out, ','), extra[1:]...), nil
}

// buildRequest converts a generation request to an OpenAI request.
func (p *Provider) buildRequest(req *core.GenerateRequest) *chatRequest {
	model := req.Model
	if model == "" {
		model = DefaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}

	out := &chatRequest{
		Model:          model,
		MaxTokens:      &maxTokens,
		maxTokensField: p.maxTokensField,
	}
	out.Messages = translateMessages(req)
	return out
}

func translateMessages(req *core.GenerateRequest) []chatMessage {
	msgs := make([]chatMessage, 0, len(req.History)+2)
	if req.System != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.History {
		if m.Text == "" {
			continue
		}
		role := "user"
		if m.Role == core.RoleInterviewer {
			role = "assistant"
		}
		msgs = append(msgs, chatMessage{Role: role, Content: m.Text})
	}
	if req.Prompt != "" {
		msgs = append(msgs, chatMessage{Role: "user", Content: req.Prompt})
	}
	return msgs
}

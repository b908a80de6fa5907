package openai

import (
	"bufio"
	"encoding/json"
	"io"
	"strings"
)

// textStream implements core.TextStream for OpenAI SSE responses.
type textStream struct {
	reader       *bufio.Reader
	closer       io.Closer
	err          error
	finished     bool
	finishReason string
	inputTokens  int
	outputTokens int
}

// chatChunk is the OpenAI streaming chunk format.
type chatChunk struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Choices []struct {
		Index int `json:"index"`
		Delta struct {
			Role    string `json:"role,omitempty"`
			Content string `json:"content,omitempty"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason,omitempty"`
	} `json:"choices"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage,omitempty"`
}

func newTextStream(body io.ReadCloser) *textStream {
	return &textStream{
		reader: bufio.NewReader(body),
		closer: body,
	}
}

// Next returns the next text delta.
// Returns "", io.EOF when the stream is complete.
func (s *textStream) Next() (string, error) {
	if s.err != nil {
		return "", s.err
	}
	if s.finished {
		return "", io.EOF
	}

	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF {
				s.finished = true
				return "", io.EOF
			}
			s.err = err
			return "", err
		}

		line = strings.TrimSpace(line)
		if line == "" || !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		if data == "[DONE]" {
			s.finished = true
			return "", io.EOF
		}

		var chunk chatChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue // Skip unparseable chunks
		}

		// Usage arrives in a trailing chunk with no choices.
		if chunk.Usage != nil {
			s.inputTokens = chunk.Usage.PromptTokens
			s.outputTokens = chunk.Usage.CompletionTokens
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			s.finishReason = choice.FinishReason
		}
		if choice.Delta.Content != "" {
			return choice.Delta.Content, nil
		}
	}
}

// FinishReason returns the finish reason reported by the stream, if any.
func (s *textStream) FinishReason() string {
	return s.finishReason
}

// Close releases resources associated with the stream.
func (s *textStream) Close() error {
	return s.closer.Close()
}

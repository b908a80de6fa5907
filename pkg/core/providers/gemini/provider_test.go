package gemini

import (
	"context"
	"errors"
	"iter"
	"testing"

	"google.golang.org/genai"

	"github.com/vango-go/vai-interview/pkg/core"
)

func fakeStreamer(gotModel *string, gotContents *[]*genai.Content, gotCfg **genai.GenerateContentConfig, chunks []string, tailErr error) contentStreamer {
	return func(ctx context.Context, model string, contents []*genai.Content, cfg *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
		*gotModel = model
		*gotContents = contents
		*gotCfg = cfg
		return func(yield func(*genai.GenerateContentResponse, error) bool) {
			for _, c := range chunks {
				resp := &genai.GenerateContentResponse{
					Candidates: []*genai.Candidate{{Content: genai.NewContentFromText(c, genai.RoleModel)}},
				}
				if !yield(resp, nil) {
					return
				}
			}
			if tailErr != nil {
				yield(nil, tailErr)
			}
		}
	}
}

func TestStreamText_MapsRequestAndCollectsDeltas(t *testing.T) {
	var model string
	var contents []*genai.Content
	var cfg *genai.GenerateContentConfig

	p := New("key")
	p.stream = fakeStreamer(&model, &contents, &cfg, []string{"Hello", "", " candidate."}, nil)

	stream, err := p.StreamText(context.Background(), &core.GenerateRequest{
		System:  "You are an interviewer.",
		History: []core.Message{{Role: core.RoleInterviewer, Text: "Welcome."}},
		Prompt:  "Thanks!",
	})
	if err != nil {
		t.Fatalf("StreamText() error = %v", err)
	}
	text, err := core.CollectText(stream, nil)
	if err != nil {
		t.Fatalf("CollectText() error = %v", err)
	}
	if text != "Hello candidate." {
		t.Fatalf("text = %q", text)
	}

	if model != DefaultModel {
		t.Fatalf("model = %q, want %q", model, DefaultModel)
	}
	if len(contents) != 2 {
		t.Fatalf("contents len = %d, want 2", len(contents))
	}
	if contents[0].Role != string(genai.RoleModel) || contents[1].Role != string(genai.RoleUser) {
		t.Fatalf("roles = %q, %q", contents[0].Role, contents[1].Role)
	}
	if cfg == nil || cfg.SystemInstruction == nil || cfg.SystemInstruction.Parts[0].Text != "You are an interviewer." {
		t.Fatalf("system instruction not set: %+v", cfg)
	}
}

func TestStreamText_GreetingHasPlaceholderTurn(t *testing.T) {
	var model string
	var contents []*genai.Content
	var cfg *genai.GenerateContentConfig

	p := New("key")
	p.stream = fakeStreamer(&model, &contents, &cfg, []string{"Hi"}, nil)

	stream, err := p.StreamText(context.Background(), &core.GenerateRequest{Model: "gemini-2.5-flash", System: "greet"})
	if err != nil {
		t.Fatalf("StreamText() error = %v", err)
	}
	defer stream.Close()
	if len(contents) != 1 {
		t.Fatalf("contents len = %d, want 1", len(contents))
	}
	if model != "gemini-2.5-flash" {
		t.Fatalf("model = %q", model)
	}
}

func TestStreamText_MidStreamErrorIsProviderUnavailable(t *testing.T) {
	var model string
	var contents []*genai.Content
	var cfg *genai.GenerateContentConfig

	p := New("key")
	p.stream = fakeStreamer(&model, &contents, &cfg, []string{"Hel"}, errors.New("quota"))

	stream, err := p.StreamText(context.Background(), &core.GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("StreamText() error = %v", err)
	}
	text, err := core.CollectText(stream, nil)
	if text != "Hel" {
		t.Fatalf("partial text = %q, want Hel", text)
	}
	if !core.IsType(err, core.ErrProviderUnavailable) {
		t.Fatalf("err = %v, want provider unavailable", err)
	}
}

func TestStreamText_CloseStopsIteration(t *testing.T) {
	var model string
	var contents []*genai.Content
	var cfg *genai.GenerateContentConfig

	p := New("key")
	p.stream = fakeStreamer(&model, &contents, &cfg, []string{"a", "b", "c"}, nil)

	stream, err := p.StreamText(context.Background(), &core.GenerateRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("StreamText() error = %v", err)
	}
	if d, err := stream.Next(); err != nil || d != "a" {
		t.Fatalf("Next() = %q, %v", d, err)
	}
	if err := stream.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if p.Name() != "gemini" {
		t.Fatalf("Name() = %q", p.Name())
	}
}

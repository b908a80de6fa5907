package core

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
)

// Role identifies who said a line of the conversation.
type Role string

const (
	RoleCandidate   Role = "user"
	RoleInterviewer Role = "assistant"
)

// Message is one prior exchange line passed to a generator as context.
type Message struct {
	Role Role
	Text string
}

// GenerateRequest is a one-shot streaming text generation request.
type GenerateRequest struct {
	Model     string    // Model name without the provider prefix
	System    string    // System prompt
	History   []Message // Optional prior exchanges, oldest first
	Prompt    string    // The candidate's latest utterance; empty for the greeting
	MaxTokens int
}

// TextGenerator is implemented by every text-generation provider.
type TextGenerator interface {
	// Name returns the provider identifier (e.g., "openai", "gemini").
	Name() string

	// StreamText opens a streaming generation.
	StreamText(ctx context.Context, req *GenerateRequest) (TextStream, error)
}

// TextStream is an iterator over generated text deltas.
type TextStream interface {
	// Next returns the next non-empty delta. Returns "", io.EOF when done.
	Next() (string, error)

	// Close releases resources.
	Close() error
}

// CollectText drains a stream and returns the concatenated text.
// onDelta, when non-nil, sees every delta as it arrives.
func CollectText(stream TextStream, onDelta func(string)) (string, error) {
	defer stream.Close()
	var b strings.Builder
	for {
		delta, err := stream.Next()
		if delta != "" {
			b.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
		if errors.Is(err, io.EOF) {
			return b.String(), nil
		}
		if err != nil {
			return b.String(), err
		}
	}
}

// GeneratorRegistry manages available text generators.
type GeneratorRegistry interface {
	// Register adds a generator to the registry.
	Register(g TextGenerator)

	// Get returns a generator by name.
	Get(name string) (TextGenerator, bool)

	// List returns all registered generator names, sorted.
	List() []string
}

type defaultRegistry struct {
	mu         sync.RWMutex
	generators map[string]TextGenerator
}

// NewGeneratorRegistry creates a new generator registry.
func NewGeneratorRegistry() GeneratorRegistry {
	return &defaultRegistry{
		generators: make(map[string]TextGenerator),
	}
}

func (r *defaultRegistry) Register(g TextGenerator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[g.Name()] = g
}

func (r *defaultRegistry) Get(name string) (TextGenerator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.generators[name]
	return g, ok
}

func (r *defaultRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.generators))
	for name := range r.generators {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

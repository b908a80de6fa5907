package core

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Engine routes generation requests addressed as "provider/model" to a registered
// TextGenerator.
type Engine struct {
	registry GeneratorRegistry
	model    string
}

// NewEngine creates an Engine whose default model is defaultModel ("provider/model").
func NewEngine(defaultModel string) *Engine {
	return &Engine{
		registry: NewGeneratorRegistry(),
		model:    defaultModel,
	}
}

// RegisterGenerator adds a generator to the engine.
func (e *Engine) RegisterGenerator(g TextGenerator) {
	e.registry.Register(g)
}

// Generator returns a generator by name.
func (e *Engine) Generator(name string) (TextGenerator, bool) {
	return e.registry.Get(name)
}

// GeneratorNames returns the registered generator names.
func (e *Engine) GeneratorNames() []string {
	return e.registry.List()
}

// DefaultModel returns the "provider/model" string used when a request names none.
func (e *Engine) DefaultModel() string {
	return e.model
}

// StreamText routes the request to the generator named by req.Model (or the default).
func (e *Engine) StreamText(ctx context.Context, req *GenerateRequest) (TextStream, error) {
	model := req.Model
	if model == "" {
		model = e.model
	}
	providerName, modelName, err := ParseModelString(model)
	if err != nil {
		return nil, err
	}

	g, ok := e.registry.Get(providerName)
	if !ok {
		return nil, NewProviderUnavailableError(providerName, fmt.Errorf("provider not registered"))
	}

	reqCopy := *req
	reqCopy.Model = modelName

	stream, err := g.StreamText(ctx, &reqCopy)
	if err != nil {
		var ce *Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, NewProviderUnavailableError(providerName, err)
	}
	return stream, nil
}

// Name lets an Engine stand in for a single TextGenerator.
func (e *Engine) Name() string {
	return "engine"
}

// ParseModelString parses a model string in the format "provider/model-name".
func ParseModelString(model string) (provider string, modelName string, err error) {
	parts := strings.SplitN(model, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", NewInvalidRequestError(
			fmt.Sprintf("invalid model format: %q, expected 'provider/model-name'", model),
		)
	}
	return parts[0], parts[1], nil
}

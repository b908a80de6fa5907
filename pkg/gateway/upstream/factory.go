package upstream

import (
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/providers/gemini"
	"github.com/vango-go/vai-interview/pkg/core/providers/groq"
	"github.com/vango-go/vai-interview/pkg/core/providers/openai"
	"github.com/vango-go/vai-interview/pkg/core/voice/stt"
	"github.com/vango-go/vai-interview/pkg/core/voice/tts"
	"github.com/vango-go/vai-interview/pkg/gateway/config"
)

// Factory builds the upstream providers a gateway process talks to.
type Factory struct {
	HTTPClient *http.Client
}

// NewHTTPClient returns the shared client for upstream HTTP calls.
func NewHTTPClient(cfg config.Config) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: cfg.UpstreamConnectTimeout,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
			ResponseHeaderTimeout: cfg.UpstreamResponseHeaderTimeout,
		},
	}
}

// Engine registers a generator for every provider that has a key.
func (f Factory) Engine(cfg config.Config) (*core.Engine, error) {
	client := f.client()
	engine := core.NewEngine(cfg.Model)
	if cfg.OpenAIAPIKey != "" {
		engine.RegisterGenerator(openai.New(cfg.OpenAIAPIKey, openai.WithHTTPClient(client)))
	}
	if cfg.GeminiAPIKey != "" {
		engine.RegisterGenerator(gemini.New(cfg.GeminiAPIKey, gemini.WithHTTPClient(client)))
	}
	if cfg.GroqAPIKey != "" {
		engine.RegisterGenerator(groq.New(cfg.GroqAPIKey, groq.WithHTTPClient(client)))
	}

	provider, _, err := core.ParseModelString(cfg.Model)
	if err != nil {
		return nil, err
	}
	if _, ok := engine.Generator(provider); !ok {
		return nil, core.NewProviderUnavailableError(provider, errors.New("no API key configured for the default model"))
	}
	return engine, nil
}

func (f Factory) STT(cfg config.Config) stt.Provider {
	return stt.NewDeepgram(cfg.DeepgramAPIKey)
}

func (f Factory) TTS(cfg config.Config) tts.Provider {
	return tts.NewElevenLabsWithClient(cfg.ElevenLabsAPIKey, f.client())
}

func (f Factory) client() *http.Client {
	if f.HTTPClient != nil {
		return f.HTTPClient
	}
	return &http.Client{}
}

package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

const (
	elevenLabsDefaultBaseURL = "https://api.elevenlabs.io"
	elevenLabsDefaultModel   = "eleven_turbo_v2_5"
	elevenLabsDefaultVoice   = "EXAVITQu4vr4xnSDxMaL"

	// elevenLabsChunkBytes is the read size for the streamed body (~128ms at 16kHz).
	elevenLabsChunkBytes = 4096
)

// ElevenLabsProvider streams PCM from ElevenLabs' HTTP streaming endpoint.
type ElevenLabsProvider struct {
	apiKey     string
	httpClient *http.Client
	baseURL    string
}

func NewElevenLabs(apiKey string) *ElevenLabsProvider {
	return NewElevenLabsWithClient(apiKey, nil)
}

func NewElevenLabsWithClient(apiKey string, client *http.Client) *ElevenLabsProvider {
	if client == nil {
		client = &http.Client{}
	}
	return &ElevenLabsProvider{
		apiKey:     strings.TrimSpace(apiKey),
		httpClient: client,
		baseURL:    elevenLabsDefaultBaseURL,
	}
}

// WithBaseURL points the provider at another host, e.g. a test server.
func (e *ElevenLabsProvider) WithBaseURL(base string) *ElevenLabsProvider {
	if e == nil {
		return e
	}
	base = strings.TrimRight(strings.TrimSpace(base), "/")
	if base != "" {
		e.baseURL = base
	}
	return e
}

func (e *ElevenLabsProvider) Name() string {
	return "elevenlabs"
}

type elevenLabsRequest struct {
	Text    string `json:"text"`
	ModelID string `json:"model_id"`
}

func (e *ElevenLabsProvider) SynthesizeStream(ctx context.Context, text string, opts SynthesizeOptions) (*SynthesisStream, error) {
	if e == nil || e.apiKey == "" {
		return nil, fmt.Errorf("elevenlabs api key is required")
	}
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("text is required")
	}
	reqURL, err := e.streamURL(opts)
	if err != nil {
		return nil, err
	}
	model := opts.Model
	if model == "" {
		model = elevenLabsDefaultModel
	}
	body, err := json.Marshal(elevenLabsRequest{Text: text, ModelID: model})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("xi-api-key", e.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "audio/pcm")

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("elevenlabs request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("elevenlabs error %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}

	stream := NewSynthesisStream()
	go func() {
		defer stream.FinishSending()
		defer resp.Body.Close()
		go func() {
			// Unblock a pending body read once the consumer gives up.
			select {
			case <-stream.Done():
				resp.Body.Close()
			case <-stream.finished:
			}
		}()
		if err := pumpPCM(resp.Body, stream); err != nil {
			stream.SetError(err)
		}
	}()
	return stream, nil
}

func (e *ElevenLabsProvider) streamURL(opts SynthesizeOptions) (string, error) {
	voice := strings.TrimSpace(opts.Voice)
	if voice == "" {
		voice = elevenLabsDefaultVoice
	}
	u, err := url.Parse(e.baseURL + "/v1/text-to-speech/" + url.PathEscape(voice) + "/stream")
	if err != nil {
		return "", fmt.Errorf("invalid elevenlabs url: %w", err)
	}
	rate := opts.SampleRate
	if rate <= 0 {
		rate = 16000
	}
	q := u.Query()
	q.Set("output_format", "pcm_"+strconv.Itoa(rate))
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// pumpPCM forwards the body in sample-aligned chunks, carrying an odd trailing byte
// over to the next read.
func pumpPCM(r io.Reader, stream *SynthesisStream) error {
	buf := make([]byte, elevenLabsChunkBytes)
	var carry []byte
	for {
		n, err := r.Read(buf)
		if n > 0 {
			data := append(carry, buf[:n]...)
			even := len(data) &^ 1
			if even > 0 {
				chunk := make([]byte, even)
				copy(chunk, data[:even])
				if !stream.Send(chunk) {
					return nil
				}
			}
			carry = append([]byte(nil), data[even:]...)
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			select {
			case <-stream.Done():
				return nil
			default:
			}
			return err
		}
	}
}

package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const (
	deepgramDefaultURL   = "wss://api.deepgram.com/v1/listen"
	deepgramDefaultModel = "nova-2"
	deepgramKeepAlive    = 5 * time.Second
)

var errStreamClosed = errors.New("stt stream closed")

// DeepgramProvider implements Provider over Deepgram's live WebSocket API.
type DeepgramProvider struct {
	apiKey    string
	baseURL   string
	keepAlive time.Duration
	dialer    *websocket.Dialer
}

// DeepgramOption configures a DeepgramProvider.
type DeepgramOption func(*DeepgramProvider)

// WithDeepgramURL overrides the listen endpoint (ws:// or wss://).
func WithDeepgramURL(u string) DeepgramOption {
	return func(p *DeepgramProvider) {
		if strings.TrimSpace(u) != "" {
			p.baseURL = strings.TrimSpace(u)
		}
	}
}

// WithKeepAlive sets how often an idle stream sends KeepAlive. Zero disables it.
func WithKeepAlive(d time.Duration) DeepgramOption {
	return func(p *DeepgramProvider) {
		if d >= 0 {
			p.keepAlive = d
		}
	}
}

// NewDeepgram creates a Deepgram provider.
func NewDeepgram(apiKey string, opts ...DeepgramOption) *DeepgramProvider {
	p := &DeepgramProvider{
		apiKey:    strings.TrimSpace(apiKey),
		baseURL:   deepgramDefaultURL,
		keepAlive: deepgramKeepAlive,
		dialer: &websocket.Dialer{
			HandshakeTimeout: 10 * time.Second,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the provider identifier.
func (p *DeepgramProvider) Name() string {
	return "deepgram"
}

func (p *DeepgramProvider) listenURL(opts StreamOptions) (string, error) {
	u, err := url.Parse(p.baseURL)
	if err != nil {
		return "", fmt.Errorf("parse deepgram url: %w", err)
	}
	model := opts.Model
	if model == "" {
		model = deepgramDefaultModel
	}
	language := opts.Language
	if language == "" {
		language = "en-US"
	}
	sampleRate := opts.SampleRate
	if sampleRate <= 0 {
		sampleRate = 16000
	}

	q := u.Query()
	q.Set("model", model)
	q.Set("language", language)
	q.Set("smart_format", "true")
	q.Set("endpointing", "300")
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(sampleRate))
	q.Set("channels", "1")
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// NewStream dials the listen endpoint. ctx bounds the handshake and the stream lifetime.
func (p *DeepgramProvider) NewStream(ctx context.Context, opts StreamOptions) (Stream, error) {
	if p.apiKey == "" {
		return nil, fmt.Errorf("deepgram api key is required")
	}
	wsURL, err := p.listenURL(opts)
	if err != nil {
		return nil, err
	}

	headers := http.Header{}
	headers.Set("Authorization", "Token "+p.apiKey)

	conn, resp, err := p.dialer.DialContext(ctx, wsURL, headers)
	if err != nil {
		if resp != nil {
			defer resp.Body.Close()
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			if len(body) > 0 {
				return nil, fmt.Errorf("websocket connect (status %d): %s", resp.StatusCode, string(body))
			}
			return nil, fmt.Errorf("websocket connect: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket connect: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &deepgramStream{
		conn:        conn,
		transcripts: make(chan TranscriptDelta, 100),
		done:        make(chan struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	s.touch()

	go s.readLoop()
	if p.keepAlive > 0 {
		go s.keepAliveLoop(p.keepAlive)
	}
	go func() {
		<-ctx.Done()
		_ = s.Close()
	}()

	return s, nil
}

type deepgramStream struct {
	conn        *websocket.Conn
	transcripts chan TranscriptDelta
	done        chan struct{}
	closed      atomic.Bool
	lastSend    atomic.Int64
	writeMu     sync.Mutex
	ctx         context.Context
	cancel      context.CancelFunc

	errMu sync.Mutex
	err   error
}

type deepgramMessage struct {
	Type        string  `json:"type"`
	IsFinal     bool    `json:"is_final"`
	SpeechFinal bool    `json:"speech_final"`
	Start       float64 `json:"start"`
	Duration    float64 `json:"duration"`
	Channel     struct {
		Alternatives []struct {
			Transcript string  `json:"transcript"`
			Confidence float64 `json:"confidence"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (s *deepgramStream) readLoop() {
	defer func() {
		close(s.transcripts)
		close(s.done)
	}()

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(err)
			}
			return
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "Results":
			if len(msg.Channel.Alternatives) == 0 {
				continue
			}
			delta := TranscriptDelta{
				Text:        strings.TrimSpace(msg.Channel.Alternatives[0].Transcript),
				IsFinal:     msg.IsFinal,
				SpeechFinal: msg.SpeechFinal,
				Start:       msg.Start,
				Duration:    msg.Duration,
			}
			select {
			case s.transcripts <- delta:
			case <-s.ctx.Done():
				return
			}

		case "Error":
			detail := msg.Description
			if detail == "" {
				detail = msg.Message
			}
			s.setErr(fmt.Errorf("deepgram error: %s", detail))
			return
		}
	}
}

func (s *deepgramStream) keepAliveLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.done:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastSend.Load())) < every {
				continue
			}
			if err := s.writeText(`{"type":"KeepAlive"}`); err != nil {
				return
			}
		}
	}
}

func (s *deepgramStream) touch() {
	s.lastSend.Store(time.Now().UnixNano())
}

func (s *deepgramStream) writeText(msg string) error {
	if s.closed.Load() {
		return errStreamClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		return err
	}
	s.touch()
	return nil
}

// SendAudio forwards one PCM16LE frame.
func (s *deepgramStream) SendAudio(pcm []byte) error {
	if s.closed.Load() {
		return errStreamClosed
	}
	if len(pcm) == 0 {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	if err := s.conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return err
	}
	s.touch()
	return nil
}

func (s *deepgramStream) Transcripts() <-chan TranscriptDelta {
	return s.transcripts
}

func (s *deepgramStream) Done() <-chan struct{} {
	return s.done
}

func (s *deepgramStream) Err() error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *deepgramStream) setErr(err error) {
	s.errMu.Lock()
	if s.err == nil {
		s.err = err
	}
	s.errMu.Unlock()
}

// Close asks the provider to finish the stream and closes the socket.
func (s *deepgramStream) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	s.cancel()

	s.writeMu.Lock()
	deadline := time.Now().Add(time.Second)
	_ = s.conn.SetWriteDeadline(deadline)
	_ = s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
	_ = s.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
	s.writeMu.Unlock()

	return s.conn.Close()
}

// Package live is the client side of the /v1/voice interview protocol.
package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/audio"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
)

const (
	defaultConnectTimeout = 15 * time.Second
	eventBuffer           = 512
)

// ErrClosed is returned when sending on a closed session.
var ErrClosed = errors.New("voice session is closed")

// Options configures Dial.
type Options struct {
	// URL is the gateway base (http, https, ws or wss). The /v1/voice path is added when missing.
	URL         string
	Token       string
	InterviewID string
	// SampleRate of the PCM the client will send. Zero uses audio.DefaultSampleRate.
	SampleRate int
	Header     http.Header
	Dialer     *websocket.Dialer
}

// Event is one server message.
type Event interface {
	eventType() string
}

type StateEvent struct{ State string }

func (StateEvent) eventType() string { return protocol.TypeState }

type TextEvent struct{ Text string }

func (TextEvent) eventType() string { return protocol.TypeAIText }

// AudioEvent carries one PCM16LE chunk at the session's output rate.
type AudioEvent struct{ PCM []byte }

func (AudioEvent) eventType() string { return protocol.TypeAIAudio }

type AudioEndEvent struct{}

func (AudioEndEvent) eventType() string { return protocol.TypeAIAudioEnd }

// FallbackEvent asks the client to speak Text with a local synthesizer.
type FallbackEvent struct{ Text string }

func (FallbackEvent) eventType() string { return protocol.TypeLocalSynthesisFallback }

type TranscriptEvent struct {
	Text    string
	IsFinal bool
}

func (TranscriptEvent) eventType() string { return protocol.TypeTranscript }

type WarningEvent struct{ Code, Message string }

func (WarningEvent) eventType() string { return protocol.TypeWarning }

type ErrorEvent struct{ Code, Message string }

func (ErrorEvent) eventType() string { return protocol.TypeError }

type UnknownEvent struct {
	Type string
	Raw  json.RawMessage
}

func (e UnknownEvent) eventType() string { return e.Type }

// Session is an established interview session.
type Session struct {
	ID       string
	AudioIn  protocol.AudioFormat
	AudioOut protocol.AudioFormat

	conn   *websocket.Conn
	events chan Event
	done   chan struct{}

	writeMu   sync.Mutex
	closeOnce sync.Once
	closed    atomic.Bool

	errMu sync.Mutex
	err   error
}

// Dial connects, sends session_start and waits for the acknowledgment. A
// rejected start is returned as a *core.Error carrying the server's code.
func Dial(ctx context.Context, opts Options) (*Session, error) {
	if opts.SampleRate == 0 {
		opts.SampleRate = audio.DefaultSampleRate
	}
	start := protocol.ClientSessionStart{
		Type:        protocol.TypeSessionStart,
		Token:       opts.Token,
		InterviewID: strings.TrimSpace(opts.InterviewID),
		SampleRate:  opts.SampleRate,
	}
	if err := protocol.ValidateSessionStart(start); err != nil {
		return nil, core.NewInvalidRequestError(err.Error())
	}
	wsURL, err := VoiceURL(opts.URL)
	if err != nil {
		return nil, err
	}

	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	dialCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		dialCtx, cancel = context.WithTimeout(ctx, defaultConnectTimeout)
		defer cancel()
	}

	conn, resp, err := dialer.DialContext(dialCtx, wsURL, opts.Header)
	if err != nil {
		if resp != nil {
			return nil, core.NewTransportDroppedError(fmt.Errorf("websocket dial failed (status %d): %w", resp.StatusCode, err))
		}
		return nil, core.NewTransportDroppedError(err)
	}

	if err := conn.WriteJSON(start); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("send session_start: %w", err)
	}

	ack, err := readAck(dialCtx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if ack.Status != protocol.StatusOK {
		_ = conn.Close()
		return nil, ackError(ack)
	}

	s := &Session{
		ID:     ack.SessionID,
		conn:   conn,
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
	}
	if ack.AudioIn != nil {
		s.AudioIn = *ack.AudioIn
	}
	if ack.AudioOut != nil {
		s.AudioOut = *ack.AudioOut
	}
	go s.readLoop()
	return s, nil
}

// readAck skips frames until session_initialized arrives.
func readAck(ctx context.Context, conn *websocket.Conn) (protocol.ServerSessionInitialized, error) {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(defaultConnectTimeout)
	}
	_ = conn.SetReadDeadline(deadline)
	defer conn.SetReadDeadline(time.Time{})

	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return protocol.ServerSessionInitialized{}, fmt.Errorf("read session_initialized: %w", err)
		}
		if messageType != websocket.TextMessage {
			continue
		}
		var ack protocol.ServerSessionInitialized
		if err := json.Unmarshal(payload, &ack); err != nil {
			return ack, fmt.Errorf("decode server frame: %w", err)
		}
		if ack.Type == protocol.TypeSessionInitialized {
			return ack, nil
		}
	}
}

func ackError(ack protocol.ServerSessionInitialized) *core.Error {
	typ := core.ErrAPI
	switch ack.Code {
	case protocol.CodeUnauthenticated:
		typ = core.ErrUnauthenticated
	case protocol.CodeInvalidInterview:
		typ = core.ErrInvalidInterview
	case protocol.CodeBadRequest, protocol.CodeSessionExists:
		typ = core.ErrInvalidRequest
	case protocol.CodeDraining, protocol.CodeRateLimited:
		typ = core.ErrOverloaded
	}
	return &core.Error{Type: typ, Message: strings.TrimSpace(ack.Message), Code: ack.Code}
}

// VoiceURL turns a gateway base URL into the voice WebSocket endpoint.
func VoiceURL(base string) (string, error) {
	base = strings.TrimSpace(base)
	if base == "" {
		return "", core.NewInvalidRequestError("gateway url is required")
	}
	u, err := url.Parse(base)
	if err != nil {
		return "", core.NewInvalidRequestError(fmt.Sprintf("invalid gateway url: %v", err))
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", core.NewInvalidRequestError(fmt.Sprintf("unsupported gateway url scheme %q", u.Scheme))
	}
	if u.Host == "" {
		return "", core.NewInvalidRequestError("gateway url has no host")
	}
	if !strings.HasSuffix(u.Path, "/v1/voice") {
		u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/voice"
	}
	return u.String(), nil
}

// Events yields server events until the connection ends. Slow consumers lose
// events rather than stalling the connection.
func (s *Session) Events() <-chan Event {
	return s.events
}

// Done is closed when the read side stops.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// SendAudio sends one PCM16LE frame as a binary message.
func (s *Session) SendAudio(pcm []byte) error {
	return s.write(func() error { return s.conn.WriteMessage(websocket.BinaryMessage, pcm) })
}

// Interrupt stops the interviewer mid-turn.
func (s *Session) Interrupt() error {
	return s.sendJSON(protocol.ClientInterrupt{Type: protocol.TypeInterrupt})
}

// PlaybackComplete reports that the last spoken turn finished playing locally.
func (s *Session) PlaybackComplete() error {
	return s.sendJSON(protocol.ClientPlaybackComplete{Type: protocol.TypePlaybackComplete})
}

// End ends the session; the connection stays open until Close.
func (s *Session) End() error {
	return s.sendJSON(protocol.ClientSessionEnd{Type: protocol.TypeSessionEnd})
}

func (s *Session) sendJSON(v any) error {
	return s.write(func() error { return s.conn.WriteJSON(v) })
}

func (s *Session) write(fn func() error) error {
	if s.closed.Load() {
		return ErrClosed
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return fn()
}

// Close sends a normal close frame and waits for the read loop to exit.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(2*time.Second))
		s.writeMu.Unlock()
		_ = s.conn.Close()
	})
	<-s.done
	return nil
}

// Err returns the error that ended the connection, once it has ended.
func (s *Session) Err() error {
	<-s.done
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *Session) readLoop() {
	defer close(s.done)
	defer close(s.events)

	for {
		messageType, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.setErr(core.NewTransportDroppedError(err))
			}
			return
		}
		switch messageType {
		case websocket.BinaryMessage:
			s.emit(AudioEvent{PCM: data})
		case websocket.TextMessage:
			ev, err := decodeEvent(data)
			if err != nil {
				s.setErr(err)
				return
			}
			s.emit(ev)
		}
	}
}

func (s *Session) emit(ev Event) {
	select {
	case s.events <- ev:
	default:
	}
}

func decodeEvent(data []byte) (Event, error) {
	var msg struct {
		Type    string `json:"type"`
		State   string `json:"state"`
		Text    string `json:"text"`
		IsFinal bool   `json:"is_final"`
		Code    string `json:"code"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("decode server frame: %w", err)
	}
	switch msg.Type {
	case protocol.TypeState:
		return StateEvent{State: msg.State}, nil
	case protocol.TypeAIText:
		return TextEvent{Text: msg.Text}, nil
	case protocol.TypeAIAudioEnd:
		return AudioEndEvent{}, nil
	case protocol.TypeLocalSynthesisFallback:
		return FallbackEvent{Text: msg.Text}, nil
	case protocol.TypeTranscript:
		return TranscriptEvent{Text: msg.Text, IsFinal: msg.IsFinal}, nil
	case protocol.TypeWarning:
		return WarningEvent{Code: msg.Code, Message: msg.Message}, nil
	case protocol.TypeError:
		return ErrorEvent{Code: msg.Code, Message: msg.Message}, nil
	default:
		return UnknownEvent{Type: msg.Type, Raw: append(json.RawMessage(nil), data...)}, nil
	}
}

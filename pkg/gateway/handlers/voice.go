package handlers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/voice/stt"
	"github.com/vango-go/vai-interview/pkg/core/voice/tts"
	"github.com/vango-go/vai-interview/pkg/gateway/apierror"
	"github.com/vango-go/vai-interview/pkg/gateway/auth"
	"github.com/vango-go/vai-interview/pkg/gateway/config"
	"github.com/vango-go/vai-interview/pkg/gateway/interviews"
	"github.com/vango-go/vai-interview/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-interview/pkg/gateway/live/session"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/mw"
	"github.com/vango-go/vai-interview/pkg/gateway/principal"
	"github.com/vango-go/vai-interview/pkg/gateway/ratelimit"
)

const dropTooLarge = "too_large"

// VoiceMetrics is what the voice endpoint records beyond per-session metrics.
type VoiceMetrics interface {
	session.Metrics
	SessionStart(result string)
	SessionEnded(d time.Duration)
	UpgradeRejected(reason string)
}

type nopVoiceMetrics struct{ session.NopMetrics }

func (nopVoiceMetrics) SessionStart(string)        {}
func (nopVoiceMetrics) SessionEnded(time.Duration) {}
func (nopVoiceMetrics) UpgradeRejected(string)     {}

// Providers are the upstream services every session on this process uses.
type Providers struct {
	Generator core.TextGenerator
	STT       stt.Provider
	TTS       tts.Provider
}

// VoiceHandler serves /v1/voice: one WebSocket connection per client, at most
// one interview session per connection.
type VoiceHandler struct {
	Config     config.Config
	Logger     *slog.Logger
	Lifecycle  *lifecycle.Lifecycle
	Limiter    *ratelimit.Limiter
	Registry   *sessions.Registry
	Metrics    VoiceMetrics
	Auth       auth.Validator
	Interviews interviews.Store
	Providers  Providers

	// BaseContext bounds every connection; canceling it closes them all.
	BaseContext context.Context
	Now         func() time.Time
}

// SessionConfig derives the per-session settings from the gateway config.
func SessionConfig(cfg config.Config) session.Config {
	return session.Config{
		Model:               cfg.Model,
		MaxTokens:           cfg.MaxTokens,
		SystemPrompt:        cfg.Prompts.System,
		GreetingPrompt:      cfg.Prompts.Greeting,
		GreetingFallback:    cfg.Prompts.GreetingFallback,
		GreetingFailure:     cfg.Prompts.GreetingFailure,
		Apology:             cfg.Prompts.Apology,
		FlushPolicy:         cfg.FlushPolicy,
		HistoryTurns:        cfg.HistoryTurns,
		Voice:               cfg.TTSVoice,
		TTSModel:            cfg.TTSModel,
		OutputSampleRate:    cfg.OutputSampleRate,
		STTModel:            cfg.STTModel,
		STTLanguage:         cfg.STTLanguage,
		STTConnectTimeout:   cfg.STTConnectTimeout,
		STTReconnectBackoff: cfg.STTReconnectBackoff,
		CaptureQueueFrames:  cfg.CaptureQueueFrames,
		GenerateTimeout:     cfg.GenerateTimeout,
		SynthesisTimeout:    cfg.SynthesisTimeout,
		TurnTimeout:         cfg.TurnTimeout,
		PlayoutGrace:        cfg.PlayoutGrace,
	}
}

func (h VoiceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqID, _ := mw.RequestIDFrom(r.Context())
	metrics := h.metrics()

	if r.Method != http.MethodGet {
		mw.WriteJSONError(w, http.StatusMethodNotAllowed, &core.Error{Type: core.ErrInvalidRequest, Message: "method not allowed", Code: "method_not_allowed", RequestID: reqID})
		return
	}
	if h.Lifecycle.IsDraining() {
		metrics.UpgradeRejected("draining")
		mw.WriteJSONError(w, http.StatusServiceUnavailable, &core.Error{Type: core.ErrOverloaded, Message: "gateway is draining", Code: protocol.CodeDraining, RequestID: reqID})
		return
	}
	if !h.originAllowed(r) {
		metrics.UpgradeRejected("origin")
		mw.WriteJSONError(w, http.StatusForbidden, &core.Error{Type: core.ErrInvalidRequest, Message: "origin is not allowed", Param: "Origin", Code: "origin_not_allowed", RequestID: reqID})
		return
	}
	if h.Registry == nil || h.Auth == nil || h.Interviews == nil || h.Providers.Generator == nil || h.Providers.STT == nil || h.Providers.TTS == nil {
		metrics.UpgradeRejected("unconfigured")
		mw.WriteJSONError(w, http.StatusServiceUnavailable, &core.Error{Type: core.ErrAPI, Message: "voice endpoint is not configured", Code: "unconfigured", RequestID: reqID})
		return
	}

	if h.Limiter != nil {
		client := principal.Resolve(r, h.Config.TrustProxyHeaders)
		dec := h.Limiter.AcquireConnection(client.Key, h.now())
		if !dec.Allowed {
			metrics.UpgradeRejected("connections")
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			mw.WriteJSONError(w, http.StatusTooManyRequests, &core.Error{Type: core.ErrOverloaded, Message: "too many open voice connections", Code: protocol.CodeRateLimited, RequestID: reqID})
			return
		}
		defer dec.Permit.Release()
	}

	upgrader := websocket.Upgrader{
		HandshakeTimeout: h.Config.WSHandshakeTimeout,
		// Origin was checked against the allowlist above.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		metrics.UpgradeRejected("handshake")
		return
	}
	defer conn.Close()

	c := h.newVoiceConn(conn, reqID)
	// A token presented at upgrade is used when session_start carries none.
	c.bearer, _ = auth.ParseBearer(r)
	c.serve()
}

func (h VoiceHandler) originAllowed(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	if len(h.Config.CORSAllowedOrigins) == 0 {
		return false
	}
	_, ok := h.Config.CORSAllowedOrigins[origin]
	return ok
}

func (h VoiceHandler) metrics() VoiceMetrics {
	if h.Metrics == nil {
		return nopVoiceMetrics{}
	}
	return h.Metrics
}

func (h VoiceHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h VoiceHandler) logger() *slog.Logger {
	if h.Logger != nil {
		return h.Logger
	}
	return slog.Default()
}

// voiceConn is the per-connection state. Only the read loop touches its
// mutable fields.
type voiceConn struct {
	h       VoiceHandler
	id      string
	ws      *websocket.Conn
	logger  *slog.Logger
	metrics VoiceMetrics
	out     *session.Writer
	inbound *session.InboundAudioLimiter
	bearer  string

	warnedRateLimit bool
}

func (h VoiceHandler) newVoiceConn(ws *websocket.Conn, reqID string) *voiceConn {
	id := "c_" + uuid.NewString()
	logger := h.logger().With("connection_id", id)
	if reqID != "" {
		logger = logger.With("request_id", reqID)
	}
	return &voiceConn{
		h:       h,
		id:      id,
		ws:      ws,
		logger:  logger,
		metrics: h.metrics(),
		inbound: session.NewInboundAudioLimiter(h.Now, h.Config.MaxAudioFPS, h.Config.MaxAudioBytesPerSecond, h.Config.InboundBurstSeconds),
	}
}

func (c *voiceConn) serve() {
	cfg := c.h.Config
	base := c.h.BaseContext
	if base == nil {
		base = context.Background()
	}
	ctx, cancel := context.WithCancel(base)
	defer cancel()
	if cfg.WSMaxSessionDuration > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, cfg.WSMaxSessionDuration)
		defer cancelTimeout()
	}

	readLimit := cfg.MaxJSONMessageBytes
	if int64(cfg.MaxAudioFrameBytes) > readLimit {
		readLimit = int64(cfg.MaxAudioFrameBytes)
	}
	if readLimit > 0 {
		c.ws.SetReadLimit(readLimit)
	}
	if cfg.WSReadTimeout > 0 {
		_ = c.ws.SetReadDeadline(time.Now().Add(cfg.WSReadTimeout))
		c.ws.SetPongHandler(func(string) error {
			return c.ws.SetReadDeadline(time.Now().Add(cfg.WSReadTimeout))
		})
	}

	g, gctx := errgroup.WithContext(ctx)
	c.out = session.NewWriter(gctx, c.ws, session.WriterConfig{
		PingInterval: cfg.WSPingInterval,
		WriteTimeout: cfg.WSWriteTimeout,
		QueueSize:    cfg.OutboundQueueFrames,
	}, c.metrics.StaleFrameDropped)

	c.logger.Debug("voice connection opened")
	g.Go(func() error {
		err := c.out.Run()
		// Unblocks the read loop.
		_ = c.ws.Close()
		return err
	})
	g.Go(func() error {
		defer cancel()
		return c.readLoop(gctx)
	})

	err := g.Wait()
	c.endSession("disconnect")
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.logger.Info("voice connection reached max duration")
	case err != nil:
		c.logger.Info("voice connection dropped", "error", core.NewTransportDroppedError(err))
	default:
		c.logger.Debug("voice connection closed")
	}
}

func (c *voiceConn) readLoop(ctx context.Context) error {
	for {
		messageType, data, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || ctx.Err() != nil {
				return nil
			}
			return err
		}
		if c.h.Config.WSReadTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.h.Config.WSReadTimeout))
		}

		switch messageType {
		case websocket.BinaryMessage:
			c.onAudio(data)
		case websocket.TextMessage:
			c.onText(ctx, data)
		}
	}
}

func (c *voiceConn) onText(ctx context.Context, data []byte) {
	if limit := c.h.Config.MaxJSONMessageBytes; limit > 0 && int64(len(data)) > limit {
		c.sendError(protocol.CodeBadRequest, fmt.Sprintf("message exceeds %d bytes", limit))
		return
	}
	decoded, err := protocol.DecodeClientMessage(data)
	if err != nil {
		// A malformed session_start is answered like any other rejected start.
		var decodeErr *protocol.DecodeError
		if errors.As(err, &decodeErr) && decodeErr.MessageType == protocol.TypeSessionStart {
			c.metrics.SessionStart(decodeErr.Code)
			c.ackError(decodeErr.Code, decodeErr.Error())
			return
		}
		c.sendError(apierror.ProtocolCode(err), err.Error())
		return
	}

	switch msg := decoded.(type) {
	case protocol.ClientSessionStart:
		c.onSessionStart(ctx, msg)
	case protocol.ClientAudioChunk:
		c.onAudio(msg.Data)
	case protocol.ClientInterrupt:
		if s, ok := c.h.Registry.Lookup(c.id); ok {
			s.Interrupt()
		}
	case protocol.ClientPlaybackComplete:
		if s, ok := c.h.Registry.Lookup(c.id); ok {
			s.PlaybackComplete()
		}
	case protocol.ClientSessionEnd:
		c.endSession("client_end")
	}
}

func (c *voiceConn) onAudio(frame []byte) {
	if len(frame) == 0 {
		return
	}
	if limit := c.h.Config.MaxAudioFrameBytes; limit > 0 && len(frame) > limit {
		c.metrics.FrameDropped(dropTooLarge)
		c.sendError(protocol.CodeBadRequest, fmt.Sprintf("audio frame exceeds %d bytes", limit))
		return
	}
	s, ok := c.h.Registry.Lookup(c.id)
	if !ok {
		c.metrics.FrameDropped(session.DropNoSession)
		return
	}
	if !c.inbound.Allow(len(frame)) {
		c.metrics.FrameDropped(session.DropRateLimited)
		if !c.warnedRateLimit {
			c.warnedRateLimit = true
			c.sendWarning(protocol.CodeRateLimited, "inbound audio rate limit exceeded; frames are being dropped")
		}
		return
	}
	s.PushAudio(frame)
}

func (c *voiceConn) onSessionStart(ctx context.Context, msg protocol.ClientSessionStart) {
	h := c.h
	logger := c.logger.With("interview_id", msg.InterviewID)

	if h.Lifecycle.IsDraining() {
		c.ackError(protocol.CodeDraining, "gateway is draining")
		return
	}
	if _, ok := h.Registry.Lookup(c.id); ok {
		c.ackError(protocol.CodeSessionExists, "connection already has an active session")
		return
	}

	if h.Config.WSHandshakeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.Config.WSHandshakeTimeout)
		defer cancel()
	}

	token := msg.Token
	if token == "" {
		token = c.bearer
	}
	p, err := h.Auth.ValidateToken(ctx, token)
	if err != nil {
		logger.Info("session_start rejected", "code", protocol.CodeUnauthenticated, "error", err)
		c.metrics.SessionStart(protocol.CodeUnauthenticated)
		c.ackError(protocol.CodeUnauthenticated, clientMessage(err, "invalid token"))
		return
	}
	logger = logger.With("user_id", p.UserID)

	iv, err := interviews.CheckStartable(ctx, h.Interviews, msg.InterviewID)
	if err != nil {
		if core.IsType(err, core.ErrInvalidInterview) {
			logger.Info("session_start rejected", "code", protocol.CodeInvalidInterview, "error", err)
			c.metrics.SessionStart(protocol.CodeInvalidInterview)
			c.ackError(protocol.CodeInvalidInterview, clientMessage(err, "invalid interview"))
			return
		}
		logger.Error("interview lookup failed", "error", err)
		c.metrics.SessionStart(protocol.CodeInternal)
		c.ackError(protocol.CodeInternal, "interview lookup failed")
		return
	}

	s, err := session.New(session.Dependencies{
		Out:           c.out,
		Generator:     h.Providers.Generator,
		STT:           h.Providers.STT,
		TTS:           h.Providers.TTS,
		Logger:        logger,
		Metrics:       c.metrics,
		OnStateChange: h.Registry.Observe,
		ConnectionID:  c.id,
		InterviewID:   iv.ID,
		SampleRate:    msg.SampleRate,
		Config:        SessionConfig(h.Config),
		Now:           h.Now,
	})
	if err != nil {
		code := apierror.ProtocolCode(err)
		c.metrics.SessionStart(code)
		c.ackError(code, clientMessage(err, "failed to create session"))
		return
	}
	if err := h.Registry.Register(c.id, s); err != nil {
		s.Close()
		c.ackError(protocol.CodeSessionExists, "connection already has an active session")
		return
	}

	if iv.Status == interviews.StatusScheduled {
		if err := h.Interviews.MarkStarted(ctx, iv.ID, h.now()); err != nil {
			logger.Warn("failed to mark interview started", "error", err)
		}
	}

	// The ack rides the priority lane so it precedes the greeting's state event.
	c.sendPriority(protocol.SessionInitializedOK(s.ID,
		protocol.PCM16Mono(msg.SampleRate),
		protocol.PCM16Mono(s.OutputSampleRate())))
	c.metrics.SessionStart("ok")
	logger.Info("session started", "session_id", s.ID, "sample_rate", msg.SampleRate)
	s.Start()
}

// endSession tears down the connection's session, if any.
func (c *voiceConn) endSession(reason string) {
	s, ok := c.h.Registry.Lookup(c.id)
	if !ok {
		return
	}
	started := s.Snapshot().StartedAt
	if c.h.Registry.Remove(c.id) {
		elapsed := c.h.now().Sub(started)
		c.metrics.SessionEnded(elapsed)
		c.logger.Info("session ended", "reason", reason, "duration_ms", elapsed.Milliseconds())
	}
}

func (c *voiceConn) ackError(code, message string) {
	c.sendPriority(protocol.SessionInitializedError(code, message))
}

func (c *voiceConn) sendError(code, message string) {
	c.sendPriority(protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message})
}

func (c *voiceConn) sendWarning(code, message string) {
	c.sendPriority(protocol.ServerWarning{Type: protocol.TypeWarning, Code: code, Message: message})
}

func (c *voiceConn) sendPriority(v any) {
	frame, err := session.JSONFrame(v)
	if err != nil {
		return
	}
	if err := c.out.SendPriority(frame); err != nil {
		c.logger.Debug("dropped control frame", "error", err)
	}
}

// clientMessage returns the message of a canonical error, or fallback for
// errors whose text should not reach the client.
func clientMessage(err error, fallback string) string {
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr.Message != "" {
		return coreErr.Message
	}
	var decodeErr *protocol.DecodeError
	if errors.As(err, &decodeErr) {
		return decodeErr.Error()
	}
	return fallback
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/audio"
	"github.com/vango-go/vai-interview/pkg/core/voice"
	"github.com/vango-go/vai-interview/pkg/core/voice/stt"
	"github.com/vango-go/vai-interview/pkg/core/voice/tts"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
)

const (
	DefaultGreetingPrompt   = "You are a professional AI recruiter conducting an interview. Start with a polite, professional 2-sentence greeting welcoming the candidate and asking them to introduce themselves."
	DefaultGreetingFallback = "Hello! I am your AI interviewer. Can you please introduce yourself?"
	DefaultGreetingFailure  = "Hello! I am ready to interview you. (Fallback: AI Audio unavailable)"
	DefaultSystemPrompt     = "You are a professional AI recruiter conducting a spoken job interview. Reply in two or three short sentences and end with one follow-up question. Do not use markdown or lists."
	DefaultApology          = "I'm sorry, I didn't catch that. Could you please repeat your answer?"

	finalsBufferSize = 32
)

type Config struct {
	Model            string // "provider/model"; empty uses the generator's default
	MaxTokens        int
	SystemPrompt     string
	GreetingPrompt   string
	GreetingFallback string // spoken when the greeting generation is empty
	GreetingFailure  string // shown when the greeting cannot be produced
	Apology          string // shown when an answer turn cannot be produced
	FlushPolicy      voice.FlushPolicy
	HistoryTurns     int

	Voice            string
	TTSModel         string
	OutputSampleRate int

	STTModel            string
	STTLanguage         string
	STTConnectTimeout   time.Duration
	STTReconnectBackoff time.Duration
	CaptureQueueFrames  int

	GenerateTimeout  time.Duration
	SynthesisTimeout time.Duration
	TurnTimeout      time.Duration
	PlayoutGrace     time.Duration
}

func (c *Config) applyDefaults() {
	if strings.TrimSpace(c.SystemPrompt) == "" {
		c.SystemPrompt = DefaultSystemPrompt
	}
	if strings.TrimSpace(c.GreetingPrompt) == "" {
		c.GreetingPrompt = DefaultGreetingPrompt
	}
	if strings.TrimSpace(c.GreetingFallback) == "" {
		c.GreetingFallback = DefaultGreetingFallback
	}
	if strings.TrimSpace(c.GreetingFailure) == "" {
		c.GreetingFailure = DefaultGreetingFailure
	}
	if strings.TrimSpace(c.Apology) == "" {
		c.Apology = DefaultApology
	}
	if c.FlushPolicy == "" {
		c.FlushPolicy = voice.FlushFull
	}
	if c.OutputSampleRate <= 0 {
		c.OutputSampleRate = audio.DefaultSampleRate
	}
	if c.GenerateTimeout <= 0 {
		c.GenerateTimeout = 20 * time.Second
	}
	if c.SynthesisTimeout <= 0 {
		c.SynthesisTimeout = 20 * time.Second
	}
	if c.TurnTimeout <= 0 {
		c.TurnTimeout = 45 * time.Second
	}
	if c.PlayoutGrace <= 0 {
		c.PlayoutGrace = 250 * time.Millisecond
	}
}

type Dependencies struct {
	Out       Sink
	Generator core.TextGenerator
	STT       stt.Provider
	TTS       tts.Provider
	Logger    *slog.Logger
	Metrics   Metrics
	// OnStateChange sees every applied transition. It must not block.
	OnStateChange func(Snapshot)

	ConnectionID string
	InterviewID  string
	SampleRate   int
	Config       Config
	Now          func() time.Time
}

// Session is one live interview bound to one connection.
type Session struct {
	ID           string
	ConnectionID string
	InterviewID  string
	SampleRate   int
	StartedAt    time.Time

	out           Sink
	gen           core.TextGenerator
	tts           tts.Provider
	logger        *slog.Logger
	metrics       Metrics
	onStateChange func(Snapshot)
	cfg           Config
	now           func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bridge  *Bridge
	history *historyManager
	finals  chan string
	wake    chan struct{}

	startOnce sync.Once
	closeOnce sync.Once

	mu            sync.Mutex
	state         State
	epoch         uint64
	seq           uint64
	turnCancel    context.CancelFunc
	audioEnded    bool
	audioEndEpoch uint64
	closed        bool
}

func New(deps Dependencies) (*Session, error) {
	if deps.Out == nil {
		return nil, fmt.Errorf("outbound sink is required")
	}
	if deps.Generator == nil {
		return nil, fmt.Errorf("text generator is required")
	}
	if deps.STT == nil {
		return nil, fmt.Errorf("stt provider is required")
	}
	if deps.TTS == nil {
		return nil, fmt.Errorf("tts provider is required")
	}
	if strings.TrimSpace(deps.ConnectionID) == "" {
		return nil, fmt.Errorf("connection id is required")
	}
	if deps.SampleRate == 0 {
		deps.SampleRate = audio.DefaultSampleRate
	}
	if !audio.ValidSampleRate(deps.SampleRate) {
		return nil, core.NewInvalidRequestErrorWithParam(
			fmt.Sprintf("sample rate must be between %d and %d", audio.MinSampleRate, audio.MaxSampleRate), "sample_rate")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = NopMetrics{}
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	deps.Config.applyDefaults()

	id := uuid.NewString()
	logger := deps.Logger.With("session_id", id, "connection_id", deps.ConnectionID, "interview_id", deps.InterviewID)
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		ID:            id,
		ConnectionID:  deps.ConnectionID,
		InterviewID:   deps.InterviewID,
		SampleRate:    deps.SampleRate,
		StartedAt:     deps.Now(),
		out:           deps.Out,
		gen:           deps.Generator,
		tts:           deps.TTS,
		logger:        logger,
		metrics:       deps.Metrics,
		onStateChange: deps.OnStateChange,
		cfg:           deps.Config,
		now:           deps.Now,
		ctx:           ctx,
		cancel:        cancel,
		history:       newHistoryManager(deps.Config.HistoryTurns),
		finals:        make(chan string, finalsBufferSize),
		wake:          make(chan struct{}, 1),
		state:         StateInitializing,
	}
	s.bridge = newBridge(ctx, deps.STT, BridgeConfig{
		SampleRate:       deps.SampleRate,
		Model:            deps.Config.STTModel,
		Language:         deps.Config.STTLanguage,
		ConnectTimeout:   deps.Config.STTConnectTimeout,
		ReconnectBackoff: deps.Config.STTReconnectBackoff,
		QueueFrames:      deps.Config.CaptureQueueFrames,
	}, logger, deps.Metrics, deps.Now)
	s.bridge.onFinal = s.deliverFinal
	s.bridge.onTranscript = s.sendTranscript
	return s, nil
}

// Start launches the orchestrator, which begins with the greeting turn.
func (s *Session) Start() {
	s.startOnce.Do(func() {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.wg.Add(1)
		s.mu.Unlock()
		go s.run()
	})
}

// PushAudio forwards one inbound PCM frame to speech recognition without blocking.
func (s *Session) PushAudio(frame []byte) bool {
	if len(frame) == 0 {
		return false
	}
	s.metrics.AudioBytes("in", len(frame))
	s.metrics.InboundLevel(audio.RMS(frame), audio.Peak(frame))
	return s.bridge.PushFrame(frame)
}

// Interrupt abandons whatever the interviewer is producing. The session is
// LISTENING under a new epoch when it returns; it never blocks on I/O.
func (s *Session) Interrupt() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.epoch++
	s.state = StateListening
	s.audioEnded = false
	cancel := s.turnCancel
	s.turnCancel = nil
	snap := s.snapshotLocked(CauseInterrupt)
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	s.metrics.Interrupted()
	s.logger.Info("interrupted", "epoch", snap.Epoch)
	s.notify(snap)
	s.poke()
}

// PlaybackComplete records that the client finished playing the current
// response. It is ignored unless the response's audio has fully been sent.
func (s *Session) PlaybackComplete() {
	s.mu.Lock()
	epoch := s.epoch
	s.mu.Unlock()
	if s.finishPlayout(epoch) {
		s.poke()
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// OutputSampleRate is the rate of the PCM the session sends to the client.
func (s *Session) OutputSampleRate() int {
	return s.cfg.OutputSampleRate
}

func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(CauseNormal)
}

// Close tears the session down: the in-flight turn is canceled, the bridge
// is closed, and Close waits for every session goroutine.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		cancel := s.turnCancel
		s.turnCancel = nil
		s.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		s.cancel()
		s.bridge.Close()
		s.wg.Wait()
		s.logger.Debug("session closed")
	})
}

// Done is closed once Close has started.
func (s *Session) Done() <-chan struct{} {
	return s.ctx.Done()
}

// transitionAt applies from→to only while epoch is current.
func (s *Session) transitionAt(epoch uint64, to State, cause Cause) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrStaleEpoch
	}
	if s.epoch != epoch {
		s.mu.Unlock()
		return ErrStaleEpoch
	}
	from := s.state
	if !CanTransition(from, to, cause) {
		s.mu.Unlock()
		s.logger.Warn("illegal transition rejected", "from", from.String(), "to", to.String(), "cause", cause.String(), "epoch", epoch)
		return fmt.Errorf("%w: %s -> %s (%s)", ErrIllegalTransition, from, to, cause)
	}
	s.state = to
	snap := s.snapshotLocked(cause)
	s.mu.Unlock()

	s.notify(snap)
	return nil
}

// beginTurn moves LISTENING→PROCESSING and registers cancel for the new turn.
func (s *Session) beginTurn(cancel context.CancelFunc) (uint64, bool) {
	s.mu.Lock()
	if s.closed || s.state != StateListening {
		s.mu.Unlock()
		return 0, false
	}
	s.state = StateProcessing
	s.audioEnded = false
	s.turnCancel = cancel
	epoch := s.epoch
	snap := s.snapshotLocked(CauseNormal)
	s.mu.Unlock()

	s.notify(snap)
	return epoch, true
}

// beginGreeting registers cancel for the greeting; it is only allowed in INITIALIZING.
func (s *Session) beginGreeting(cancel context.CancelFunc) (uint64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.state != StateInitializing {
		return 0, false
	}
	s.turnCancel = cancel
	return s.epoch, true
}

func (s *Session) endTurn(epoch uint64) {
	s.mu.Lock()
	if s.epoch == epoch {
		s.turnCancel = nil
	}
	s.mu.Unlock()
}

func (s *Session) markAudioEnded(epoch uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.epoch != epoch {
		return false
	}
	s.audioEnded = true
	s.audioEndEpoch = epoch
	return true
}

// finishPlayout moves SPEAKING→LISTENING once the epoch's audio has ended.
func (s *Session) finishPlayout(epoch uint64) bool {
	s.mu.Lock()
	if s.closed || s.epoch != epoch || s.state != StateSpeaking || !s.audioEnded || s.audioEndEpoch != epoch {
		s.mu.Unlock()
		return false
	}
	s.state = StateListening
	s.audioEnded = false
	snap := s.snapshotLocked(CauseNormal)
	s.mu.Unlock()

	s.notify(snap)
	return true
}

func (s *Session) snapshotLocked(cause Cause) Snapshot {
	s.seq++
	return Snapshot{
		SessionID:    s.ID,
		ConnectionID: s.ConnectionID,
		InterviewID:  s.InterviewID,
		SampleRate:   s.SampleRate,
		StartedAt:    s.StartedAt,
		State:        s.state,
		Epoch:        s.epoch,
		Seq:          s.seq,
		Cause:        cause,
	}
}

func (s *Session) notify(snap Snapshot) {
	if s.onStateChange != nil {
		s.onStateChange(snap)
	}
	frame, err := JSONFrame(protocol.ServerState{Type: protocol.TypeState, State: snap.State.String()})
	if err != nil {
		return
	}
	frame.Gate = s.gate(snap.Epoch)
	_ = s.out.SendPriority(frame)
}

func (s *Session) poke() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// gate reports whether frames produced under epoch may still reach the client.
func (s *Session) gate(epoch uint64) func() bool {
	return func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return !s.closed && s.epoch == epoch
	}
}

func (s *Session) deliverFinal(text string) {
	select {
	case s.finals <- text:
	case <-s.ctx.Done():
	}
}

func (s *Session) sendTranscript(text string, final bool) {
	frame, err := JSONFrame(protocol.ServerTranscript{Type: protocol.TypeTranscript, Text: text, IsFinal: final})
	if err != nil {
		return
	}
	_ = s.out.Send(s.ctx, frame)
}

// SendError reports a non-fatal problem to the client.
func (s *Session) SendError(code, message string) error {
	frame, err := JSONFrame(protocol.ServerError{Type: protocol.TypeError, Code: code, Message: message})
	if err != nil {
		return err
	}
	return s.out.SendPriority(frame)
}

// run is the orchestrator loop. It owns turn scheduling and play-out timing;
// state itself lives under mu so Interrupt can act without it.
func (s *Session) run() {
	defer s.wg.Done()

	var (
		pending      []string
		results      = make(chan turnResult, 4)
		turnSeq      uint64
		activeSeq    uint64
		activeEpoch  uint64
		active       bool
		playout      *time.Timer
		playoutC     <-chan time.Time
		playoutEpoch uint64
	)

	stopPlayout := func() {
		if playout != nil {
			playout.Stop()
		}
		playout = nil
		playoutC = nil
	}
	defer stopPlayout()

	launch := func(ctx context.Context, cancel context.CancelFunc, kind turnKind, transcript string, epoch uint64) {
		turnSeq++
		seq := turnSeq
		active, activeSeq, activeEpoch = true, seq, epoch
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer cancel()
			res := s.runTurn(ctx, kind, transcript, epoch)
			s.endTurn(epoch)
			res.seq = seq
			select {
			case results <- res:
			case <-s.ctx.Done():
			}
		}()
	}

	{
		ctx, cancel := context.WithCancel(s.ctx)
		if epoch, ok := s.beginGreeting(cancel); ok {
			launch(ctx, cancel, turnGreeting, "", epoch)
		} else {
			cancel()
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case text := <-s.finals:
			pending = append(pending, text)
		case res := <-results:
			if res.seq == activeSeq {
				active = false
			}
			if res.spoke && res.epoch == s.Epoch() {
				stopPlayout()
				wait := s.cfg.PlayoutGrace
				if !res.firstAudio.IsZero() {
					wait = res.firstAudio.Add(res.audio + s.cfg.PlayoutGrace).Sub(s.now())
				}
				if wait < 0 {
					wait = 0
				}
				playout = time.NewTimer(wait)
				playoutC = playout.C
				playoutEpoch = res.epoch
			}
		case <-playoutC:
			playout = nil
			playoutC = nil
			s.finishPlayout(playoutEpoch)
		case <-s.wake:
		}

		epoch := s.Epoch()
		if active && activeEpoch != epoch {
			// The interrupted turn drains on its own; its result is ignored.
			active = false
		}
		if playout != nil && playoutEpoch != epoch {
			stopPlayout()
		}
		if !active && len(pending) > 0 && s.State() == StateListening {
			ctx, cancel := context.WithCancel(s.ctx)
			if turnEpoch, ok := s.beginTurn(cancel); ok {
				transcript := pending[0]
				pending = pending[1:]
				launch(ctx, cancel, turnAnswer, transcript, turnEpoch)
			} else {
				cancel()
			}
		}
	}
}

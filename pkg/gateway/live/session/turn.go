package session

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/audio"
	"github.com/vango-go/vai-interview/pkg/core/voice"
	"github.com/vango-go/vai-interview/pkg/core/voice/tts"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
)

type turnKind int

const (
	turnGreeting turnKind = iota
	turnAnswer
)

func (k turnKind) String() string {
	if k == turnGreeting {
		return "greeting"
	}
	return "answer"
}

// Turn outcomes reported to Metrics.
const (
	OutcomeCompleted   = "completed"
	OutcomeInterrupted = "interrupted"
	OutcomeDegraded    = "degraded"
)

var errEmptyGeneration = errors.New("generator returned no text")

type turnResult struct {
	seq        uint64
	epoch      uint64
	spoke      bool // ai_audio_end went out; play-out decides SPEAKING→LISTENING
	audio      time.Duration
	firstAudio time.Time
}

type genOutcome struct {
	text string
	err  error
}

// runTurn produces one interviewer response under epoch. Every emission is
// gated on the epoch; a failure degrades to a local synthesis fallback and
// LISTENING.
func (s *Session) runTurn(ctx context.Context, kind turnKind, transcript string, epoch uint64) turnResult {
	res := turnResult{epoch: epoch}
	started := s.now()
	outcome := OutcomeCompleted
	logger := s.logger.With("epoch", epoch, "turn", kind.String())
	defer func() {
		elapsed := s.now().Sub(started)
		s.metrics.TurnFinished(kind.String(), outcome, elapsed)
		logger.Info("turn finished", "outcome", outcome, "elapsed_ms", elapsed.Milliseconds())
	}()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()
	gate := s.gate(epoch)

	req := s.buildRequest(kind, transcript)
	if kind == turnAnswer {
		s.history.appendCandidate(transcript)
	}

	var (
		lastText string
		speaking bool
		spoken   []string
	)
	say := func(text string) error {
		if !gate() {
			return ErrStaleEpoch
		}
		if err := s.emit(ctx, protocol.ServerAIText{Type: protocol.TypeAIText, Text: text}, gate); err != nil {
			return err
		}
		lastText = text
		if !speaking {
			if err := s.transitionAt(epoch, StateSpeaking, CauseNormal); err != nil {
				return err
			}
			speaking = true
		}
		if err := s.speak(ctx, text, gate, &res); err != nil {
			return err
		}
		spoken = append(spoken, text)
		return nil
	}

	segments, genDone := s.generate(ctx, req)
	var failure error
	var unspoken []string
	for seg := range segments {
		if failure != nil {
			unspoken = append(unspoken, seg)
			continue
		}
		if err := say(seg); err != nil {
			failure = err
			unspoken = append(unspoken, seg)
		}
	}
	gen := <-genDone

	if !gate() || errors.Is(failure, ErrStaleEpoch) {
		outcome = OutcomeInterrupted
		return res
	}
	if failure == nil && gen.err != nil {
		failure = gen.err
	}
	if failure == nil && len(spoken) == 0 {
		if kind == turnGreeting {
			failure = say(s.cfg.GreetingFallback)
			if failure != nil {
				unspoken = []string{s.cfg.GreetingFallback}
			}
		} else {
			failure = errEmptyGeneration
		}
	}
	if failure != nil {
		if !gate() || errors.Is(failure, ErrStaleEpoch) {
			outcome = OutcomeInterrupted
			return res
		}
		outcome = OutcomeDegraded
		logger.Warn("turn degraded", "error", failure)
		text := s.fallbackText(kind, gen.err, unspoken)
		s.degrade(epoch, text, text == lastText)
		return res
	}

	if !s.markAudioEnded(epoch) {
		outcome = OutcomeInterrupted
		return res
	}
	if err := s.emit(s.ctx, protocol.ServerAIAudioEnd{Type: protocol.TypeAIAudioEnd}, gate); err != nil {
		logger.Debug("ai_audio_end not sent", "error", err)
	}
	s.history.appendInterviewer(strings.Join(spoken, " "))
	res.spoke = true
	return res
}

func (s *Session) buildRequest(kind turnKind, transcript string) *core.GenerateRequest {
	req := &core.GenerateRequest{Model: s.cfg.Model, MaxTokens: s.cfg.MaxTokens}
	if kind == turnGreeting {
		req.System = s.cfg.GreetingPrompt
		return req
	}
	req.System = s.cfg.SystemPrompt
	req.History = s.history.snapshot()
	req.Prompt = transcript
	return req
}

// generate streams the model response and yields the segments the flush
// policy releases. genDone receives the whole text once the stream ends.
func (s *Session) generate(ctx context.Context, req *core.GenerateRequest) (<-chan string, <-chan genOutcome) {
	segments := make(chan string, 8)
	genDone := make(chan genOutcome, 1)

	go func() {
		genCtx, cancel := context.WithTimeout(ctx, s.cfg.GenerateTimeout)
		defer cancel()
		defer close(segments)

		push := func(parts []string) {
			for _, p := range parts {
				select {
				case segments <- p:
				case <-genCtx.Done():
					return
				}
			}
		}

		stream, err := s.gen.StreamText(genCtx, req)
		if err != nil {
			s.metrics.ProviderError(s.gen.Name())
			genDone <- genOutcome{err: asProviderError(s.gen.Name(), err)}
			return
		}
		seg := voice.NewSegmenter(s.cfg.FlushPolicy)
		text, err := core.CollectText(stream, func(delta string) {
			push(seg.Add(delta))
		})
		if err == nil {
			err = genCtx.Err()
		}
		if err != nil {
			s.metrics.ProviderError(s.gen.Name())
			genDone <- genOutcome{text: text, err: asProviderError(s.gen.Name(), err)}
			return
		}
		push(seg.Flush())
		genDone <- genOutcome{text: strings.TrimSpace(text)}
	}()

	return segments, genDone
}

// speak synthesizes text and streams it to the client as ai_audio frames.
func (s *Session) speak(ctx context.Context, text string, gate func() bool, res *turnResult) error {
	synthCtx, cancel := context.WithTimeout(ctx, s.cfg.SynthesisTimeout)
	defer cancel()

	stream, err := s.tts.SynthesizeStream(synthCtx, text, tts.SynthesizeOptions{
		Voice:      s.cfg.Voice,
		Model:      s.cfg.TTSModel,
		SampleRate: s.cfg.OutputSampleRate,
	})
	if err != nil {
		s.metrics.ProviderError(s.tts.Name())
		return asProviderError(s.tts.Name(), err)
	}
	defer stream.Close()

	for chunk := range stream.Chunks() {
		if !gate() {
			return ErrStaleEpoch
		}
		if len(chunk) == 0 {
			continue
		}
		if res.firstAudio.IsZero() {
			res.firstAudio = s.now()
		}
		if err := s.out.Send(ctx, Frame{Binary: chunk, Gate: gate}); err != nil {
			return err
		}
		res.audio += audio.Duration(len(chunk), s.cfg.OutputSampleRate)
		s.metrics.AudioBytes("out", len(chunk))
	}
	if err := stream.Err(); err != nil {
		s.metrics.ProviderError(s.tts.Name())
		return asProviderError(s.tts.Name(), err)
	}
	return nil
}

func (s *Session) fallbackText(kind turnKind, genErr error, unspoken []string) string {
	if genErr == nil && len(unspoken) > 0 {
		if text := strings.TrimSpace(strings.Join(unspoken, " ")); text != "" {
			return text
		}
	}
	if kind == turnGreeting {
		return s.cfg.GreetingFailure
	}
	return s.cfg.Apology
}

// degrade hands the text to the client for local synthesis and returns to LISTENING.
func (s *Session) degrade(epoch uint64, text string, textSent bool) {
	gate := s.gate(epoch)
	if !textSent {
		_ = s.emit(s.ctx, protocol.ServerAIText{Type: protocol.TypeAIText, Text: text}, gate)
	}
	_ = s.emit(s.ctx, protocol.ServerLocalSynthesisFallback{Type: protocol.TypeLocalSynthesisFallback, Text: text}, gate)
	if err := s.transitionAt(epoch, StateListening, CauseDegrade); err != nil && !errors.Is(err, ErrStaleEpoch) {
		s.logger.Error("degrade transition failed", "epoch", epoch, "error", err)
	}
}

func (s *Session) emit(ctx context.Context, v any, gate func() bool) error {
	frame, err := JSONFrame(v)
	if err != nil {
		return err
	}
	frame.Gate = gate
	return s.out.Send(ctx, frame)
}

func asProviderError(provider string, err error) error {
	var coreErr *core.Error
	if errors.As(err, &coreErr) {
		return err
	}
	return core.NewProviderUnavailableError(provider, err)
}

package session

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/audio"
	"github.com/vango-go/vai-interview/pkg/core/voice/stt"
)

// Frame drop reasons reported to Metrics.
const (
	DropNoSession   = "no_session"
	DropNotReady    = "stt_not_ready"
	DropQueueFull   = "queue_full"
	DropRateLimited = "rate_limited"
	DropClosed      = "closed"
)

type BridgeConfig struct {
	SampleRate       int
	Model            string
	Language         string
	ConnectTimeout   time.Duration
	ReconnectBackoff time.Duration
	QueueFrames      int
}

// Bridge owns the single upstream recognition stream of a Session. The stream
// is opened on the first pushed frame and reopened after it ends.
type Bridge struct {
	provider stt.Provider
	cfg      BridgeConfig
	logger   *slog.Logger
	metrics  Metrics
	now      func() time.Time

	onFinal      func(text string)
	onTranscript func(text string, final bool)

	queue *audio.CaptureQueue

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	stream       stt.Stream
	streamCancel context.CancelFunc
	connecting   bool
	closed       bool
	lastAttempt  time.Time
	queueDropped int64
}

func newBridge(parent context.Context, provider stt.Provider, cfg BridgeConfig, logger *slog.Logger, metrics Metrics, now func() time.Time) *Bridge {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}
	if cfg.ReconnectBackoff <= 0 {
		cfg.ReconnectBackoff = time.Second
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = 64
	}
	ctx, cancel := context.WithCancel(parent)
	return &Bridge{
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
		now:      now,
		queue:    audio.NewCaptureQueue(cfg.QueueFrames),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// PushFrame hands one inbound audio frame to the recognizer without blocking.
// It reports false when the frame was dropped because no stream is connected.
func (b *Bridge) PushFrame(frame []byte) bool {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		b.metrics.FrameDropped(DropClosed)
		return false
	}
	if b.stream == nil {
		if !b.connecting && (b.lastAttempt.IsZero() || b.now().Sub(b.lastAttempt) >= b.cfg.ReconnectBackoff) {
			b.connecting = true
			b.lastAttempt = b.now()
			b.wg.Add(1)
			go b.connect()
		}
		b.mu.Unlock()
		b.metrics.FrameDropped(DropNotReady)
		return false
	}
	b.mu.Unlock()

	if !b.queue.Push(frame) {
		b.metrics.FrameDropped(DropClosed)
		return false
	}
	if dropped := b.queue.Dropped(); dropped > 0 {
		b.mu.Lock()
		newly := dropped - b.queueDropped
		b.queueDropped = dropped
		b.mu.Unlock()
		for ; newly > 0; newly-- {
			b.metrics.FrameDropped(DropQueueFull)
		}
	}
	return true
}

// Connected reports whether an upstream stream is currently open.
func (b *Bridge) Connected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stream != nil
}

type dialResult struct {
	stream stt.Stream
	err    error
}

func (b *Bridge) connect() {
	defer b.wg.Done()

	streamCtx, streamCancel := context.WithCancel(b.ctx)
	resCh := make(chan dialResult, 1)
	go func() {
		st, err := b.provider.NewStream(streamCtx, stt.StreamOptions{
			Model:      b.cfg.Model,
			Language:   b.cfg.Language,
			SampleRate: b.cfg.SampleRate,
		})
		resCh <- dialResult{stream: st, err: err}
	}()

	timer := time.NewTimer(b.cfg.ConnectTimeout)
	defer timer.Stop()

	var res dialResult
	select {
	case res = <-resCh:
	case <-timer.C:
		streamCancel()
		go func() {
			if late := <-resCh; late.stream != nil {
				_ = late.stream.Close()
			}
		}()
		res.err = fmt.Errorf("stt connect timed out after %s", b.cfg.ConnectTimeout)
	}

	if res.err != nil {
		streamCancel()
		b.mu.Lock()
		b.connecting = false
		b.lastAttempt = b.now()
		closed := b.closed
		b.mu.Unlock()
		if !closed {
			b.metrics.ProviderError(b.provider.Name())
			b.logger.Warn("stt connect failed", "provider", b.provider.Name(), "error", core.NewProviderUnavailableError(b.provider.Name(), res.err))
		}
		return
	}

	b.mu.Lock()
	b.connecting = false
	if b.closed {
		b.mu.Unlock()
		streamCancel()
		_ = res.stream.Close()
		return
	}
	b.stream = res.stream
	b.streamCancel = streamCancel
	b.wg.Add(2)
	b.mu.Unlock()

	b.logger.Debug("stt stream connected", "provider", b.provider.Name(), "sample_rate", b.cfg.SampleRate)
	go b.pump(res.stream)
	go b.readLoop(res.stream)
}

// pump forwards queued audio to the stream until it ends.
func (b *Bridge) pump(st stt.Stream) {
	defer b.wg.Done()
	for {
		select {
		case <-b.ctx.Done():
			return
		case <-st.Done():
			return
		case <-b.queue.Ready():
		}
		for {
			frame, ok := b.queue.Pop()
			if !ok {
				break
			}
			if err := st.SendAudio(frame); err != nil {
				b.logger.Debug("stt send failed", "error", err)
				_ = st.Close()
				return
			}
		}
	}
}

func (b *Bridge) readLoop(st stt.Stream) {
	defer b.wg.Done()
	for delta := range st.Transcripts() {
		text := strings.TrimSpace(delta.Text)
		if text == "" {
			continue
		}
		if b.onTranscript != nil {
			b.onTranscript(text, delta.IsFinal)
		}
		if delta.IsFinal && b.onFinal != nil {
			b.onFinal(text)
		}
	}
	if err := st.Err(); err != nil && b.ctx.Err() == nil {
		b.metrics.ProviderError(b.provider.Name())
		b.logger.Warn("stt stream ended", "provider", b.provider.Name(), "error", err)
	}
	b.clearStream(st)
}

// clearStream forgets st so the next frame reconnects. Audio queued for st is discarded.
func (b *Bridge) clearStream(st stt.Stream) {
	b.mu.Lock()
	if b.stream != st {
		b.mu.Unlock()
		return
	}
	b.stream = nil
	cancel := b.streamCancel
	b.streamCancel = nil
	b.lastAttempt = b.now()
	b.mu.Unlock()

	for {
		if _, ok := b.queue.Pop(); !ok {
			break
		}
	}
	if cancel != nil {
		cancel()
	}
	_ = st.Close()
}

// Close tears the bridge down and waits for its goroutines.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	st := b.stream
	b.mu.Unlock()

	b.queue.Close()
	b.cancel()
	if st != nil {
		_ = st.Close()
	}
	b.wg.Wait()
}

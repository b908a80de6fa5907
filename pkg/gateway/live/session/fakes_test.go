package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/core/voice/stt"
	"github.com/vango-go/vai-interview/pkg/core/voice/tts"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
)

type sentFrame struct {
	typ      string
	text     string
	state    string
	binary   int
	priority bool
}

// recordingSink writes immediately, so gates are evaluated exactly once at send time.
type recordingSink struct {
	mu     sync.Mutex
	frames []sentFrame
	stale  int
}

func (r *recordingSink) Send(ctx context.Context, f Frame) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	r.record(f, false)
	return nil
}

func (r *recordingSink) SendPriority(f Frame) error {
	r.record(f, true)
	return nil
}

func (r *recordingSink) record(f Frame, priority bool) {
	if f.stale() {
		r.mu.Lock()
		r.stale++
		r.mu.Unlock()
		return
	}
	sf := sentFrame{priority: priority}
	if len(f.Binary) > 0 {
		sf.typ = protocol.TypeAIAudio
		sf.binary = len(f.Binary)
	} else {
		var msg struct {
			Type  string `json:"type"`
			Text  string `json:"text"`
			State string `json:"state"`
		}
		_ = json.Unmarshal(f.Text, &msg)
		sf.typ, sf.text, sf.state = msg.Type, msg.Text, msg.State
	}
	r.mu.Lock()
	r.frames = append(r.frames, sf)
	r.mu.Unlock()
}

func (r *recordingSink) snapshot() []sentFrame {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]sentFrame, len(r.frames))
	copy(out, r.frames)
	return out
}

// ofType returns the frames of one type, skipping state events.
func (r *recordingSink) ofType(typ string) []sentFrame {
	var out []sentFrame
	for _, f := range r.snapshot() {
		if f.typ == typ {
			out = append(out, f)
		}
	}
	return out
}

// content returns the non-state frame types in order, collapsing audio runs.
func (r *recordingSink) content() []string {
	var out []string
	for _, f := range r.snapshot() {
		if f.typ == protocol.TypeState || f.typ == protocol.TypeTranscript {
			continue
		}
		if f.typ == protocol.TypeAIAudio && len(out) > 0 && out[len(out)-1] == protocol.TypeAIAudio {
			continue
		}
		out = append(out, f.typ)
	}
	return out
}

type sliceStream struct {
	deltas  []string
	tailErr error
	hold    <-chan struct{}
	ctx     context.Context
	i       int
}

func (s *sliceStream) Next() (string, error) {
	if s.i == 1 && s.hold != nil {
		select {
		case <-s.hold:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.i < len(s.deltas) {
		d := s.deltas[s.i]
		s.i++
		return d, nil
	}
	if s.tailErr != nil {
		return "", s.tailErr
	}
	return "", io.EOF
}

func (s *sliceStream) Close() error { return nil }

type fakeGenerator struct {
	mu      sync.Mutex
	reqs    []core.GenerateRequest
	respond func(req *core.GenerateRequest) ([]string, error)
	hold    chan struct{} // blocks after the first delta when set
}

func (g *fakeGenerator) Name() string { return "fakegen" }

func (g *fakeGenerator) StreamText(ctx context.Context, req *core.GenerateRequest) (core.TextStream, error) {
	g.mu.Lock()
	g.reqs = append(g.reqs, *req)
	g.mu.Unlock()

	deltas, err := []string{"Hello there."}, error(nil)
	if g.respond != nil {
		deltas, err = g.respond(req)
	}
	if err != nil && len(deltas) == 0 {
		return nil, err
	}
	return &sliceStream{deltas: deltas, tailErr: err, hold: g.hold, ctx: ctx}, nil
}

func (g *fakeGenerator) requests() []core.GenerateRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]core.GenerateRequest, len(g.reqs))
	copy(out, g.reqs)
	return out
}

type fakeTTS struct {
	mu         sync.Mutex
	texts      []string
	chunks     int
	chunkBytes int
	err        error
	hold       chan struct{} // gates every chunk after the first when set
}

func (f *fakeTTS) Name() string { return "faketts" }

func (f *fakeTTS) SynthesizeStream(ctx context.Context, text string, _ tts.SynthesizeOptions) (*tts.SynthesisStream, error) {
	f.mu.Lock()
	f.texts = append(f.texts, text)
	f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	n, size := f.chunks, f.chunkBytes
	if n == 0 {
		n = 3
	}
	if size == 0 {
		size = 320
	}
	st := tts.NewSynthesisStream()
	go func() {
		defer st.FinishSending()
		for i := 0; i < n; i++ {
			if i > 0 && f.hold != nil {
				select {
				case <-f.hold:
				case <-ctx.Done():
					st.SetError(ctx.Err())
					return
				case <-st.Done():
					return
				}
			}
			if !st.Send(make([]byte, size)) {
				return
			}
		}
	}()
	return st, nil
}

func (f *fakeTTS) synthesized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.texts...)
}

type fakeSTTStream struct {
	audio chan []byte
	in    chan stt.TranscriptDelta
	out   chan stt.TranscriptDelta
	done  chan struct{}
	once  sync.Once
}

func newFakeSTTStream() *fakeSTTStream {
	s := &fakeSTTStream{
		audio: make(chan []byte, 256),
		in:    make(chan stt.TranscriptDelta),
		out:   make(chan stt.TranscriptDelta),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(s.out)
		for {
			select {
			case d := <-s.in:
				select {
				case s.out <- d:
				case <-s.done:
					return
				}
			case <-s.done:
				return
			}
		}
	}()
	return s
}

func (s *fakeSTTStream) SendAudio(pcm []byte) error {
	select {
	case <-s.done:
		return errors.New("closed")
	case s.audio <- pcm:
		return nil
	default:
		return nil
	}
}

func (s *fakeSTTStream) Transcripts() <-chan stt.TranscriptDelta { return s.out }
func (s *fakeSTTStream) Done() <-chan struct{}                   { return s.done }
func (s *fakeSTTStream) Err() error                              { return nil }

func (s *fakeSTTStream) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *fakeSTTStream) say(t *testing.T, text string, final bool) {
	t.Helper()
	select {
	case s.in <- stt.TranscriptDelta{Text: text, IsFinal: final}:
	case <-s.done:
		t.Fatalf("stt stream closed before %q", text)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out delivering %q", text)
	}
}

type fakeSTT struct {
	streams chan *fakeSTTStream
	err     error
	calls   int
	mu      sync.Mutex
}

func newFakeSTT() *fakeSTT {
	return &fakeSTT{streams: make(chan *fakeSTTStream, 8)}
}

func (f *fakeSTT) Name() string { return "fakestt" }

func (f *fakeSTT) NewStream(ctx context.Context, opts stt.StreamOptions) (stt.Stream, error) {
	f.mu.Lock()
	f.calls++
	err := f.err
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	s := newFakeSTTStream()
	f.streams <- s
	return s, nil
}

func (f *fakeSTT) nextStream(t *testing.T) *fakeSTTStream {
	t.Helper()
	select {
	case s := <-f.streams:
		return s
	case <-time.After(2 * time.Second):
		t.Fatalf("no stt stream opened")
		return nil
	}
}

type stateLog struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (l *stateLog) observe(s Snapshot) {
	l.mu.Lock()
	l.snaps = append(l.snaps, s)
	l.mu.Unlock()
}

func (l *stateLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.snaps))
	for _, s := range l.snaps {
		out = append(out, s.State)
	}
	return out
}

type harness struct {
	s    *Session
	sink *recordingSink
	gen  *fakeGenerator
	tts  *fakeTTS
	stt  *fakeSTT
	log  *stateLog
	met  Metrics
}

func newHarness(t *testing.T, cfg Config, mutate func(h *harness)) *harness {
	t.Helper()
	h := &harness{
		sink: &recordingSink{},
		gen:  &fakeGenerator{},
		tts:  &fakeTTS{},
		stt:  newFakeSTT(),
		log:  &stateLog{},
	}
	if mutate != nil {
		mutate(h)
	}
	if cfg.PlayoutGrace == 0 {
		cfg.PlayoutGrace = time.Hour
	}
	if cfg.STTReconnectBackoff == 0 {
		cfg.STTReconnectBackoff = time.Millisecond
	}
	s, err := New(Dependencies{
		Out:           h.sink,
		Generator:     h.gen,
		STT:           h.stt,
		TTS:           h.tts,
		OnStateChange: h.log.observe,
		Metrics:       h.met,
		ConnectionID:  "c_test",
		InterviewID:   "iv_1",
		SampleRate:    16000,
		Config:        cfg,
	})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	h.s = s
	t.Cleanup(s.Close)
	return h
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) waitState(t *testing.T, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return h.s.State() == want })
}

// connectSTT pushes audio until the bridge has an upstream stream.
func (h *harness) connectSTT(t *testing.T) *fakeSTTStream {
	t.Helper()
	if h.s.PushAudio(make([]byte, 320)) {
		t.Fatalf("first frame accepted before the stream was connected")
	}
	st := h.stt.nextStream(t)
	waitFor(t, "bridge connected", h.s.bridge.Connected)
	return st
}

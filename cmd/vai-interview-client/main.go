// Command vai-interview-client plays a recorded answer into a voice interview
// and records what the interviewer says.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/vango-go/vai-interview/pkg/client/live"
	"github.com/vango-go/vai-interview/pkg/core/audio"
	"github.com/vango-go/vai-interview/pkg/gateway/auth"
)

type options struct {
	gateway        string
	token          string
	jwtSecret      string
	user           string
	interviewID    string
	input          string
	inputRate      int
	rate           int
	output         string
	frameMS        int
	tailSilence    time.Duration
	silenceRMS     float64
	interruptAfter time.Duration
	linger         time.Duration
	debug          bool
}

func parseFlags(args []string) (options, error) {
	var opt options
	fs := flag.NewFlagSet("vai-interview-client", flag.ContinueOnError)
	fs.StringVar(&opt.gateway, "gateway", envOr("VAI_VOICE_GATEWAY", "http://localhost:8080"), "Gateway base URL (http(s):// or ws(s)://)")
	fs.StringVar(&opt.token, "token", os.Getenv("VAI_VOICE_TOKEN"), "session_start token (also reads VAI_VOICE_TOKEN)")
	fs.StringVar(&opt.jwtSecret, "jwt-secret", os.Getenv("VAI_VOICE_JWT_SECRET"), "Mint a short-lived token with this HS256 secret when -token is empty")
	fs.StringVar(&opt.user, "user", "dev-candidate", "Subject of a minted token")
	fs.StringVar(&opt.interviewID, "interview", "", "Interview id; required")
	fs.StringVar(&opt.input, "in", "", "Answer audio: .wav (PCM16) or raw pcm_s16le mono; required")
	fs.IntVar(&opt.inputRate, "in-rate", audio.DefaultSampleRate, "Sample rate of a raw -in file")
	fs.IntVar(&opt.rate, "rate", audio.DefaultSampleRate, "Sample rate declared in session_start")
	fs.StringVar(&opt.output, "out", "", "Write interviewer audio here (.wav or raw pcm)")
	fs.IntVar(&opt.frameMS, "frame-ms", 20, "Capture frame duration in ms")
	fs.DurationVar(&opt.tailSilence, "tail-silence", 1500*time.Millisecond, "Silence streamed after the answer so the recognizer can finalize")
	fs.Float64Var(&opt.silenceRMS, "silence-rms", 0.01, "RMS below which leading input frames are skipped")
	fs.DurationVar(&opt.interruptAfter, "interrupt-after", 0, "If set, interrupt the interviewer this long after the answer's reply starts")
	fs.DurationVar(&opt.linger, "linger", 20*time.Second, "How long to wait for the interviewer's reply after the answer")
	fs.BoolVar(&opt.debug, "debug", false, "Debug logging")
	if err := fs.Parse(args); err != nil {
		return opt, err
	}
	if strings.TrimSpace(opt.interviewID) == "" {
		return opt, errors.New("-interview is required")
	}
	if strings.TrimSpace(opt.input) == "" {
		return opt, errors.New("-in is required")
	}
	if opt.frameMS <= 0 || opt.frameMS > 1000 {
		return opt, errors.New("-frame-ms must be between 1 and 1000")
	}
	if !audio.ValidSampleRate(opt.rate) {
		return opt, fmt.Errorf("-rate must be between %d and %d", audio.MinSampleRate, audio.MaxSampleRate)
	}
	if opt.token == "" && opt.jwtSecret != "" {
		token, err := devToken(opt.jwtSecret, opt.user, time.Now())
		if err != nil {
			return opt, fmt.Errorf("mint token: %w", err)
		}
		opt.token = token
	}
	return opt, nil
}

// devToken signs a one-hour token the gateway's JWT mode accepts.
func devToken(secret, user string, now time.Time) (string, error) {
	return auth.Issue(secret, auth.Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   user,
		Issuer:    os.Getenv("VAI_VOICE_JWT_ISSUER"),
		Audience:  audience(os.Getenv("VAI_VOICE_JWT_AUDIENCE")),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
	}})
}

func audience(aud string) jwt.ClaimStrings {
	if aud = strings.TrimSpace(aud); aud == "" {
		return nil
	}
	return jwt.ClaimStrings{aud}
}

func envOr(key, fallback string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return fallback
}

// loadAnswer reads the input and converts it to PCM16 at rate.
func loadAnswer(path string, rawRate, rate int) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var (
		samples []float32
		srcRate int
	)
	if strings.EqualFold(filepath.Ext(path), ".wav") {
		samples, srcRate, err = readWAV(f)
		if err != nil {
			return nil, err
		}
	} else {
		pcm, err := io.ReadAll(f)
		if err != nil {
			return nil, err
		}
		samples, srcRate = audio.DecodePCM16(pcm), rawRate
	}
	return audio.EncodePCM16(audio.Resample(samples, srcRate, rate)), nil
}

// frames splits pcm into frameBytes chunks, dropping leading frames quieter
// than silenceRMS.
func frames(pcm []byte, frameBytes int, silenceRMS float64) [][]byte {
	var out [][]byte
	started := silenceRMS <= 0
	for off := 0; off < len(pcm); off += frameBytes {
		end := off + frameBytes
		if end > len(pcm) {
			end = len(pcm)
		}
		frame := pcm[off:end]
		if !started {
			if audio.IsSilence(frame, silenceRMS) {
				continue
			}
			started = true
		}
		out = append(out, frame)
	}
	return out
}

func frameBytes(rate, frameMS int) int {
	return rate * frameMS / 1000 * audio.BytesPerSample
}

type sink interface {
	io.Writer
	Close() error
}

type nopSink struct{ io.Writer }

func (nopSink) Close() error { return nil }

func openSink(path string, rate int) (sink, error) {
	if path == "" {
		return nopSink{io.Discard}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if !strings.EqualFold(filepath.Ext(path), ".wav") {
		return f, nil
	}
	w, err := newWAVWriter(f, rate)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return fileWAV{wavWriter: w, f: f}, nil
}

type fileWAV struct {
	*wavWriter
	f *os.File
}

func (w fileWAV) Close() error {
	return errors.Join(w.wavWriter.Close(), w.f.Close())
}

// turnSignals fan server state out to the sender goroutine.
type turnSignals struct {
	mu        sync.Mutex
	listening chan struct{}
	speaking  chan struct{}
}

func newTurnSignals() *turnSignals {
	return &turnSignals{listening: make(chan struct{}), speaking: make(chan struct{})}
}

func (t *turnSignals) wait(ctx context.Context, which func(*turnSignals) chan struct{}) error {
	t.mu.Lock()
	ch := which(t)
	t.mu.Unlock()
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *turnSignals) observe(state string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var ch *chan struct{}
	switch state {
	case "LISTENING":
		ch = &t.listening
	case "SPEAKING":
		ch = &t.speaking
	default:
		return
	}
	close(*ch)
	*ch = make(chan struct{})
}

func listening(t *turnSignals) chan struct{} { return t.listening }
func speaking(t *turnSignals) chan struct{}  { return t.speaking }

func run(ctx context.Context, logger *slog.Logger, opt options) error {
	answer, err := loadAnswer(opt.input, opt.inputRate, opt.rate)
	if err != nil {
		return fmt.Errorf("load answer: %w", err)
	}

	s, err := live.Dial(ctx, live.Options{
		URL:         opt.gateway,
		Token:       opt.token,
		InterviewID: opt.interviewID,
		SampleRate:  opt.rate,
	})
	if err != nil {
		return fmt.Errorf("start session: %w", err)
	}
	defer s.Close()
	logger.Info("session started", "session_id", s.ID, "audio_out_hz", s.AudioOut.SampleRateHz)

	outRate := s.AudioOut.SampleRateHz
	if outRate <= 0 {
		outRate = audio.DefaultSampleRate
	}
	out, err := openSink(opt.output, outRate)
	if err != nil {
		return fmt.Errorf("open output: %w", err)
	}
	defer out.Close()

	player := live.NewPlayer(out, outRate, nil, func() {
		if err := s.PlaybackComplete(); err != nil {
			logger.Debug("playback_complete not sent", "error", err)
		}
	})
	defer player.Close()

	signals := newTurnSignals()
	g, gctx := errgroup.WithContext(ctx)
	sendCtx, stopSending := context.WithCancel(gctx)
	defer stopSending()

	g.Go(func() error {
		defer stopSending()
		for ev := range s.Events() {
			switch e := ev.(type) {
			case live.StateEvent:
				logger.Info("state", "state", e.State)
				signals.observe(e.State)
			case live.TextEvent:
				fmt.Print(e.Text)
			case live.AudioEvent:
				if _, err := player.Play(e.PCM); err != nil {
					return fmt.Errorf("write output: %w", err)
				}
			case live.AudioEndEvent:
				fmt.Println()
				player.EndOfSpeech()
			case live.FallbackEvent:
				fmt.Printf("\n[local synthesis] %s\n", e.Text)
				player.EndOfSpeech()
			case live.TranscriptEvent:
				logger.Debug("transcript", "text", e.Text, "final", e.IsFinal)
			case live.WarningEvent:
				logger.Warn("server warning", "code", e.Code, "message", e.Message)
			case live.ErrorEvent:
				logger.Error("server error", "code", e.Code, "message", e.Message)
			case live.UnknownEvent:
				logger.Debug("unknown event", "type", e.Type)
			}
		}
		return s.Err()
	})

	g.Go(func() error {
		// Answer once the greeting has played.
		if err := signals.wait(sendCtx, listening); err != nil {
			return nil
		}
		if err := stream(sendCtx, s, answer, opt); err != nil {
			return err
		}

		replyCtx, cancel := context.WithTimeout(sendCtx, opt.linger)
		defer cancel()
		if opt.interruptAfter > 0 {
			if err := signals.wait(replyCtx, speaking); err == nil {
				select {
				case <-time.After(opt.interruptAfter):
					player.Flush()
					logger.Info("interrupting")
					if err := s.Interrupt(); err != nil {
						return err
					}
				case <-replyCtx.Done():
				}
			}
		}
		_ = signals.wait(replyCtx, listening)

		if err := s.End(); err != nil && !errors.Is(err, live.ErrClosed) {
			return err
		}
		return s.Close()
	})

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// stream sends the answer in real time, followed by silence.
func stream(ctx context.Context, s *live.Session, answer []byte, opt options) error {
	size := frameBytes(opt.rate, opt.frameMS)
	chunks := frames(answer, size, opt.silenceRMS)
	silence := make([]byte, size)
	for d := time.Duration(0); d < opt.tailSilence; d += time.Duration(opt.frameMS) * time.Millisecond {
		chunks = append(chunks, silence)
	}

	ticker := time.NewTicker(time.Duration(opt.frameMS) * time.Millisecond)
	defer ticker.Stop()
	for _, c := range chunks {
		if err := s.SendAudio(c); err != nil {
			return fmt.Errorf("send audio: %w", err)
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}

func main() {
	_ = godotenv.Load()

	opt, err := parseFlags(os.Args[1:])
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "vai-interview-client: %v\n", err)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if opt.debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, opt); err != nil {
		fmt.Fprintf(os.Stderr, "vai-interview-client: %v\n", err)
		os.Exit(1)
	}
}

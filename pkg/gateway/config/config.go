package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	yaml "go.yaml.in/yaml/v2"

	"github.com/vango-go/vai-interview/pkg/core/audio"
	"github.com/vango-go/vai-interview/pkg/core/voice"
	"github.com/vango-go/vai-interview/pkg/gateway/interviews"
)

type AuthMode string

const (
	AuthModeJWT      AuthMode = "jwt"
	AuthModeStatic   AuthMode = "static"
	AuthModeDisabled AuthMode = "disabled"
)

// Prompts overrides the interviewer's fixed texts. Empty fields keep the built-in defaults.
type Prompts struct {
	System           string `yaml:"system"`
	Greeting         string `yaml:"greeting"`
	GreetingFallback string `yaml:"greeting_fallback"`
	GreetingFailure  string `yaml:"greeting_failure"`
	Apology          string `yaml:"apology"`
}

// File is the optional YAML document named by VAI_VOICE_CONFIG_FILE.
type File struct {
	Prompts    Prompts                `yaml:"prompts"`
	Interviews []interviews.Interview `yaml:"interviews"`
}

type Config struct {
	Addr string

	// Authentication of session_start tokens.
	AuthMode     AuthMode
	JWTSecret    string
	JWTIssuer    string
	JWTAudience  string
	StaticTokens map[string]string // token => user id

	// Interview lookup. Empty DatabaseURL uses the in-memory table from the config file.
	DatabaseURL     string
	DatabaseMigrate bool

	// Optional Redis mirror of live session state.
	RedisURL        string
	RedisSessionTTL time.Duration

	// If true, client identity may be derived from proxy headers like X-Forwarded-For.
	// This should only be enabled when the gateway is deployed behind a trusted proxy/LB.
	TrustProxyHeaders  bool
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Provider credentials.
	OpenAIAPIKey     string
	GeminiAPIKey     string
	GroqAPIKey       string
	DeepgramAPIKey   string
	ElevenLabsAPIKey string

	// Conversation.
	Model        string
	MaxTokens    int
	FlushPolicy  voice.FlushPolicy
	HistoryTurns int
	Prompts      Prompts
	Interviews   []interviews.Interview

	TTSVoice         string
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

	// Voice WebSocket (/v1/voice).
	MaxAudioFrameBytes     int
	MaxJSONMessageBytes    int64
	MaxAudioFPS            int
	MaxAudioBytesPerSecond int64
	InboundBurstSeconds    int
	WSPingInterval         time.Duration
	WSWriteTimeout         time.Duration
	WSReadTimeout          time.Duration
	WSHandshakeTimeout     time.Duration
	WSMaxSessionDuration   time.Duration
	OutboundQueueFrames    int

	// Upgrade limits (per client IP).
	LimitRPS                 float64
	LimitBurst               int
	LimitMaxConnectionsPerIP int

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration

	// Upstream HTTP client defaults
	UpstreamConnectTimeout        time.Duration
	UpstreamResponseHeaderTimeout time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                          envOr("VAI_VOICE_ADDR", ":8080"),
		AuthMode:                      AuthMode(envOr("VAI_VOICE_AUTH_MODE", string(AuthModeJWT))),
		JWTSecret:                     envOr("VAI_VOICE_JWT_SECRET", ""),
		JWTIssuer:                     envOr("VAI_VOICE_JWT_ISSUER", ""),
		JWTAudience:                   envOr("VAI_VOICE_JWT_AUDIENCE", ""),
		StaticTokens:                  make(map[string]string),
		DatabaseURL:                   envOr("VAI_VOICE_DATABASE_URL", ""),
		DatabaseMigrate:               envBoolOr("VAI_VOICE_DATABASE_MIGRATE", false),
		RedisURL:                      envOr("VAI_VOICE_REDIS_URL", ""),
		RedisSessionTTL:               envDurationOr("VAI_VOICE_REDIS_SESSION_TTL", 2*time.Hour),
		TrustProxyHeaders:             envBoolOr("VAI_VOICE_TRUST_PROXY_HEADERS", false),
		CORSAllowedOrigins:            make(map[string]struct{}),
		OpenAIAPIKey:                  envOr("OPENAI_API_KEY", ""),
		GeminiAPIKey:                  envOr("GEMINI_API_KEY", ""),
		GroqAPIKey:                    envOr("GROQ_API_KEY", ""),
		DeepgramAPIKey:                envOr("DEEPGRAM_API_KEY", ""),
		ElevenLabsAPIKey:              envOr("ELEVENLABS_API_KEY", ""),
		Model:                         envOr("VAI_VOICE_MODEL", "openai/gpt-4o-mini"),
		MaxTokens:                     envIntOr("VAI_VOICE_MAX_TOKENS", 256),
		FlushPolicy:                   voice.FlushPolicy(envOr("VAI_VOICE_FLUSH_POLICY", string(voice.FlushFull))),
		HistoryTurns:                  envIntOr("VAI_VOICE_HISTORY_TURNS", 20),
		TTSVoice:                      envOr("VAI_VOICE_TTS_VOICE", "EXAVITQu4vr4xnSDxMaL"),
		TTSModel:                      envOr("VAI_VOICE_TTS_MODEL", "eleven_turbo_v2_5"),
		OutputSampleRate:              envIntOr("VAI_VOICE_OUTPUT_SAMPLE_RATE", audio.DefaultSampleRate),
		STTModel:                      envOr("VAI_VOICE_STT_MODEL", "nova-2"),
		STTLanguage:                   envOr("VAI_VOICE_STT_LANGUAGE", "en-US"),
		STTConnectTimeout:             envDurationOr("VAI_VOICE_STT_CONNECT_TIMEOUT", 5*time.Second),
		STTReconnectBackoff:           envDurationOr("VAI_VOICE_STT_RECONNECT_BACKOFF", time.Second),
		CaptureQueueFrames:            envIntOr("VAI_VOICE_CAPTURE_QUEUE_FRAMES", 64),
		GenerateTimeout:               envDurationOr("VAI_VOICE_GENERATE_TIMEOUT", 20*time.Second),
		SynthesisTimeout:              envDurationOr("VAI_VOICE_SYNTHESIS_TIMEOUT", 20*time.Second),
		TurnTimeout:                   envDurationOr("VAI_VOICE_TURN_TIMEOUT", 45*time.Second),
		PlayoutGrace:                  envDurationOr("VAI_VOICE_PLAYOUT_GRACE", 250*time.Millisecond),
		MaxAudioFrameBytes:            envIntOr("VAI_VOICE_MAX_AUDIO_FRAME_BYTES", 32*1024),
		MaxJSONMessageBytes:           envInt64Or("VAI_VOICE_MAX_JSON_MESSAGE_BYTES", 64*1024),
		MaxAudioFPS:                   envIntOr("VAI_VOICE_MAX_AUDIO_FPS", 120),
		MaxAudioBytesPerSecond:        envInt64Or("VAI_VOICE_MAX_AUDIO_BPS", 128*1024),
		InboundBurstSeconds:           envIntOr("VAI_VOICE_INBOUND_BURST_SECONDS", 2),
		WSPingInterval:                envDurationOr("VAI_VOICE_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:                envDurationOr("VAI_VOICE_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:                 envDurationOr("VAI_VOICE_WS_READ_TIMEOUT", 0),
		WSHandshakeTimeout:            envDurationOr("VAI_VOICE_WS_HANDSHAKE_TIMEOUT", 5*time.Second),
		WSMaxSessionDuration:          envDurationOr("VAI_VOICE_WS_MAX_DURATION", 2*time.Hour),
		OutboundQueueFrames:           envIntOr("VAI_VOICE_OUTBOUND_QUEUE_FRAMES", 256),
		LimitRPS:                      envFloat64Or("VAI_VOICE_RATE_LIMIT_RPS", 2.0),
		LimitBurst:                    envIntOr("VAI_VOICE_RATE_LIMIT_BURST", 4),
		LimitMaxConnectionsPerIP:      envIntOr("VAI_VOICE_MAX_CONNECTIONS_PER_IP", 4),
		ReadHeaderTimeout:             envDurationOr("VAI_VOICE_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:           envDurationOr("VAI_VOICE_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		UpstreamConnectTimeout:        envDurationOr("VAI_VOICE_CONNECT_TIMEOUT", 5*time.Second),
		UpstreamResponseHeaderTimeout: envDurationOr("VAI_VOICE_RESPONSE_HEADER_TIMEOUT", 30*time.Second),
	}

	for _, pair := range splitCSV(os.Getenv("VAI_VOICE_STATIC_TOKENS")) {
		token, user, ok := strings.Cut(pair, ":")
		token, user = strings.TrimSpace(token), strings.TrimSpace(user)
		if !ok || token == "" || user == "" {
			return Config{}, fmt.Errorf("VAI_VOICE_STATIC_TOKENS entries must be token:user_id")
		}
		cfg.StaticTokens[token] = user
	}

	for _, origin := range splitCSV(os.Getenv("VAI_VOICE_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if path := envOr("VAI_VOICE_CONFIG_FILE", ""); path != "" {
		file, err := LoadFile(path)
		if err != nil {
			return Config{}, err
		}
		cfg.Prompts = file.Prompts
		cfg.Interviews = file.Interviews
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadFile reads the YAML config file.
func LoadFile(path string) (File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return File{}, fmt.Errorf("read config: %w", err)
	}
	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml", "":
	default:
		return File{}, fmt.Errorf("unsupported config format: %s", ext)
	}
	var file File
	if err := yaml.UnmarshalStrict(data, &file); err != nil {
		return File{}, fmt.Errorf("parse yaml config: %w", err)
	}
	seen := make(map[string]struct{}, len(file.Interviews))
	for i, iv := range file.Interviews {
		id := strings.TrimSpace(iv.ID)
		if id == "" {
			return File{}, fmt.Errorf("interviews[%d].id is required", i)
		}
		if _, dup := seen[id]; dup {
			return File{}, fmt.Errorf("interviews[%d].id %q is duplicated", i, id)
		}
		seen[id] = struct{}{}
	}
	return file, nil
}

func (cfg Config) Validate() error {
	switch cfg.AuthMode {
	case AuthModeJWT:
		if cfg.JWTSecret == "" {
			return fmt.Errorf("VAI_VOICE_JWT_SECRET must be set when VAI_VOICE_AUTH_MODE=jwt")
		}
	case AuthModeStatic:
		if len(cfg.StaticTokens) == 0 {
			return fmt.Errorf("VAI_VOICE_STATIC_TOKENS must be set when VAI_VOICE_AUTH_MODE=static")
		}
	case AuthModeDisabled:
	default:
		return fmt.Errorf("VAI_VOICE_AUTH_MODE must be one of jwt|static|disabled")
	}

	if _, err := voice.ParseFlushPolicy(string(cfg.FlushPolicy)); err != nil {
		return fmt.Errorf("VAI_VOICE_FLUSH_POLICY: %w", err)
	}
	if strings.TrimSpace(cfg.Model) == "" || !strings.Contains(cfg.Model, "/") {
		return fmt.Errorf("VAI_VOICE_MODEL must be provider/model")
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("VAI_VOICE_MAX_TOKENS must be >= 0")
	}
	if cfg.HistoryTurns < 0 {
		return fmt.Errorf("VAI_VOICE_HISTORY_TURNS must be >= 0")
	}
	if !audio.ValidSampleRate(cfg.OutputSampleRate) {
		return fmt.Errorf("VAI_VOICE_OUTPUT_SAMPLE_RATE must be between %d and %d", audio.MinSampleRate, audio.MaxSampleRate)
	}
	if cfg.RedisSessionTTL < 0 {
		return fmt.Errorf("VAI_VOICE_REDIS_SESSION_TTL must be >= 0")
	}
	if cfg.STTConnectTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_STT_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.STTReconnectBackoff < 0 {
		return fmt.Errorf("VAI_VOICE_STT_RECONNECT_BACKOFF must be >= 0")
	}
	if cfg.CaptureQueueFrames <= 0 {
		return fmt.Errorf("VAI_VOICE_CAPTURE_QUEUE_FRAMES must be > 0")
	}
	if cfg.GenerateTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_GENERATE_TIMEOUT must be > 0")
	}
	if cfg.SynthesisTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_SYNTHESIS_TIMEOUT must be > 0")
	}
	if cfg.TurnTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_TURN_TIMEOUT must be > 0")
	}
	if cfg.PlayoutGrace < 0 {
		return fmt.Errorf("VAI_VOICE_PLAYOUT_GRACE must be >= 0")
	}
	if cfg.MaxAudioFrameBytes <= 0 {
		return fmt.Errorf("VAI_VOICE_MAX_AUDIO_FRAME_BYTES must be > 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return fmt.Errorf("VAI_VOICE_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.MaxAudioFPS < 0 {
		return fmt.Errorf("VAI_VOICE_MAX_AUDIO_FPS must be >= 0")
	}
	if cfg.MaxAudioBytesPerSecond < 0 {
		return fmt.Errorf("VAI_VOICE_MAX_AUDIO_BPS must be >= 0")
	}
	if cfg.InboundBurstSeconds < 0 {
		return fmt.Errorf("VAI_VOICE_INBOUND_BURST_SECONDS must be >= 0")
	}
	if (cfg.MaxAudioFPS > 0 || cfg.MaxAudioBytesPerSecond > 0) && cfg.InboundBurstSeconds < 1 {
		return fmt.Errorf("VAI_VOICE_INBOUND_BURST_SECONDS must be >= 1 when inbound audio limits are enabled")
	}
	if cfg.WSPingInterval <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return fmt.Errorf("VAI_VOICE_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.WSHandshakeTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_HANDSHAKE_TIMEOUT must be > 0")
	}
	if cfg.WSMaxSessionDuration <= 0 {
		return fmt.Errorf("VAI_VOICE_WS_MAX_DURATION must be > 0")
	}
	if cfg.OutboundQueueFrames <= 0 {
		return fmt.Errorf("VAI_VOICE_OUTBOUND_QUEUE_FRAMES must be > 0")
	}
	if cfg.LimitRPS < 0 {
		return fmt.Errorf("VAI_VOICE_RATE_LIMIT_RPS must be >= 0")
	}
	if cfg.LimitBurst < 0 {
		return fmt.Errorf("VAI_VOICE_RATE_LIMIT_BURST must be >= 0")
	}
	if cfg.LimitMaxConnectionsPerIP < 0 {
		return fmt.Errorf("VAI_VOICE_MAX_CONNECTIONS_PER_IP must be >= 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("VAI_VOICE_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if cfg.UpstreamConnectTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_CONNECT_TIMEOUT must be > 0")
	}
	if cfg.UpstreamResponseHeaderTimeout <= 0 {
		return fmt.Errorf("VAI_VOICE_RESPONSE_HEADER_TIMEOUT must be > 0")
	}
	return nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envFloat64Or(key string, def float64) float64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

// envDurationOr accepts Go durations ("750ms") or bare milliseconds ("750").
func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}

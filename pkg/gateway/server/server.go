package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-interview/pkg/gateway/auth"
	"github.com/vango-go/vai-interview/pkg/gateway/config"
	"github.com/vango-go/vai-interview/pkg/gateway/handlers"
	"github.com/vango-go/vai-interview/pkg/gateway/interviews"
	"github.com/vango-go/vai-interview/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/metrics"
	"github.com/vango-go/vai-interview/pkg/gateway/mw"
	"github.com/vango-go/vai-interview/pkg/gateway/ratelimit"
	"github.com/vango-go/vai-interview/pkg/gateway/upstream"
)

const voicePath = "/v1/voice"

// Deps are the optional external connections a Server uses. Nil fields fall
// back to in-process implementations.
type Deps struct {
	Redis redis.UniversalClient
	DB    *pgxpool.Pool

	// Providers overrides the upstream providers built from the config.
	Providers *handlers.Providers
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	lifecycle *lifecycle.Lifecycle
	limiter   *ratelimit.Limiter
	registry  *sessions.Registry
	mirror    *sessions.RedisMirror
	metrics   *metrics.Metrics

	baseCtx    context.Context
	cancelBase context.CancelFunc
}

func New(cfg config.Config, logger *slog.Logger, deps Deps) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	validator, err := newValidator(cfg)
	if err != nil {
		return nil, err
	}

	providers := deps.Providers
	if providers == nil {
		f := upstream.Factory{HTTPClient: upstream.NewHTTPClient(cfg)}
		engine, err := f.Engine(cfg)
		if err != nil {
			return nil, fmt.Errorf("configure generator: %w", err)
		}
		providers = &handlers.Providers{Generator: engine, STT: f.STT(cfg), TTS: f.TTS(cfg)}
	}

	var store interviews.Store
	if deps.DB != nil {
		store = interviews.NewPostgres(deps.DB)
	} else {
		store = interviews.NewMemory(cfg.Interviews...)
	}

	m := metrics.New()
	registryOpts := []sessions.Option{sessions.WithCountHook(m.SetSessions)}
	var mirror *sessions.RedisMirror
	if deps.Redis != nil {
		mirror = sessions.NewRedisMirror(deps.Redis,
			sessions.WithMirrorTTL(cfg.RedisSessionTTL),
			sessions.WithMirrorLogger(logger))
		registryOpts = append(registryOpts, sessions.WithMirror(mirror))
	}

	baseCtx, cancelBase := context.WithCancel(context.Background())
	s := &Server{
		cfg:       cfg,
		logger:    logger,
		mux:       http.NewServeMux(),
		lifecycle: &lifecycle.Lifecycle{},
		limiter: ratelimit.New(ratelimit.Config{
			RPS:            cfg.LimitRPS,
			Burst:          cfg.LimitBurst,
			MaxConnections: cfg.LimitMaxConnectionsPerIP,
		}),
		registry:   sessions.NewRegistry(registryOpts...),
		mirror:     mirror,
		metrics:    m,
		baseCtx:    baseCtx,
		cancelBase: cancelBase,
	}

	s.routes(validator, store, *providers, deps)
	return s, nil
}

func newValidator(cfg config.Config) (auth.Validator, error) {
	switch cfg.AuthMode {
	case config.AuthModeDisabled:
		return auth.Disabled{}, nil
	case config.AuthModeStatic:
		return auth.Static(cfg.StaticTokens), nil
	case config.AuthModeJWT:
		return auth.NewJWTValidator(auth.JWTConfig{
			Secret:   cfg.JWTSecret,
			Issuer:   cfg.JWTIssuer,
			Audience: cfg.JWTAudience,
			Leeway:   30 * time.Second,
		})
	default:
		return nil, fmt.Errorf("unknown auth mode %q", cfg.AuthMode)
	}
}

func (s *Server) routes(validator auth.Validator, store interviews.Store, providers handlers.Providers, deps Deps) {
	var checks []handlers.Check
	if deps.DB != nil {
		checks = append(checks, handlers.Check{Name: "postgres", Ping: deps.DB.Ping})
	}
	if deps.Redis != nil {
		checks = append(checks, handlers.Check{Name: "redis", Ping: func(ctx context.Context) error {
			return deps.Redis.Ping(ctx).Err()
		}})
	}

	s.mux.Handle("/healthz", handlers.HealthHandler{})
	s.mux.Handle("/readyz", handlers.ReadyHandler{
		Config:    s.cfg,
		Lifecycle: s.lifecycle,
		Checks:    checks,
		Sessions:  s.registry.Count,
	})
	s.mux.Handle("/metrics", s.metrics.Handler())
	s.mux.Handle(voicePath, handlers.VoiceHandler{
		Config:      s.cfg,
		Logger:      s.logger,
		Lifecycle:   s.lifecycle,
		Limiter:     s.limiter,
		Registry:    s.registry,
		Metrics:     s.metrics,
		Auth:        validator,
		Interviews:  store,
		Providers:   providers,
		BaseContext: s.baseCtx,
	})
	s.mux.Handle("/", handlers.NotFoundHandler{})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.RateLimit(s.cfg.TrustProxyHeaders, s.limiter, func(path string) bool { return path == voicePath }, h)
	h = mw.CORS(s.cfg, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

func (s *Server) Registry() *sessions.Registry { return s.registry }

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.lifecycle }

// Drain stops admitting sessions, tells every client, interrupts in-flight
// speech and waits for sessions to end until ctx is done. Whatever is still
// open afterwards is closed.
func (s *Server) Drain(ctx context.Context) {
	if !s.lifecycle.Drain(time.Now()) {
		return
	}
	active := s.registry.Count()
	s.logger.Info("draining voice sessions", "active_sessions", active)

	s.registry.ErrorAll(protocol.CodeDraining, "gateway is shutting down")
	s.registry.InterruptAll()
	if !s.registry.Wait(ctx) {
		closed := s.registry.CloseAll()
		s.logger.Warn("drain grace period elapsed", "closed_sessions", closed)
	}
	s.cancelBase()

	if s.mirror != nil {
		flushCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.mirror.Close(flushCtx)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/vango-go/vai-interview/pkg/gateway/config"
	"github.com/vango-go/vai-interview/pkg/gateway/interviews"
	gatewayserver "github.com/vango-go/vai-interview/pkg/gateway/server"
)

const connectTimeout = 10 * time.Second

type gatewayDeps struct {
	loadConfig   func() (config.Config, error)
	connect      func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error)
	newGateway   func(config.Config, *slog.Logger, gatewayserver.Deps) (*gatewayserver.Server, error)
	signalNotify func(chan<- os.Signal, ...os.Signal)
	signalStop   func(chan<- os.Signal)
}

func defaultGatewayDeps() gatewayDeps {
	return gatewayDeps{
		loadConfig: config.LoadFromEnv,
		connect:    connectExternal,
		newGateway: gatewayserver.New,
		signalNotify: func(c chan<- os.Signal, sig ...os.Signal) {
			signal.Notify(c, sig...)
		},
		signalStop: signal.Stop,
	}
}

// connectExternal opens the optional Postgres pool and Redis client named by cfg.
// The returned func closes whatever was opened.
func connectExternal(ctx context.Context, cfg config.Config, logger *slog.Logger) (gatewayserver.Deps, func(), error) {
	var deps gatewayserver.Deps
	var closers []func()
	closeAll := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	ctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	if cfg.DatabaseURL != "" {
		pool, err := interviews.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return deps, nil, err
		}
		closers = append(closers, pool.Close)
		if cfg.DatabaseMigrate {
			results, err := interviews.Migrate(ctx, pool)
			if err != nil {
				closeAll()
				return deps, nil, err
			}
			logger.Info("database migrated", "applied", len(results))
		}
		deps.DB = pool
	}

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			closeAll()
			return deps, nil, fmt.Errorf("parse redis url: %w", err)
		}
		client := redis.NewClient(opts)
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			closeAll()
			return deps, nil, fmt.Errorf("ping redis: %w", err)
		}
		closers = append(closers, func() { _ = client.Close() })
		deps.Redis = client
	}

	return deps, closeAll, nil
}

func buildHTTPServer(cfg config.Config, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
}

func runGateway(ctx context.Context, logger *slog.Logger, deps gatewayDeps) error {
	if deps.loadConfig == nil || deps.connect == nil || deps.newGateway == nil {
		return errors.New("missing gateway dependency")
	}
	if deps.signalNotify == nil || deps.signalStop == nil {
		return errors.New("missing signal dependency")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg, err := deps.loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	external, closeExternal, err := deps.connect(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	if closeExternal != nil {
		defer closeExternal()
	}

	gw, err := deps.newGateway(cfg, logger, external)
	if err != nil {
		return fmt.Errorf("configure gateway: %w", err)
	}
	httpSrv := buildHTTPServer(cfg, gw.Handler())

	logger.Info("starting voice gateway",
		"addr", cfg.Addr,
		"auth_mode", cfg.AuthMode,
		"model", cfg.Model,
		"postgres", external.DB != nil,
		"redis", external.Redis != nil,
	)

	listenErrCh := make(chan error, 1)
	go func() {
		err := httpSrv.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			listenErrCh <- err
			return
		}
		listenErrCh <- nil
	}()

	sigCh := make(chan os.Signal, 1)
	deps.signalNotify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer deps.signalStop(sigCh)

	select {
	case err := <-listenErrCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	}

	// Sessions live on hijacked connections that Shutdown does not track, so
	// they are drained first.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer drainCancel()
	gw.Drain(drainCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGracePeriod)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown http server: %w", err)
	}

	if err := <-listenErrCh; err != nil {
		return fmt.Errorf("serve: %w", err)
	}

	logger.Info("voice gateway stopped")
	return nil
}

func runMain(ctx context.Context, stderr io.Writer, deps gatewayDeps) int {
	if stderr == nil {
		stderr = os.Stderr
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: logLevel()}))

	// Variables already set in the environment win over .env.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(stderr, "vai-interview: load .env: %v\n", err)
		return 1
	}

	if err := runGateway(ctx, logger, deps); err != nil {
		fmt.Fprintf(stderr, "vai-interview: %v\n", err)
		return 1
	}
	return 0
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(os.Getenv("VAI_VOICE_LOG_LEVEL"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func main() {
	os.Exit(runMain(context.Background(), os.Stderr, defaultGatewayDeps()))
}

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/vango-go/vai-interview/pkg/gateway/config"
	gatewayserver "github.com/vango-go/vai-interview/pkg/gateway/server"
)

func noSignals() (func(chan<- os.Signal, ...os.Signal), func(chan<- os.Signal)) {
	return func(chan<- os.Signal, ...os.Signal) {}, func(chan<- os.Signal) {}
}

func TestRunMain_ReturnsNonZeroWhenConfigLoadFails(t *testing.T) {
	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) {
			return config.Config{}, errors.New("boom")
		},
		connect: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error) {
			t.Fatalf("connect should not be called when config load fails")
			return gatewayserver.Deps{}, nil, nil
		},
		newGateway: func(config.Config, *slog.Logger, gatewayserver.Deps) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when config load fails")
			return nil, nil
		},
		signalNotify: notify,
		signalStop:   stop,
	})

	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
	if !bytes.Contains(stderr.Bytes(), []byte("boom")) {
		t.Fatalf("stderr=%q", stderr.String())
	}
}

func TestRunMain_ReturnsNonZeroWhenConnectFails(t *testing.T) {
	notify, stop := noSignals()
	var stderr bytes.Buffer
	exitCode := runMain(context.Background(), &stderr, gatewayDeps{
		loadConfig: func() (config.Config, error) { return config.Config{}, nil },
		connect: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error) {
			return gatewayserver.Deps{}, nil, errors.New("database unreachable")
		},
		newGateway: func(config.Config, *slog.Logger, gatewayserver.Deps) (*gatewayserver.Server, error) {
			t.Fatalf("newGateway should not be called when connect fails")
			return nil, nil
		},
		signalNotify: notify,
		signalStop:   stop,
	})
	if exitCode != 1 {
		t.Fatalf("exitCode=%d, want 1", exitCode)
	}
}

func TestBuildHTTPServer_UsesConfiguredAddress(t *testing.T) {
	cfg := config.Config{Addr: "127.0.0.1:9999", ReadHeaderTimeout: 2 * time.Second}
	srv := buildHTTPServer(cfg, http.NotFoundHandler())
	if srv.Addr != cfg.Addr {
		t.Fatalf("Addr=%q, want %q", srv.Addr, cfg.Addr)
	}
	if srv.ReadHeaderTimeout != cfg.ReadHeaderTimeout {
		t.Fatalf("ReadHeaderTimeout=%v, want %v", srv.ReadHeaderTimeout, cfg.ReadHeaderTimeout)
	}
}

func TestConnectExternal(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	t.Run("nothing configured", func(t *testing.T) {
		deps, closeFn, err := connectExternal(context.Background(), config.Config{}, logger)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		closeFn()
		if deps.DB != nil || deps.Redis != nil {
			t.Fatalf("deps=%+v", deps)
		}
	})

	t.Run("redis", func(t *testing.T) {
		mr := miniredis.RunT(t)
		deps, closeFn, err := connectExternal(context.Background(), config.Config{RedisURL: "redis://" + mr.Addr()}, logger)
		if err != nil {
			t.Fatalf("err=%v", err)
		}
		defer closeFn()
		if deps.Redis == nil {
			t.Fatalf("redis client not set")
		}
	})

	t.Run("bad redis url", func(t *testing.T) {
		_, _, err := connectExternal(context.Background(), config.Config{RedisURL: "mysql://nope"}, logger)
		if err == nil {
			t.Fatalf("expected error")
		}
	})
}

func TestRunGateway_DrainsOnSignal(t *testing.T) {
	cfg := config.Config{
		Addr:                "127.0.0.1:0",
		AuthMode:            config.AuthModeDisabled,
		Model:               "openai/gpt-4o-mini",
		OpenAIAPIKey:        "sk-test",
		CORSAllowedOrigins:  map[string]struct{}{},
		ReadHeaderTimeout:   time.Second,
		ShutdownGracePeriod: time.Second,
	}

	var gw *gatewayserver.Server
	sigReady := make(chan chan<- os.Signal, 1)
	done := make(chan error, 1)
	go func() {
		done <- runGateway(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), gatewayDeps{
			loadConfig: func() (config.Config, error) { return cfg, nil },
			connect: func(context.Context, config.Config, *slog.Logger) (gatewayserver.Deps, func(), error) {
				return gatewayserver.Deps{}, func() {}, nil
			},
			newGateway: func(c config.Config, l *slog.Logger, d gatewayserver.Deps) (*gatewayserver.Server, error) {
				s, err := gatewayserver.New(c, l, d)
				gw = s
				return s, err
			},
			signalNotify: func(c chan<- os.Signal, _ ...os.Signal) { sigReady <- c },
			signalStop:   func(chan<- os.Signal) {},
		})
	}()

	select {
	case c := <-sigReady:
		c <- syscall.SIGTERM
	case err := <-done:
		t.Fatalf("runGateway returned early: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatalf("signal handler never installed")
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runGateway err=%v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("runGateway did not stop")
	}
	if !gw.Lifecycle().IsDraining() {
		t.Fatalf("gateway was not drained")
	}
}

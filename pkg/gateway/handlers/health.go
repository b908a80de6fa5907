package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/vango-go/vai-interview/pkg/gateway/config"
	"github.com/vango-go/vai-interview/pkg/gateway/lifecycle"
)

const readyCheckTimeout = 2 * time.Second

type HealthHandler struct{}

func (h HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// Check is one readiness dependency, e.g. the interview database or Redis.
type Check struct {
	Name string
	Ping func(ctx context.Context) error
}

type ReadyHandler struct {
	Config    config.Config
	Lifecycle *lifecycle.Lifecycle
	Checks    []Check
	// Sessions reports the number of live sessions, if set.
	Sessions func() int
}

func (h ReadyHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	type readyResp struct {
		OK             bool     `json:"ok"`
		Draining       bool     `json:"draining,omitempty"`
		AuthMode       string   `json:"auth_mode"`
		LimitsEnabled  bool     `json:"limits_enabled"`
		ActiveSessions int      `json:"active_sessions"`
		Issues         []string `json:"issues,omitempty"`
	}

	issues := make([]string, 0, 4)
	if err := h.Config.Validate(); err != nil {
		issues = append(issues, err.Error())
	}
	if h.Config.DeepgramAPIKey == "" {
		issues = append(issues, "DEEPGRAM_API_KEY is not set")
	}

	ctx, cancel := context.WithTimeout(r.Context(), readyCheckTimeout)
	defer cancel()
	for _, c := range h.Checks {
		if c.Ping == nil {
			continue
		}
		if err := c.Ping(ctx); err != nil {
			issues = append(issues, c.Name+": "+err.Error())
		}
	}

	draining := h.Lifecycle.IsDraining()
	limitsEnabled := (h.Config.LimitRPS > 0 && h.Config.LimitBurst > 0) || h.Config.LimitMaxConnectionsPerIP > 0
	active := 0
	if h.Sessions != nil {
		active = h.Sessions()
	}

	ok := len(issues) == 0 && !draining
	status := http.StatusOK
	switch {
	case draining:
		status = http.StatusServiceUnavailable
	case !ok:
		status = http.StatusInternalServerError
	}

	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(readyResp{
		OK:             ok,
		Draining:       draining,
		AuthMode:       string(h.Config.AuthMode),
		LimitsEnabled:  limitsEnabled,
		ActiveSessions: active,
		Issues:         issues,
	})
}

package mw

import (
	"net/http"
	"strconv"
	"time"

	"github.com/vango-go/vai-interview/pkg/core"
	"github.com/vango-go/vai-interview/pkg/gateway/principal"
	"github.com/vango-go/vai-interview/pkg/gateway/ratelimit"
)

// RateLimit spends one upgrade token per request to a guarded path, keyed
// by client IP. Health and metrics endpoints are never limited.
func RateLimit(trustProxyHeaders bool, limiter *ratelimit.Limiter, guarded func(path string) bool, next http.Handler) http.Handler {
	if limiter == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodOptions || (guarded != nil && !guarded(r.URL.Path)) {
			next.ServeHTTP(w, r)
			return
		}

		client := principal.Resolve(r, trustProxyHeaders)
		dec := limiter.AllowUpgrade(client.Key, time.Now())
		if !dec.Allowed {
			reqID, _ := RequestIDFrom(r.Context())
			if dec.RetryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(dec.RetryAfter))
			}
			WriteJSONError(w, http.StatusTooManyRequests, &core.Error{
				Type:      core.ErrOverloaded,
				Message:   "rate limit exceeded",
				Code:      "rate_limited",
				RequestID: reqID,
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/dunamismax/visionx/internal/ratelimit"
)

type RateLimiter interface {
	AllowN(ctx context.Context, subject string, cost int64) (ratelimit.Decision, error)
}

// withRateLimit charges each caller one shared bucket. Session processing
// costs one token and creating a batch job costs batchCost. Limiter errors
// let the request through.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cost := s.requestCost(r)
		if cost == 0 {
			next.ServeHTTP(w, r)
			return
		}

		subject := strings.TrimSpace(r.Header.Get(s.rateLimitUserIDHeader))
		if subject == "" {
			subject = "anonymous"
		}

		decision, err := s.rateLimiter.AllowN(r.Context(), subject, cost)
		if err != nil {
			s.logger.Warn().Err(err).Str("subject", subject).Int64("cost", cost).Msg("rate limiter check failed")
			next.ServeHTTP(w, r)
			return
		}

		w.Header().Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		retryAfter := max(1, int(decision.RetryAfter.Round(time.Second).Seconds()))
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		s.metrics.rateLimitRejected.WithLabelValues(routeLabel(r.URL.Path)).Inc()
		writeMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
	})
}

// requestCost is zero for requests that are not metered.
func (s *Server) requestCost(r *http.Request) int64 {
	if r.Method != http.MethodPost {
		return 0
	}
	switch routeLabel(r.URL.Path) {
	case "/v1/session/process", "/v1/batches/{id}/start":
		return 1
	case "/v1/batches":
		return s.batchCost
	default:
		return 0
	}
}

package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/dunamismax/unwatermark/internal/ratelimit"
	"go.uber.org/zap"
)

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (ratelimit.Decision, error)
}

// withRateLimit meters removal submissions per caller. Reads are free. When
// the limiter itself fails the request is let through.
func (s *Server) withRateLimit(next http.Handler) http.Handler {
	if s.rateLimiter == nil {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		route := routeLabel(r.URL.Path)
		if r.Method != http.MethodPost || route != "/v1/removals" {
			next.ServeHTTP(w, r)
			return
		}

		userID := s.userID(r)
		if userID == "" {
			userID = "anonymous"
		}
		subject := userID + ":" + route

		decision, err := s.rateLimiter.Allow(r.Context(), subject)
		if err != nil {
			s.logger.Warn("rate limiter unavailable", zap.String("subject", subject), zap.Error(err))
			next.ServeHTTP(w, r)
			return
		}

		h := w.Header()
		h.Set("X-RateLimit-Limit", strconv.FormatInt(decision.Limit, 10))
		h.Set("X-RateLimit-Remaining", strconv.FormatInt(decision.Remaining, 10))
		h.Set("X-RateLimit-Reset", strconv.Itoa(ceilSeconds(decision.ResetAfter)))
		if decision.Allowed {
			next.ServeHTTP(w, r)
			return
		}

		h.Set("Retry-After", strconv.Itoa(max(1, ceilSeconds(decision.RetryAfter))))
		s.metrics.rateLimitRejected.WithLabelValues(route).Inc()
		s.logger.Info("removal rate limited", zap.String("user_id", userID), zap.Duration("retry_after", decision.RetryAfter))
		writeJSON(w, http.StatusTooManyRequests, map[string]string{
			"error": "rate limit exceeded",
		})
	})
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	return int((d + time.Second - 1) / time.Second)
}

package middleware

import (
	"encoding/json"
	"math"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/sakif/sandbox-executor/internal/metrics"
)

// RateLimit admits at most rps requests per second with a burst of twice
// that. Rejected requests get 429 before reaching the handler. rps <= 0
// disables the limit.
func RateLimit(rps float64) func(http.Handler) http.Handler {
	if rps <= 0 {
		return func(next http.Handler) http.Handler { return next }
	}

	burst := int(math.Ceil(rps * 2))
	limiter := rate.NewLimiter(rate.Limit(rps), burst)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow() {
				metrics.RateLimitHits.Inc()
				w.Header().Set("Content-Type", "application/json")
				w.Header().Set("Retry-After", "1")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]string{
					"error":   "rate_limited",
					"message": "too many requests",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

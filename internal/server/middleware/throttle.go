package middleware

import (
	"net/http"

	"golang.org/x/time/rate"
)

// Throttle rejects requests above the given rate with a 429. The limit is
// global, not per client: the server fronts a workshop LAN where one
// misbehaving client loop is the realistic failure mode.
func Throttle(l *rate.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !l.Allow() {
				WriteError(w, r, http.StatusTooManyRequests,
					CodeRateLimited, "too many requests")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

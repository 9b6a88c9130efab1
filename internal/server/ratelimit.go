package server

import (
	"net/http"

	"golang.org/x/time/rate"
)

// rateLimit rejects requests beyond the configured rate with 429. One
// global bucket; this protects the orchestrator, it is not per-client
// fairness.
func rateLimit(perSec float64, burst int, next http.Handler) http.Handler {
	lim := rate.NewLimiter(rate.Limit(perSec), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"too many requests"}` + "\n"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

package middleware

import (
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/ayo6706/escrow-settlement/internal/api/problem"
	"github.com/go-chi/httprate"
)

// PublicRateLimiter limits unauthenticated callers such as the deposit
// provider's webhook, keyed by client IP.
func PublicRateLimiter(rps int) func(http.Handler) http.Handler {
	return limit(rps, "IP", httprate.KeyByIP)
}

// AuthRateLimiter limits authenticated callers by user id, falling back to the
// client IP. It must run after AuthMiddleware.
func AuthRateLimiter(rps int) func(http.Handler) http.Handler {
	return limit(rps, "user", func(r *http.Request) (string, error) {
		if userID, ok := UserIDFromContext(r.Context()); ok {
			return "user:" + strconv.FormatInt(userID, 10), nil
		}
		return httprate.KeyByIP(r)
	})
}

func limit(rps int, scope string, key httprate.KeyFunc) func(http.Handler) http.Handler {
	if rps <= 0 {
		rps = 1
	}
	detail := fmt.Sprintf("Rate limit of %d req/s exceeded for this %s", rps, scope)
	return httprate.Limit(rps, time.Second,
		httprate.WithKeyFuncs(key),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			problem.Write(w, r, http.StatusTooManyRequests, problem.Type("rate-limit-exceeded"), "", detail)
		}),
	)
}

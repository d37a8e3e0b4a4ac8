// internal/middleware/ratelimit.go

package middleware

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// maxTrackedPlayers bounds the limiter table; the least recently seen player is evicted.
const maxTrackedPlayers = 10000

// PlayerRateLimiter is a per-player token bucket.
type PlayerRateLimiter struct {
	limit    rate.Limit
	burst    int
	limiters *lru.Cache[uuid.UUID, *rate.Limiter]
	logger   logrus.FieldLogger
}

func NewPlayerRateLimiter(rps float64, burst int, logger logrus.FieldLogger) *PlayerRateLimiter {
	if burst <= 0 {
		burst = 1
	}
	limiters, _ := lru.New[uuid.UUID, *rate.Limiter](maxTrackedPlayers)
	return &PlayerRateLimiter{
		limit:    rate.Limit(rps),
		burst:    burst,
		limiters: limiters,
		logger:   logger,
	}
}

// Allow reports whether playerID may make another request now.
func (l *PlayerRateLimiter) Allow(playerID uuid.UUID) bool {
	lim, ok := l.limiters.Get(playerID)
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		if prev, found, _ := l.limiters.PeekOrAdd(playerID, lim); found {
			lim = prev
		}
	}
	return lim.Allow()
}

// Middleware throttles authenticated requests. It must run after Authenticate.
func (l *PlayerRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		playerID, ok := PlayerFromContext(r.Context())
		if !ok {
			http.Error(w, "unauthenticated", http.StatusUnauthorized)
			return
		}
		if !l.Allow(playerID) {
			l.logger.WithField("player_id", playerID).Debug("rate limited")
			if l.limit > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(1/float64(l.limit))+1))
			}
			http.Error(w, "rate limit exceeded, please slow down", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

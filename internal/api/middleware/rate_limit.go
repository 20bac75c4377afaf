package middleware

import (
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/caregrid/patient-records-backend/internal/domain/errors"
)

// ClientRateLimiter throttles requests per client IP with a token bucket.
// This is in-process protection for a single API instance; the emergency
// override path has its own Redis-backed daily limit on top of this.
type ClientRateLimiter struct {
	mu       sync.Mutex
	clients  map[string]*clientBucket
	limit    rate.Limit
	burst    int
	logger   *zap.Logger
	lastSeen time.Duration
}

type clientBucket struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewClientRateLimiter allows ratePerSecond sustained requests per client
// with the given burst.
func NewClientRateLimiter(ratePerSecond float64, burst int, logger *zap.Logger) *ClientRateLimiter {
	return &ClientRateLimiter{
		clients:  make(map[string]*clientBucket),
		limit:    rate.Limit(ratePerSecond),
		burst:    burst,
		logger:   logger,
		lastSeen: 3 * time.Minute,
	}
}

// Middleware rejects over-limit requests with 429.
func (l *ClientRateLimiter) Middleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			if !l.limiter(ip).Allow() {
				l.logger.Warn("request rate limited", zap.String("client_ip", ip))
				w.Header().Set("Retry-After", "1")
				writeError(w, &errors.AppError{
					Code:      "RATE_LIMITED",
					Message:   "too many requests",
					Retryable: true,
				}, http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (l *ClientRateLimiter) limiter(ip string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	if len(l.clients) > 10000 {
		for key, bucket := range l.clients {
			if now.Sub(bucket.seen) > l.lastSeen {
				delete(l.clients, key)
			}
		}
	}

	bucket, ok := l.clients[ip]
	if !ok {
		bucket = &clientBucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.clients[ip] = bucket
	}
	bucket.seen = now
	return bucket.limiter
}

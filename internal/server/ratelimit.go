package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type RateLimitConfig struct {
	GlobalRPS     float64
	GlobalBurst   int
	ConnectLimit  int
	ConnectWindow time.Duration
	RedisAddr     string
	RedisPassword string
	RedisTimeout  time.Duration
}

type rateLimiter struct {
	global        *rate.Limiter
	connectLimit  int
	connectWindow time.Duration
	mu            sync.Mutex
	buckets       map[string]*ipLimiter
	store         counterStore
}

type ipLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// counterStore counts connection attempts in a fixed window shared between
// relays.
type counterStore interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, time.Duration, error)
	Close() error
}

func newRateLimiter(cfg RateLimitConfig) *rateLimiter {
	rl := &rateLimiter{
		connectLimit:  cfg.ConnectLimit,
		connectWindow: cfg.ConnectWindow,
		buckets:       make(map[string]*ipLimiter),
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = max(int(cfg.GlobalRPS), 1)
		}
		rl.global = rate.NewLimiter(rate.Limit(cfg.GlobalRPS), burst)
	}
	if rl.connectLimit < 0 {
		rl.connectLimit = 0
	}
	if rl.connectWindow <= 0 {
		rl.connectWindow = time.Minute
	}
	if cfg.RedisAddr != "" && rl.connectLimit > 0 {
		timeout := cfg.RedisTimeout
		if timeout <= 0 {
			timeout = 2 * time.Second
		}
		rl.store = newRedisStore(cfg.RedisAddr, cfg.RedisPassword, timeout)
	}
	return rl
}

func (r *rateLimiter) AllowRequest() bool {
	if r == nil || r.global == nil {
		return true
	}
	return r.global.Allow()
}

// AllowConnect reports whether key may open another signaling connection and,
// if not, how long it should wait.
func (r *rateLimiter) AllowConnect(ctx context.Context, key string) (bool, time.Duration, error) {
	if r == nil || r.connectLimit <= 0 {
		return true, 0, nil
	}
	if key == "" {
		key = "unknown"
	}
	if r.store != nil {
		return r.store.Allow(ctx, fmt.Sprintf("bitriver:relay:connect:%s", key), r.connectLimit, r.connectWindow)
	}

	r.mu.Lock()
	bucket, exists := r.buckets[key]
	if !exists {
		every := r.connectWindow / time.Duration(r.connectLimit)
		bucket = &ipLimiter{limiter: rate.NewLimiter(rate.Every(every), r.connectLimit)}
		r.buckets[key] = bucket
	}
	bucket.lastSeen = time.Now()
	r.cleanupLocked()
	r.mu.Unlock()

	reservation := bucket.limiter.Reserve()
	if delay := reservation.Delay(); delay > 0 {
		reservation.Cancel()
		return false, delay, nil
	}
	return true, 0, nil
}

func (r *rateLimiter) cleanupLocked() {
	cutoff := time.Now().Add(-2 * r.connectWindow)
	for key, bucket := range r.buckets {
		if bucket.lastSeen.Before(cutoff) {
			delete(r.buckets, key)
		}
	}
}

func (r *rateLimiter) Close() error {
	if r == nil || r.store == nil {
		return nil
	}
	return r.store.Close()
}

func rateLimitMiddleware(rl *rateLimiter, next http.Handler) http.Handler {
	if rl == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !rl.AllowRequest() {
			writeError(w, http.StatusTooManyRequests, "global rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// connectLimitMiddleware throttles signaling connection attempts per client
// IP before the upgrade.
func connectLimitMiddleware(rl *rateLimiter, logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		allowed, retryAfter, err := rl.AllowConnect(r.Context(), extractClientIP(r))
		if err != nil {
			loggerFromRequest(r, logger).Error("rate limiter failure", "error", err)
			writeError(w, http.StatusServiceUnavailable, "rate limit failure")
			return
		}
		if !allowed {
			if retryAfter > 0 {
				seconds := int(retryAfter.Round(time.Second) / time.Second)
				w.Header().Set("Retry-After", strconv.Itoa(max(seconds, 1)))
			}
			writeError(w, http.StatusTooManyRequests, "too many connection attempts")
			return
		}
		next.ServeHTTP(w, r)
	})
}

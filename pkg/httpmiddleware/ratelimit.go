package httpmiddleware

import (
	"context"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RateLimitConfig configures a sliding window limiter.
type RateLimitConfig struct {
	// Max requests per Window.
	Max    int
	Window time.Duration
	// KeyFunc buckets requests. Defaults to the client IP; payment status
	// polls are bucketed per order.
	KeyFunc func(*http.Request) string
}

// bucket counts requests of one key in the current fixed window and the one
// before it.
type bucket struct {
	start time.Time
	curr  float64
	prev  float64
}

// Decision is the outcome of one Limiter.Allow call.
type Decision struct {
	Allowed   bool
	Remaining int
	Reset     time.Time
}

// Limiter approximates a sliding window by weighting the previous fixed
// window by its overlap with the sliding one.
type Limiter struct {
	max    float64
	window time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter returns a Limiter allowing max requests per window and key.
func NewLimiter(max int, window time.Duration) *Limiter {
	return &Limiter{
		max:     float64(max),
		window:  window,
		buckets: make(map[string]*bucket),
	}
}

// Allow records a request of key at now if the key is under its limit.
func (l *Limiter) Allow(key string, now time.Time) Decision {
	l.mu.Lock()
	defer l.mu.Unlock()

	b := l.buckets[key]
	start := now.Truncate(l.window)
	switch {
	case b == nil:
		b = &bucket{start: start}
		l.buckets[key] = b
	case start.Sub(b.start) >= 2*l.window:
		*b = bucket{start: start}
	case start.After(b.start):
		*b = bucket{start: start, prev: b.curr}
	}

	overlap := 1 - float64(now.Sub(b.start))/float64(l.window)
	used := b.prev*math.Max(overlap, 0) + b.curr
	d := Decision{Reset: b.start.Add(l.window)}
	if used >= l.max {
		return d
	}

	b.curr++
	d.Allowed = true
	d.Remaining = max(int(l.max-used-1), 0)
	return d
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Evict drops keys idle for two windows.
func (l *Limiter) Evict(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if now.Sub(b.start) >= 2*l.window {
			delete(l.buckets, key)
		}
	}
}

// RateLimit limits requests per key and answers 429 with the JSON error
// envelope once a key is over its limit. Every response carries the
// X-RateLimit-Limit, X-RateLimit-Remaining and X-RateLimit-Reset headers.
// Idle keys are never evicted; see RateLimitWithCleanup.
func RateLimit(cfg RateLimitConfig) Middleware {
	return limit(cfg, NewLimiter(cfg.Max, cfg.Window), time.Now)
}

// RateLimitWithCleanup is RateLimit with idle keys evicted every two windows
// until ctx is done.
func RateLimitWithCleanup(ctx context.Context, cfg RateLimitConfig) Middleware {
	l := NewLimiter(cfg.Max, cfg.Window)
	go func() {
		ticker := time.NewTicker(2 * cfg.Window)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case now := <-ticker.C:
				l.Evict(now)
			}
		}
	}()
	return limit(cfg, l, time.Now)
}

func limit(cfg RateLimitConfig, l *Limiter, now func() time.Time) Middleware {
	keyOf := cfg.KeyFunc
	if keyOf == nil {
		keyOf = ClientIP
	}
	limitHeader := strconv.Itoa(cfg.Max)

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t := now()
			key := keyOf(r)
			d := l.Allow(key, t)

			h := w.Header()
			h.Set("X-RateLimit-Limit", limitHeader)
			h.Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
			h.Set("X-RateLimit-Reset", strconv.FormatInt(d.Reset.Unix(), 10))
			if d.Allowed {
				next.ServeHTTP(w, r)
				return
			}

			wait := max(d.Reset.Sub(t), 0)
			h.Set("Retry-After", strconv.Itoa(int(math.Ceil(wait.Seconds()))))
			zctx.From(r.Context()).Debug("Rate limited", zap.String("key", key))
			WriteError(w, http.StatusTooManyRequests, "rate limit exceeded")
		})
	}
}

// ClientIP returns the first X-Forwarded-For address, then X-Real-IP, then
// the host of RemoteAddr.
func ClientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		return strings.TrimSpace(first)
	}
	if ip := r.Header.Get("X-Real-IP"); ip != "" {
		return ip
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

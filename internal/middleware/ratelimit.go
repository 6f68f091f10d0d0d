package middleware

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/openclaw/agent-provisioner/internal/audit"
	apperrors "github.com/openclaw/agent-provisioner/internal/errors"
)

const (
	memoryMaxKeys    = 10000
	memorySweepEvery = time.Minute
)

// Limiter admits at most limit calls per key within window.
type Limiter interface {
	Check(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt int64)
}

type hits struct {
	at     []time.Time
	window time.Duration
}

// prune drops hits older than the window ending at now.
func (h *hits) prune(now time.Time) {
	cutoff := now.Add(-h.window)
	i := 0
	for i < len(h.at) && !h.at[i].After(cutoff) {
		i++
	}
	h.at = h.at[i:]
}

// RateLimiter is an in-process sliding-window Limiter used when no Redis
// URL is configured.
type RateLimiter struct {
	mu        sync.Mutex
	keys      map[string]*hits
	lastSweep time.Time
	now       func() time.Time
}

var _ Limiter = (*RateLimiter)(nil)

func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		keys:      make(map[string]*hits),
		lastSweep: time.Now(),
		now:       time.Now,
	}
}

func (rl *RateLimiter) sweep(now time.Time) {
	if now.Sub(rl.lastSweep) < memorySweepEvery && len(rl.keys) <= memoryMaxKeys {
		return
	}
	rl.lastSweep = now
	for key, h := range rl.keys {
		h.prune(now)
		if len(h.at) == 0 {
			delete(rl.keys, key)
		}
	}
	for key := range rl.keys {
		if len(rl.keys) <= memoryMaxKeys {
			break
		}
		delete(rl.keys, key)
	}
}

func (rl *RateLimiter) Check(ctx context.Context, key string, limit int, window time.Duration) (allowed bool, remaining int, resetAt int64) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweep(now)

	h, ok := rl.keys[key]
	if !ok {
		h = &hits{}
		rl.keys[key] = h
	}
	h.window = window
	h.prune(now)

	resetAt = now.Add(window).Unix()
	if len(h.at) > 0 {
		resetAt = h.at[0].Add(window).Unix()
	}
	if len(h.at) >= limit {
		return false, 0, resetAt
	}

	h.at = append(h.at, now)
	return true, limit - len(h.at), resetAt
}

// RateLimitMiddleware limits requests per client IP.
type RateLimitMiddleware struct {
	limiter Limiter
	limit   int
	window  time.Duration
	prefix  string
}

func NewIPRateLimitMiddleware(limiter Limiter, limit int, window time.Duration, prefix string) *RateLimitMiddleware {
	return &RateLimitMiddleware{
		limiter: limiter,
		limit:   limit,
		window:  window,
		prefix:  prefix,
	}
}

func (m *RateLimitMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m.limit <= 0 {
			next.ServeHTTP(w, r)
			return
		}

		ip := remoteIP(r)
		allowed, remaining, resetAt := m.limiter.Check(r.Context(), "ip:"+m.prefix+":"+ip, m.limit, m.window)

		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(m.limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt, 10))

		if !allowed {
			log.Warn().Str("ip", ip).Str("scope", m.prefix).Msg("rate limit exceeded")
			audit.LogFromRequest(r, audit.Event{
				Type:    audit.EventRateLimitExceed,
				Details: map[string]any{"scope": m.prefix},
			})

			retryAfter := resetAt - time.Now().Unix()
			if retryAfter < 1 {
				retryAfter = 1
			}
			w.Header().Set("Retry-After", strconv.FormatInt(retryAfter, 10))
			writeError(w, http.StatusTooManyRequests, apperrors.RateLimitExceeded())
			return
		}

		next.ServeHTTP(w, r)
	})
}

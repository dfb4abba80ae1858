package server

import (
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// limiterIdleTTL is how long an unused client limiter is kept.
const limiterIdleTTL = 10 * time.Minute

type pooledLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// limiterPool hands out one token bucket per client key for the HTTP API.
type limiterPool struct {
	mu    sync.Mutex
	m     map[string]*pooledLimiter
	limit rate.Limit
	burst int
	now   func() time.Time
}

func newLimiterPool(cfg RateLimitConfig) *limiterPool {
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	interval := cfg.RefillInterval
	if interval <= 0 {
		interval = time.Second
	}
	return &limiterPool{
		m:     make(map[string]*pooledLimiter),
		limit: rate.Every(interval / time.Duration(burst)),
		burst: burst,
		now:   time.Now,
	}
}

func (p *limiterPool) get(key string) *rate.Limiter {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := p.now()
	if l, ok := p.m[key]; ok {
		l.lastSeen = now
		return l.limiter
	}
	p.evictLocked(now)
	l := &pooledLimiter{limiter: rate.NewLimiter(p.limit, p.burst), lastSeen: now}
	p.m[key] = l
	return l.limiter
}

func (p *limiterPool) evictLocked(now time.Time) {
	for key, l := range p.m {
		if now.Sub(l.lastSeen) > limiterIdleTTL {
			delete(p.m, key)
		}
	}
}

// Allow takes a token from key's bucket.
func (p *limiterPool) Allow(key string) bool {
	return p.get(key).Allow()
}

// clientKey identifies the caller by remote IP.
func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// middleware rejects requests over the client's budget with 429.
func (p *limiterPool) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !p.Allow(clientKey(r)) {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

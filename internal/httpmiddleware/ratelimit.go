package httpmiddleware

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

// IPRateLimiter keeps one token bucket per client IP. Buckets idle for
// longer than the sweep interval are dropped.
type IPRateLimiter struct {
	mu      sync.Mutex
	ips     map[string]*visitor
	r       rate.Limit
	b       int
	skip    map[string]bool
	idleTTL time.Duration
	now     func() time.Time
}

type visitor struct {
	limiter *rate.Limiter
	seen    time.Time
}

// NewIPRateLimiter allows perMinute requests per IP with bursts of the same
// size. Paths in skip are never limited.
func NewIPRateLimiter(perMinute int, skip ...string) *IPRateLimiter {
	if perMinute <= 0 {
		perMinute = 600
	}
	l := &IPRateLimiter{
		ips:     make(map[string]*visitor),
		r:       rate.Limit(float64(perMinute) / 60),
		b:       perMinute,
		skip:    make(map[string]bool, len(skip)),
		idleTTL: 10 * time.Minute,
		now:     time.Now,
	}
	for _, p := range skip {
		l.skip[p] = true
	}
	return l
}

// Allow reports whether ip may make another request now.
func (l *IPRateLimiter) Allow(ip string) bool {
	l.mu.Lock()
	now := l.now()
	v, ok := l.ips[ip]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(l.r, l.b)}
		l.ips[ip] = v
	}
	v.seen = now
	lim := v.limiter
	l.mu.Unlock()
	return lim.AllowN(now, 1)
}

// Sweep removes buckets not used within the idle TTL.
func (l *IPRateLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	cutoff := l.now().Add(-l.idleTTL)
	for ip, v := range l.ips {
		if v.seen.Before(cutoff) {
			delete(l.ips, ip)
		}
	}
}

// GinMiddleware returns gin handler enforcing per-IP limits.
func (l *IPRateLimiter) GinMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if l.skip[c.Request.URL.Path] {
			c.Next()
			return
		}
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown"
		}
		if !l.Allow(ip) {
			log.Printf("rate limit hit for %s on %s", ip, c.Request.URL.Path)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Too many requests, please try again later"})
			return
		}
		c.Next()
	}
}

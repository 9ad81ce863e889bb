package utils

import (
	"context"
	"strings"
	"sync"
	"time"

	"mindgraphix/logx"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"
)

const limiterCleanupInterval = 3 * time.Minute

// IPRateLimiter keeps one token bucket per client IP.
type IPRateLimiter struct {
	mu     sync.RWMutex
	limits map[string]*rate.Limiter
	r      rate.Limit
	b      int
}

// NewIPRateLimiter allows r requests per second per IP with burst b.
func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		limits: make(map[string]*rate.Limiter),
		r:      r,
		b:      b,
	}
}

// GetLimiter returns the bucket for ip, creating it on first use.
func (i *IPRateLimiter) GetLimiter(ip string) *rate.Limiter {
	i.mu.RLock()
	limiter, exists := i.limits[ip]
	i.mu.RUnlock()

	if !exists {
		i.mu.Lock()
		limiter, exists = i.limits[ip]
		if !exists {
			limiter = rate.NewLimiter(i.r, i.b)
			i.limits[ip] = limiter
		}
		i.mu.Unlock()
	}
	return limiter
}

// Cleanup drops buckets that are full again, i.e. idle clients.
func (i *IPRateLimiter) Cleanup(now time.Time) int {
	i.mu.Lock()
	defer i.mu.Unlock()
	count := 0
	for ip, limiter := range i.limits {
		if limiter.TokensAt(now) >= float64(limiter.Burst()) {
			delete(i.limits, ip)
			count++
		}
	}
	return count
}

// Size is the number of tracked IPs.
func (i *IPRateLimiter) Size() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.limits)
}

// Run calls Cleanup periodically until ctx is done.
func (i *IPRateLimiter) Run(ctx context.Context) {
	ticker := time.NewTicker(limiterCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if n := i.Cleanup(now); n > 0 {
				logx.Debug("Rate limiter cleanup", "removed", n, "active", i.Size())
			}
		}
	}
}

// Middleware rejects requests over the limit with 429.
func (i *IPRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if ip == "" {
			ip = "unknown_ip"
		}
		if !i.GetLimiter(ip).Allow() {
			logx.Warn("Rate limit exceeded", "ip", ip, "path", c.Request.URL.Path)
			GinTooManyRequests(c, "too many requests, slow down")
			return
		}
		c.Next()
	}
}

type loginAttempts struct {
	failures    int
	lockedUntil time.Time
}

// LoginGuard locks an account name after too many failed logins.
type LoginGuard struct {
	mu          sync.Mutex
	attempts    map[string]*loginAttempts
	maxAttempts int
	lockout     time.Duration
	now         func() time.Time
}

// NewLoginGuard locks an email for lockout after maxAttempts failures.
// maxAttempts <= 0 disables locking.
func NewLoginGuard(maxAttempts int, lockout time.Duration) *LoginGuard {
	return &LoginGuard{
		attempts:    make(map[string]*loginAttempts),
		maxAttempts: maxAttempts,
		lockout:     lockout,
		now:         time.Now,
	}
}

func guardKey(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// Locked returns the remaining lockout time for email, if any.
func (g *LoginGuard) Locked(email string) (time.Duration, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	a, ok := g.attempts[guardKey(email)]
	if !ok || a.lockedUntil.IsZero() {
		return 0, false
	}
	remaining := a.lockedUntil.Sub(g.now())
	if remaining <= 0 {
		delete(g.attempts, guardKey(email))
		return 0, false
	}
	return remaining, true
}

// Fail records a failed login and reports whether email is now locked.
func (g *LoginGuard) Fail(email string) bool {
	if g.maxAttempts <= 0 {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	key := guardKey(email)
	a, ok := g.attempts[key]
	if !ok {
		a = &loginAttempts{}
		g.attempts[key] = a
	}
	a.failures++
	if a.failures >= g.maxAttempts {
		a.lockedUntil = g.now().Add(g.lockout)
		logx.Warn("Account locked after failed logins", "email", key, "failures", a.failures, "lockout", g.lockout.String())
		return true
	}
	return false
}

// Reset clears the failure count after a successful login.
func (g *LoginGuard) Reset(email string) {
	g.mu.Lock()
	delete(g.attempts, guardKey(email))
	g.mu.Unlock()
}

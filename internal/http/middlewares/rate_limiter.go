package middlewares

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter is a fixed-window in-process limiter: limit requests per
// key per window. Good enough for login/signup abuse damping on a
// single instance; a shared limiter would need Redis.
type RateLimiter struct {
	mu      sync.Mutex
	limit   int
	window  time.Duration
	buckets map[string]*window
}

type window struct {
	count int
	until time.Time
}

func NewRateLimiter(limit int, windowLen time.Duration) *RateLimiter {
	return &RateLimiter{
		limit:   limit,
		window:  windowLen,
		buckets: make(map[string]*window),
	}
}

// RateLimiterMiddleware enforces the limit for the key keyFn derives
// from the request, falling back to the client IP when keyFn returns
// empty.
func (rl *RateLimiter) RateLimiterMiddleware(keyFn func(*gin.Context) string) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := keyFn(c)
		if key == "" {
			key = clientIP(c)
		}

		now := time.Now()

		rl.mu.Lock()
		b, ok := rl.buckets[key]
		if !ok || now.After(b.until) {
			rl.buckets[key] = &window{count: 1, until: now.Add(rl.window)}
			rl.mu.Unlock()
			c.Next()
			return
		}

		if b.count >= rl.limit {
			retryAfter := int(time.Until(b.until).Seconds())
			rl.mu.Unlock()

			if retryAfter < 0 {
				retryAfter = 0
			}
			c.Header("Retry-After", strconv.Itoa(retryAfter))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"code":    "rate_limited",
					"message": "Too many requests. Please try again shortly.",
				},
			})
			return
		}

		b.count++
		rl.mu.Unlock()
		c.Next()
	}
}

// KeyByIP limits unauthenticated endpoints by client IP.
func KeyByIP(c *gin.Context) string {
	return clientIP(c)
}

// KeyByUserOrIP limits authenticated endpoints by user id when the auth
// middleware has already run, by IP otherwise.
func KeyByUserOrIP(c *gin.Context) string {
	if id, ok := UserIDFromContext(c); ok && id != "" {
		return "user:" + id
	}
	return clientIP(c)
}

func clientIP(c *gin.Context) string {
	ip := c.ClientIP()

	if host, _, err := net.SplitHostPort(ip); err == nil && host != "" {
		return host
	}
	return ip
}

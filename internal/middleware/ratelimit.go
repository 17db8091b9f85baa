package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// ConnectLimiter caps websocket connect attempts per client IP over a fixed
// window. Connects are the expensive path here: each accepted socket pins a
// registry entry and a read loop for its lifetime, so churny reconnect loops
// get cut off before the upgrade.
type ConnectLimiter struct {
	mu       sync.Mutex
	attempts map[string]*windowCount
	limit    int
	window   time.Duration
	now      func() time.Time
}

type windowCount struct {
	count   int
	resetAt time.Time
}

func NewConnectLimiter(limit int, window time.Duration) *ConnectLimiter {
	return NewConnectLimiterWithNow(limit, window, time.Now)
}

func NewConnectLimiterWithNow(limit int, window time.Duration, now func() time.Time) *ConnectLimiter {
	cl := &ConnectLimiter{
		attempts: make(map[string]*windowCount),
		limit:    limit,
		window:   window,
		now:      now,
	}
	go cl.cleanup()
	return cl
}

func (cl *ConnectLimiter) cleanup() {
	if cl.window <= 0 {
		return
	}

	ticker := time.NewTicker(cl.window)
	defer ticker.Stop()

	for range ticker.C {
		cl.mu.Lock()
		now := cl.now()
		for key, win := range cl.attempts {
			if now.After(win.resetAt) {
				delete(cl.attempts, key)
			}
		}
		cl.mu.Unlock()
	}
}

func (cl *ConnectLimiter) Allow(clientIP string) bool {
	cl.mu.Lock()
	defer cl.mu.Unlock()

	now := cl.now()
	win, exists := cl.attempts[clientIP]
	if !exists || now.After(win.resetAt) {
		cl.attempts[clientIP] = &windowCount{count: 1, resetAt: now.Add(cl.window)}
		return true
	}

	if win.count >= cl.limit {
		return false
	}

	win.count++
	return true
}

// LimitConnects guards the websocket endpoint with the connect limiter.
func LimitConnects(cl *ConnectLimiter) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !cl.Allow(c.ClientIP()) {
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}

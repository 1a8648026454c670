package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/makex/orchestrator/internal/auth"
)

// RateLimitConfig holds rate limit configuration
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// DefaultRateLimitConfig returns default rate limit config
func DefaultRateLimitConfig() RateLimitConfig {
	return RateLimitConfig{
		RequestsPerMinute: 120,
		Burst:             30,
	}
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter keeps one token bucket per client
type RateLimiter struct {
	mu      sync.Mutex
	clients map[string]*client
	limit   rate.Limit
	burst   int

	stopCh chan struct{}
	once   sync.Once
}

// NewRateLimiter creates a rate limiter and starts its cleanup loop
func NewRateLimiter(config RateLimitConfig) *RateLimiter {
	if config.RequestsPerMinute <= 0 {
		config = DefaultRateLimitConfig()
	}
	rl := &RateLimiter{
		clients: make(map[string]*client),
		limit:   rate.Limit(float64(config.RequestsPerMinute) / 60),
		burst:   config.Burst,
		stopCh:  make(chan struct{}),
	}

	go rl.cleanupLoop(10*time.Minute, time.Hour)

	return rl
}

// Allow checks if a request from the given key is allowed
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = time.Now()
	rl.mu.Unlock()

	return c.limiter.Allow()
}

// Middleware limits by authenticated user, falling back to client IP
func (rl *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.ClientIP()
		if claims, ok := auth.ClaimsFromContext(c.Request.Context()); ok {
			key = "user:" + claims.UserID
		}

		if !rl.Allow(key) {
			c.Header("Retry-After", "60")
			AbortWithError(c, http.StatusTooManyRequests, "rate_limited", "Rate limit exceeded")
			return
		}
		c.Next()
	}
}

// Close stops the cleanup loop
func (rl *RateLimiter) Close() {
	rl.once.Do(func() { close(rl.stopCh) })
}

// cleanupLoop removes clients not seen within maxIdle
func (rl *RateLimiter) cleanupLoop(every, maxIdle time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-rl.stopCh:
			return
		case <-ticker.C:
			rl.evict(time.Now().Add(-maxIdle))
		}
	}
}

func (rl *RateLimiter) evict(cutoff time.Time) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	n := 0
	for key, c := range rl.clients {
		if c.lastSeen.Before(cutoff) {
			delete(rl.clients, key)
			n++
		}
	}
	return n
}

package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/openrating/openrating/pkg/utils"
)

// IngestRateLimiter throttles match ingestion per calling subject. Each
// subject gets its own token bucket; unauthenticated callers share one
// bucket per client IP.
type IngestRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	limit    rate.Limit
	burst    int
}

func NewIngestRateLimiter(perSecond int) *IngestRateLimiter {
	if perSecond <= 0 {
		perSecond = 25
	}
	return &IngestRateLimiter{
		limiters: make(map[string]*rate.Limiter),
		limit:    rate.Limit(perSecond),
		burst:    perSecond * 2,
	}
}

func (l *IngestRateLimiter) limiterFor(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	lim, ok := l.limiters[key]
	if !ok {
		lim = rate.NewLimiter(l.limit, l.burst)
		l.limiters[key] = lim
	}
	return lim
}

// Middleware rejects requests over the limit with 429.
func (l *IngestRateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		key := TokenSub(c)
		if key == "" {
			key = c.ClientIP()
		}
		if !l.limiterFor(key).Allow() {
			c.JSON(http.StatusTooManyRequests, utils.Response{
				Success: false,
				Error:   utils.NewAppError("rate_limited", "ingestion rate limit exceeded"),
			})
			c.Abort()
			return
		}
		c.Next()
	}
}

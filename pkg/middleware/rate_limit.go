package middleware

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/gogotex/livedoc/pkg/metrics"
	"golang.org/x/time/rate"
)

// KeyFunc picks the bucket a request is charged to.
type KeyFunc func(c *gin.Context) string

// ClientKey charges requests per client IP and document, so one noisy editor
// cannot starve other documents served to the same address.
func ClientKey(c *gin.Context) string {
	ip := c.ClientIP()
	if ip == "" {
		ip = "unknown"
	}
	if id := c.Param("id"); id != "" {
		return "ip:" + ip + ":doc:" + id
	}
	return "ip:" + ip
}

// Limiters is a per-key token-bucket store.
type Limiters struct {
	store sync.Map // map[string]*rate.Limiter
	rps   float64
	burst int
}

func NewLimiters(rps float64, burst int) *Limiters {
	return &Limiters{rps: rps, burst: burst}
}

// get returns (and lazily creates) the limiter for key.
func (l *Limiters) get(key string) *rate.Limiter {
	if v, ok := l.store.Load(key); ok {
		return v.(*rate.Limiter)
	}
	v, _ := l.store.LoadOrStore(key, rate.NewLimiter(rate.Limit(l.rps), l.burst))
	return v.(*rate.Limiter)
}

// RateLimitMiddleware returns a Gin middleware enforcing a token-bucket limit
// per key. rps = allowed events per second, burst = maximum tokens in bucket.
// A nil key func means ClientKey.
func RateLimitMiddleware(rps float64, burst int, key KeyFunc) gin.HandlerFunc {
	if key == nil {
		key = ClientKey
	}
	lims := NewLimiters(rps, burst)
	return func(c *gin.Context) {
		if !lims.get(key(c)).Allow() {
			c.Header("Retry-After", "1")
			metrics.RateLimitRejected.WithLabelValues("memory").Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "Rate limit exceeded"})
			return
		}
		metrics.RateLimitAllowed.WithLabelValues("memory").Inc()
		c.Next()
	}
}

package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/autoverse/gemini-backend/internal/common"
)

// EdgeLimit is a process-local token-bucket limiter keyed by authenticated
// user or client IP. It protects the process from bursts; the durable daily
// message limit is enforced separately by the usage package.
func EdgeLimit(rps float64, burst int) gin.HandlerFunc {
	type visitor struct {
		limiter  *rate.Limiter
		lastSeen time.Time
	}

	var (
		mu       sync.Mutex
		visitors = make(map[string]*visitor)
	)

	lookup := func(key string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		v, ok := visitors[key]
		if !ok {
			v = &visitor{limiter: rate.NewLimiter(rate.Limit(rps), burst)}
			visitors[key] = v
		}
		v.lastSeen = time.Now()

		// opportunistic cleanup of idle buckets
		if len(visitors) > 10000 {
			cutoff := time.Now().Add(-10 * time.Minute)
			for k, vv := range visitors {
				if vv.lastSeen.Before(cutoff) {
					delete(visitors, k)
				}
			}
		}
		return v.limiter
	}

	return func(c *gin.Context) {
		key := "ip:" + c.ClientIP()
		if v, ok := c.Get(UserIDKey); ok {
			if s, ok := v.(string); ok && s != "" {
				key = "user:" + s
			}
		}

		if !lookup(key).Allow() {
			common.Fail(c, http.StatusTooManyRequests, 42900, "too many requests")
			c.Abort()
			return
		}
		c.Next()
	}
}

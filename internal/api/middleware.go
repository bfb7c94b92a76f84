package api

import (
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const requestIDHeader = "X-Request-ID"

// RequestLogger logs each request with its latency and a request id, which
// is echoed back in the X-Request-ID header.
func RequestLogger(logger *logrus.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path

		requestID := c.GetHeader(requestIDHeader)
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set("request_id", requestID)
		c.Header(requestIDHeader, requestID)

		c.Next()

		entry := logger.WithFields(logrus.Fields{
			"request_id": requestID,
			"method":     c.Request.Method,
			"path":       path,
			"status":     c.Writer.Status(),
			"latency_ms": time.Since(start).Milliseconds(),
			"client_ip":  c.ClientIP(),
		})
		switch status := c.Writer.Status(); {
		case status >= http.StatusInternalServerError:
			entry.Error("Request failed")
		case status >= http.StatusBadRequest:
			entry.Warn("Request rejected")
		default:
			entry.Info("Request handled")
		}
	}
}

// visitor is one client's token bucket and when it was last used, in unix
// nanoseconds.
type visitor struct {
	limiter  *rate.Limiter
	lastSeen atomic.Int64
}

// IPRateLimiter keeps one token bucket per client IP. Buckets idle for
// longer than idleTTL are evicted by a janitor until Close is called.
type IPRateLimiter struct {
	visitors sync.Map
	rate     rate.Limit
	burst    int
	idleTTL  time.Duration
	now      func() time.Time
	logger   *logrus.Logger

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewIPRateLimiter creates a limiter. A positive idleTTL starts the janitor,
// which sweeps every idleTTL.
func NewIPRateLimiter(r rate.Limit, burst int, idleTTL time.Duration, logger *logrus.Logger) *IPRateLimiter {
	i := &IPRateLimiter{
		rate:    r,
		burst:   burst,
		idleTTL: idleTTL,
		now:     time.Now,
		logger:  logger,
		stop:    make(chan struct{}),
	}
	if idleTTL > 0 {
		i.wg.Add(1)
		go i.janitor(idleTTL)
	}
	return i
}

func (i *IPRateLimiter) getLimiter(ip string) *rate.Limiter {
	v, ok := i.visitors.Load(ip)
	if !ok {
		v, _ = i.visitors.LoadOrStore(ip, &visitor{limiter: rate.NewLimiter(i.rate, i.burst)})
	}
	vis := v.(*visitor)
	vis.lastSeen.Store(i.now().UnixNano())
	return vis.limiter
}

// Len returns the number of tracked clients.
func (i *IPRateLimiter) Len() int {
	n := 0
	i.visitors.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Close stops the janitor. Safe to call more than once.
func (i *IPRateLimiter) Close() {
	i.stopOnce.Do(func() { close(i.stop) })
	i.wg.Wait()
}

func (i *IPRateLimiter) janitor(interval time.Duration) {
	defer i.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			i.evictIdle()
		case <-i.stop:
			return
		}
	}
}

func (i *IPRateLimiter) evictIdle() {
	cutoff := i.now().Add(-i.idleTTL).UnixNano()
	evicted := 0
	i.visitors.Range(func(key, value any) bool {
		if value.(*visitor).lastSeen.Load() < cutoff {
			i.visitors.Delete(key)
			evicted++
		}
		return true
	})
	if evicted > 0 {
		i.logger.WithField("evicted", evicted).Debug("Evicted idle rate limiters")
	}
}

// RateLimit rejects requests beyond the client's budget with 429.
func (i *IPRateLimiter) RateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		ip := c.ClientIP()
		if !i.getLimiter(ip).Allow() {
			i.logger.WithFields(logrus.Fields{
				"client_ip": ip,
				"path":      c.Request.URL.Path,
			}).Warn("Rate limit exceeded")
			c.AbortWithStatusJSON(http.StatusTooManyRequests, ErrorResponse{
				Error:   "rate_limited",
				Message: "Too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}

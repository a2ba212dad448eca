package api

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// TenantHeader carries the tenant identity on every request.
const TenantHeader = "X-Tenant-ID"

// tenantLimiter hands out one token bucket per tenant.
type tenantLimiter struct {
	mu       sync.Mutex
	limiters map[string]*rate.Limiter
	rps      rate.Limit
	burst    int
}

func newTenantLimiter(rps float64, burst int) *tenantLimiter {
	return &tenantLimiter{
		limiters: make(map[string]*rate.Limiter),
		rps:      rate.Limit(rps),
		burst:    burst,
	}
}

func (t *tenantLimiter) get(tenant string) *rate.Limiter {
	t.mu.Lock()
	defer t.mu.Unlock()
	if l, ok := t.limiters[tenant]; ok {
		return l
	}
	l := rate.NewLimiter(t.rps, t.burst)
	t.limiters[tenant] = l
	return l
}

// RateLimitMiddleware throttles per tenant so one noisy tenant cannot
// starve the rest.
func RateLimitMiddleware(rps float64, burst int) gin.HandlerFunc {
	limiter := newTenantLimiter(rps, burst)
	return func(c *gin.Context) {
		tenant := c.GetHeader(TenantHeader)
		if tenant == "" {
			tenant = "anonymous"
		}
		if !limiter.get(tenant).Allow() {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			return
		}
		c.Next()
	}
}

// RequireTenant rejects requests without a tenant identity.
func RequireTenant() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetHeader(TenantHeader) == "" {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "missing " + TenantHeader + " header"})
			return
		}
		c.Next()
	}
}

// RequestLogger logs one structured line per request.
func RequestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.String("tenant_id", c.GetHeader(TenantHeader)),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
			fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
		}
		logger.Info("http request", fields...)
	}
}

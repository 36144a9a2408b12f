package api

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"offpos/internal/metrics"
)

// pathLabel keeps the label set bounded: unknown paths are proxied and would
// otherwise add one series per URL.
func pathLabel(c *gin.Context) string {
	if p := c.FullPath(); p != "" {
		return p
	}
	return "offline"
}

func prometheusMiddleware(m *metrics.Registry) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		duration := time.Since(start)

		path := pathLabel(c)
		m.HTTPRequests.WithLabelValues(c.Request.Method, path, strconv.Itoa(c.Writer.Status())).Inc()
		m.HTTPDuration.WithLabelValues(path).Observe(duration.Seconds())
	}
}

func requestLogger(l *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= 500 {
			l.Warn("http request", fields...)
			return
		}
		l.Debug("http request", fields...)
	}
}

// internal/api/middleware.go
package api

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"crm-pipeline/internal/common/config"
	"crm-pipeline/internal/common/errors"
	"crm-pipeline/internal/common/metrics"

	"github.com/gin-gonic/gin"
)

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := map[string]interface{}{
			"method":    c.Request.Method,
			"path":      c.Request.URL.Path,
			"status":    c.Writer.Status(),
			"latencyMs": time.Since(start).Milliseconds(),
			"clientIp":  c.ClientIP(),
		}
		switch status := c.Writer.Status(); {
		case status >= 500:
			s.logger.Error("request failed", fields)
		case status >= 400:
			s.logger.Warn("request rejected", fields)
		default:
			s.logger.Debug("request served", fields)
		}
	}
}

func requestMetrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequests.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (s *Server) recovery() gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		s.logger.Error("panic in handler", map[string]interface{}{
			"path":  c.Request.URL.Path,
			"panic": fmt.Sprint(recovered),
		})
		writeError(c, errors.NewInternalError(fmt.Errorf("panic: %v", recovered)))
	})
}

// requestTimeout bounds the request context so store calls give up with
// query_timeout instead of holding the connection.
func (s *Server) requestTimeout() gin.HandlerFunc {
	timeout := config.GetDuration(s.cfg.RequestTimeout)
	return func(c *gin.Context) {
		if timeout <= 0 {
			c.Next()
			return
		}
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

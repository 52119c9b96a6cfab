package httpmw

import (
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/legionhq/legion/internal/common/logger"
)

// RequestLogger emits one structured line per completed HTTP request.
// Gateway traffic is dominated by minion polling, so routine requests log at
// debug; only server-side failures surface at error level.
func RequestLogger(log *logger.Logger, serverName string) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		route := routeOf(c)

		c.Next()

		status := c.Writer.Status()
		written := c.Writer.Size()
		if written < 0 {
			written = 0
		}
		fields := []zap.Field{
			zap.String("server", serverName),
			zap.String("method", c.Request.Method),
			zap.String("path", route),
			zap.Int("status", status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
			zap.Int("bytes", written),
		}
		if status >= 500 {
			log.Error("http", fields...)
			return
		}
		log.Debug("http", fields...)
	}
}

// routeOf prefers the registered route pattern over the raw URL so lines for
// parameterized endpoints aggregate under one path.
func routeOf(c *gin.Context) string {
	if route := c.FullPath(); route != "" {
		return route
	}
	return c.Request.URL.Path
}

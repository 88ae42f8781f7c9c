package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/teachermon/internal/metrics"
)

// Metrics records latency and status of every request under its route
// pattern, so job ids do not explode the label set.
func Metrics(m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		if m == nil {
			c.Next()
			return
		}
		start := time.Now()
		c.Next()
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}
		m.ObserveHTTPRequest(c.Request.Method, path, c.Writer.Status(), time.Since(start))
	}
}

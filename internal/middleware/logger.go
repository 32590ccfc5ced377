package middleware

import (
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"change-sync/internal/logging"
)

// RequestLogger logs one line per request with method, path, status and
// latency. The stream endpoint is skipped: its requests are long-lived and
// a line per attach would only report the disconnect.
func RequestLogger(log *logging.Logger) gin.HandlerFunc {
	l := log.With("http")
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasSuffix(path, "/stream") {
			return
		}
		l.Infof("%s %s -> %d (%s)", c.Request.Method, path, c.Writer.Status(), time.Since(start).Round(time.Millisecond))
	}
}

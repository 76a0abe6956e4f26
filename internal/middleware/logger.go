package middleware

import (
	"time"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

func Logger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		statusCode := c.Writer.Status()
		entry := log.WithFields(log.Fields{
			"request_id": c.GetString(ContextRequestIDKey),
			"method":     method,
			"path":       path,
			"status":     statusCode,
			"latency":    time.Since(start).String(),
			"client_ip":  c.ClientIP(),
		})
		if tierName := TierFromContext(c); tierName != "" {
			entry = entry.WithField("tier", tierName)
		}

		switch {
		case statusCode >= 500:
			entry.Error("request completed")
		case statusCode >= 400:
			entry.Warn("request completed")
		default:
			entry.Info("request completed")
		}
	}
}

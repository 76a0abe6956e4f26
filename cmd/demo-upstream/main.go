package main

import (
	"flag"
	"net/http"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
)

// Serves a stand-in upstream for local runs with upstream.target set
func main() {
	addr := flag.String("addr", ":3001", "listen address")
	flag.Parse()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy"})
	})

	router.NoRoute(func(c *gin.Context) {
		log.WithFields(log.Fields{
			"method": c.Request.Method,
			"path":   c.Request.URL.Path,
			"tier":   c.GetHeader("X-RateLimit-Tier"),
		}).Info("received request")

		c.JSON(http.StatusOK, gin.H{
			"message": "Hello from demo upstream",
			"path":    c.Request.URL.Path,
		})
	})

	log.WithField("addr", *addr).Info("demo upstream starting")
	if err := router.Run(*addr); err != nil {
		log.WithError(err).Fatal("demo upstream stopped")
	}
}

// Package server exposes the liveness and health endpoints.
package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"whatsapp-ai-bot/internal/domain"
)

// HealthFunc reports component readiness at request time.
type HealthFunc func() domain.Health

// NewRouter builds the gin engine serving GET / and GET /health.
func NewRouter(logger *zap.Logger, health HealthFunc) *gin.Engine {
	r := gin.New()
	r.Use(zapLoggerMiddleware(logger), gin.Recovery())

	r.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "running",
			"message":   "WhatsApp AI bot is running",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	r.GET("/health", func(c *gin.Context) {
		var h domain.Health
		if health != nil {
			h = health()
		}
		h.Status = "healthy"
		c.JSON(http.StatusOK, h)
	})

	return r
}

// New returns an http.Server for the router on :port.
func New(port string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              ":" + port,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

func zapLoggerMiddleware(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logger.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}

package api

import (
	"net/http"

	"appforge/internal/metrics"
	"appforge/internal/middleware"

	"github.com/gin-gonic/gin"
)

// RouterConfig tunes the HTTP surface.
type RouterConfig struct {
	AllowedOrigins []string
	// RateLimiter guards /api/v1. Nil disables rate limiting.
	RateLimiter *middleware.IPRateLimiter
}

// NewRouter wires the middleware chain and every route.
func NewRouter(s *Server, cfg RouterConfig) *gin.Engine {
	r := gin.New()
	r.Use(
		middleware.RequestID(),
		middleware.Logger(s.logger),
		middleware.Recovery(s.logger),
		middleware.Security(),
		middleware.CORS(cfg.AllowedOrigins),
		metrics.PrometheusMiddleware(),
	)

	r.GET("/health", s.Health)
	r.GET("/metrics", metrics.PrometheusHandler())
	if s.hub != nil {
		r.GET("/ws", s.hub.HandleWebSocket)
	}

	v1 := r.Group("/api/v1")
	if cfg.RateLimiter != nil {
		v1.Use(middleware.RateLimit(cfg.RateLimiter))
	}
	{
		v1.POST("/generate", s.Generate)
		v1.POST("/stop", s.Stop)
		v1.POST("/regenerate", s.Regenerate)
		v1.POST("/check", s.Check)
		v1.POST("/clear", s.Clear)

		v1.GET("/program", s.GetProgram)
		v1.GET("/state", s.GetState)
		v1.GET("/models", s.GetModels)
		v1.GET("/stats", s.GetStats)
		v1.GET("/runs", s.ListRuns)
		v1.GET("/runs/:id", s.GetRun)
	}

	r.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "route not found", "error_code": "NOT_FOUND"})
	})
	return r
}

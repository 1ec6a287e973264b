package main

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lychee-technology/celldb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Server exposes a QueryAggregator over HTTP.
type Server struct {
	agg    celldb.QueryAggregator
	router *gin.Engine
}

// NewServer builds the router. gatherer backs GET /metrics and may be nil.
func NewServer(agg celldb.QueryAggregator, gatherer prometheus.Gatherer, settings serverSettings) *Server {
	s := &Server{agg: agg, router: gin.New()}
	s.router.Use(gin.Recovery(), requestLogger())

	s.router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	if gatherer != nil {
		s.router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	api := s.router.Group("/api/v1")
	api.Use(callerMiddleware([]byte(settings.JWTSecret)))
	if settings.RateLimitPerMinute > 0 {
		limit := rate.Every(time.Minute / time.Duration(settings.RateLimitPerMinute))
		api.Use(rateLimitMiddleware(newCallerLimiter(limit, settings.RateLimitBurst)))
	}

	api.POST("/queries", s.handleBatchQuery)
	api.POST("/plans", s.handleQueryPlan)
	api.POST("/streams", s.handleOpenStream)
	api.POST("/streams/:id/batches", s.handleStreamBatch)
	api.DELETE("/streams/:id", s.handleCloseStream)
	api.POST("/cells", s.handleRegisterCell)
	api.GET("/cells", s.handleListCells)
	api.GET("/metrics", s.handleMetrics)
	api.GET("/stats", s.handleStats)
	return s
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		zap.S().Debugw("http request",
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status", c.Writer.Status(),
			"caller", c.GetString(callerKey),
			"duration", time.Since(start),
		)
	}
}

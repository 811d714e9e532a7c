package router

import (
	"log/slog"
	"net/http"

	"github.com/cuongbtq/resilient-worker/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// Options holds the optional parts of the router
type Options struct {
	// Metrics serves GET /metrics when set
	Metrics http.Handler
	// Limiter throttles the submission routes when set
	Limiter Limiter
	// OnLimited is called for every throttled request
	OnLimited func()
}

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies, opts Options) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}

	r := gin.New()

	// Middleware
	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))
	r.Use(CORSMiddleware())

	// Health check endpoint
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"service": "job-api-service",
		})
	})

	if opts.Metrics != nil {
		r.GET("/metrics", gin.WrapH(opts.Metrics))
	}

	jobHandler := handler.NewJobHandler(deps)

	// API v1 routes
	v1 := r.Group("/api/v1")
	if opts.Limiter != nil {
		v1.Use(RateLimitMiddleware(opts.Limiter, opts.OnLimited, deps.Logger))
	}
	{
		// POST /api/v1/email/send - Queue a transactional email
		v1.POST("/email/send", jobHandler.SendEmail)

		// POST /api/v1/marketing - Queue a marketing email
		v1.POST("/marketing", jobHandler.SendMarketing)

		// POST /api/v1/reporting/generate - Request a report
		v1.POST("/reporting/generate", jobHandler.GenerateReport)
	}

	return r
}

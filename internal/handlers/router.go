package handlers

import (
	"github.com/gin-gonic/gin"

	"github.com/alimgiray/ghpulse/internal/middleware"
	"github.com/alimgiray/ghpulse/internal/models"
	"github.com/alimgiray/ghpulse/internal/queue"
	"github.com/alimgiray/ghpulse/internal/ratelimit"
	"github.com/alimgiray/ghpulse/internal/services"
)

// Dependencies are the services the HTTP API is built from
type Dependencies struct {
	Storage      *services.StorageService
	Jobs         *services.JobService
	Limiter      *ratelimit.Manager
	Queue        *queue.Queue
	Repositories []models.Repository
	StatsDir     string
	APIToken     string
}

// NewRouter wires every route of the API
func NewRouter(deps Dependencies) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.RequestLogger())

	healthHandler := NewHealthHandler()
	repositoryHandler := NewRepositoryHandler(deps.Storage, deps.Jobs, deps.Repositories)
	statsHandler := NewStatsHandler(deps.StatsDir)
	rateLimitHandler := NewRateLimitHandler(deps.Limiter, deps.Queue)
	jobHandler := NewJobHandler(deps.Jobs)
	notFoundHandler := NewNotFoundHandler()

	router.GET("/health", healthHandler.HealthCheck)

	api := router.Group("/api")
	{
		api.GET("/repositories", repositoryHandler.ListRepositories)
		api.GET("/repositories/:owner/:repo/prs", repositoryHandler.ListPRs)
		api.GET("/repositories/:owner/:repo/issues", repositoryHandler.ListIssues)
		api.GET("/stats/:artifact", statsHandler.GetArtifact)
		api.GET("/ratelimit", rateLimitHandler.GetRateLimit)
		api.GET("/jobs", jobHandler.ListJobs)
		api.GET("/jobs/:id", jobHandler.GetJob)
	}

	protected := router.Group("/api")
	protected.Use(middleware.TokenRequired(deps.APIToken))
	{
		protected.POST("/repositories/:owner/:repo/sync", repositoryHandler.TriggerSync)
	}

	router.NoRoute(notFoundHandler.NotFound)
	return router
}

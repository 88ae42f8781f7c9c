package api

import (
	"github.com/gin-gonic/gin"
	"github.com/timmy/teachermon/internal/api/handler"
	"github.com/timmy/teachermon/internal/api/middleware"
	"github.com/timmy/teachermon/internal/config"
	"github.com/timmy/teachermon/internal/logger"
	"github.com/timmy/teachermon/internal/metrics"
	"github.com/timmy/teachermon/internal/service"
)

// RouterDeps groups what the HTTP surface needs.
type RouterDeps struct {
	Jobs    *service.JobService
	Metrics *metrics.Metrics
	Logger  *logger.Logger
	// DBPing backs the health check; nil skips it.
	DBPing handler.Pinger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(cfg *config.Config, deps RouterDeps) *gin.Engine {
	switch cfg.Server.Mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()
	// Multipart parts above this size spill to temp files.
	r.MaxMultipartMemory = 32 << 20

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(deps.Logger))
	r.Use(middleware.Metrics(deps.Metrics))
	r.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:  cfg.Server.CORS.AllowedOrigins,
		AllowAllOrigins: cfg.Server.CORS.AllowAllOrigins,
	}))

	healthHandler := handler.NewHealthHandler(deps.DBPing)
	jobHandler := handler.NewJobHandler(deps.Jobs, cfg.Ingest.MaxUploadBytes, cfg.Ingest.MaxImageBytes, cfg.Ingest.MaxImages)
	artifactHandler := handler.NewArtifactHandler(deps.Jobs)

	r.GET("/health", healthHandler.Health)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	v1 := r.Group("/api/v1", middleware.Auth(cfg.Auth.JWTSecret))
	{
		v1.GET("/quota", jobHandler.Quota)

		// Jobs
		v1.POST("/jobs", jobHandler.CreateJob)
		v1.GET("/jobs", jobHandler.ListJobs)
		v1.GET("/jobs/:id", jobHandler.GetJob)
		v1.DELETE("/jobs/:id", jobHandler.DeleteJob)
		v1.POST("/jobs/:id/upload", jobHandler.Upload)
		v1.POST("/jobs/:id/images", jobHandler.UploadImages)
		v1.POST("/jobs/:id/ingest", jobHandler.Ingest)
		v1.POST("/jobs/:id/process", jobHandler.Process)

		// Artifacts
		v1.GET("/jobs/:id/artifact/:name", artifactHandler.Artifact)
		v1.GET("/jobs/:id/frame/:name", artifactHandler.Frame)
		v1.GET("/jobs/:id/raw/:name", artifactHandler.Raw)
		v1.GET("/jobs/:id/cover", artifactHandler.Cover)
	}

	return r
}

package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/catalogsync/internal/api/handler"
	"github.com/timmy/catalogsync/internal/api/middleware"
	"github.com/timmy/catalogsync/internal/logger"
)

// Services are the dependencies of the HTTP API.
type Services struct {
	Queue     handler.QueueService
	Reindexer handler.Reindexer
	Replicas  handler.ReplicaService
	// StoreIDs resolves an optional store id (0 = all) to store ids.
	StoreIDs func(storeID int) []int
	// Database pings the queue database for the health check; may be nil.
	Database handler.Pinger
}

// SetupRouter configures the Gin router with all routes
func SetupRouter(svc Services, mode string, log *logger.Logger) *gin.Engine {
	// Set Gin mode
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log))

	healthHandler := handler.NewHealthHandler(svc.Database)
	queueHandler := handler.NewQueueHandler(svc.Queue)
	indexHandler := handler.NewIndexHandler(svc.Reindexer, svc.Replicas, svc.StoreIDs)

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := r.Group("/api/v1")
	{
		// Queue
		v1.GET("/queue", queueHandler.Status)
		v1.POST("/queue/run", queueHandler.Run)
		v1.DELETE("/queue", queueHandler.Clear)

		// Indexing
		v1.POST("/reindex", indexHandler.Reindex)

		// Replicas
		v1.POST("/replicas/sync", indexHandler.SyncReplicas)
		v1.POST("/replicas/rebuild", indexHandler.RebuildReplicas)
	}

	return r
}

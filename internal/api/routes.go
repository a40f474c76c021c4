package api

import (
	"github.com/gin-gonic/gin"
	"github.com/irfndi/celebrum-distiller/internal/api/handlers"
	"github.com/irfndi/celebrum-distiller/internal/middleware"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// Dependencies are the collaborators the HTTP surface reads from. Cleanup
// may be nil, in which case the cleanup routes are not registered.
type Dependencies struct {
	Board       handlers.BoardReader
	Predictions handlers.PredictionLister
	Verifier    handlers.VerificationService
	Weights     handlers.WeightService
	Cleanup     handlers.CleanupInterface
	Health      map[string]handlers.HealthChecker
	Breakers    map[string]handlers.BreakerState
	Version     string
	// AdminKey guards the POST endpoints. Empty leaves them open.
	AdminKey string
}

// NewRouter builds the gin engine with recovery, tracing and request
// logging, then registers every route.
func NewRouter(serviceName string, deps Dependencies, logger *logrus.Logger) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(middleware.RequestLogger(logger))
	SetupRoutes(router, deps)
	return router
}

func SetupRoutes(router *gin.Engine, deps Dependencies) {
	healthHandler := handlers.NewHealthHandler(deps.Version, deps.Health, deps.Breakers)
	boardHandler := handlers.NewBoardHandler(deps.Board)
	predictionHandler := handlers.NewPredictionHandler(deps.Predictions)
	reportHandler := handlers.NewReportHandler(deps.Verifier, deps.Weights)
	admin := middleware.NewAdminMiddleware(deps.AdminKey)

	// Health check endpoint
	router.GET("/health", healthHandler.HealthCheck)

	// API v1 routes
	v1 := router.Group("/api/v1")
	{
		v1.GET("/board", boardHandler.GetBoard)
		v1.GET("/predictions", predictionHandler.GetPredictions)
		v1.GET("/accuracy", reportHandler.GetAccuracy)
		v1.GET("/weights", reportHandler.GetWeights)

		// Operator triggers
		ops := v1.Group("", admin.RequireAdminAuth())
		{
			ops.POST("/verify", reportHandler.TriggerVerification)
			ops.POST("/weights/adapt", reportHandler.TriggerAdaptation)
		}

		if deps.Cleanup != nil {
			cleanupHandler := handlers.NewCleanupHandler(deps.Cleanup)
			v1.GET("/cleanup/stats", cleanupHandler.GetStats)
			ops.POST("/cleanup", cleanupHandler.TriggerCleanup)
		}
	}
}

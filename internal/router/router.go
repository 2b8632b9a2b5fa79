package router

import (
	"net/http"

	"Mansoor88-6/analytics-telemetry/internal/handler"
	"Mansoor88-6/analytics-telemetry/internal/middleware"
	"Mansoor88-6/analytics-telemetry/internal/models"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

type Config struct {
	JWTSecret    string
	IngestAPIKey string
}

func New(insightHandler *handler.InsightHandler, eventHandler *handler.EventHandler, cfg Config, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger(logger))

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := r.Group("/api/v1")
	{
		api.POST("/events/batch", middleware.APIKeyAuth(cfg.IngestAPIKey), eventHandler.InsertBatch)

		ops := api.Group("/insights")
		ops.Use(middleware.JWTAuth([]byte(cfg.JWTSecret), logger, middleware.RoleOperator, middleware.RoleAdmin))
		{
			ops.GET("", insightHandler.ListInsights)
			ops.GET("/:id", insightHandler.GetInsight)
			ops.POST("/:id/start", insightHandler.Transition(models.StatusInProgress))
			ops.POST("/:id/complete", insightHandler.Transition(models.StatusCompleted))
			ops.POST("/:id/dismiss", insightHandler.Transition(models.StatusDismissed))
		}

		admin := api.Group("/insights")
		admin.Use(middleware.JWTAuth([]byte(cfg.JWTSecret), logger, middleware.RoleAdmin))
		admin.POST("/generate", insightHandler.Generate)
	}

	return r
}

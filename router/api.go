package router

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/dilshadbvoc-ui/Dad-backend-sub001/handlers"
	"github.com/dilshadbvoc-ui/Dad-backend-sub001/services"
	"github.com/gin-gonic/gin"
	"github.com/go-redis/redis/v8"
)

// NewGinRouter exposes the automation core. pg and rdb are optional and only
// used by the health check.
func NewGinRouter(automation *services.AutomationService, pg *sql.DB, rdb *redis.Client) *gin.Engine {
	r := gin.Default()

	r.Use(func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, Idempotency-Key, accept, origin, Cache-Control, X-Requested-With")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}

		c.Next()
	})

	r.GET("/health", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()

		status := gin.H{"status": "ok"}
		code := http.StatusOK
		if pg != nil {
			if err := pg.PingContext(ctx); err != nil {
				status["database"] = err.Error()
				code = http.StatusServiceUnavailable
			} else {
				status["database"] = "ok"
			}
		}
		if rdb != nil {
			if err := rdb.Ping(ctx).Err(); err != nil {
				status["redis"] = err.Error()
				code = http.StatusServiceUnavailable
			} else {
				status["redis"] = "ok"
			}
		}
		if code != http.StatusOK {
			status["status"] = "degraded"
		}
		c.JSON(code, status)
	})

	automationHandler := handlers.NewAutomationHandler(automation)

	api := r.Group("/api/v1")
	{
		api.POST("/route", automationHandler.RouteEntity)
		api.POST("/events", automationHandler.NotifyEntityEvent)

		segmentRoutes := api.Group("/segments")
		{
			segmentRoutes.POST("/:id/recompute", automationHandler.RecomputeSegment)
			segmentRoutes.POST("/:id/updated", automationHandler.SegmentUpdated)
			segmentRoutes.POST("/:id/members", automationHandler.AddSegmentMembers)
			segmentRoutes.DELETE("/:id/members", automationHandler.RemoveSegmentMembers)
		}

		api.POST("/rotations/sweep", automationHandler.SweepRotations)
	}

	return r
}

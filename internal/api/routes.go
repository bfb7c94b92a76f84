package api

import (
	"github.com/gin-gonic/gin"
)

// SetupRoutes registers the API. A nil limiter leaves valuations unthrottled.
func SetupRoutes(router *gin.Engine, handler *Handler, limiter *IPRateLimiter) {
	api := router.Group("/api")
	{
		valuations := api.Group("/valuations")
		if limiter != nil {
			valuations.Use(limiter.RateLimit())
		}
		valuations.POST("", handler.CreateValuation)

		api.GET("/segments", handler.GetSegments)
		api.GET("/segments/:segment/factors", handler.GetSegmentFactors)
		api.GET("/sales/recent", handler.GetRecentSales)
		api.POST("/sales", handler.ImportSales)
		api.GET("/health", handler.Health)
	}
}

package router

import (
	"github.com/cuongbtq/slicer-worker/internal/api/handler"
	"github.com/gin-gonic/gin"
)

// SetupRouter configures and returns the Gin router with all routes
func SetupRouter(deps *handler.Dependencies) *gin.Engine {
	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(LoggerMiddleware(deps.Logger))

	status := handler.NewStatusHandler(deps)

	r.GET("/info", status.Info)
	r.GET("/stats", status.Stats)
	r.GET("/health", status.Health)

	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics))
	}

	return r
}

package app

import (
	"gamermatch_backend/docs"
	"gamermatch_backend/internal/config"
	"gamermatch_backend/internal/middleware"
	"gamermatch_backend/pkg/monitoring"

	"github.com/gin-gonic/gin"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func (a *App) registerRoutes(router *gin.Engine, c *controllers, cfg *config.Config) {
	docs.SwaggerInfo.BasePath = "/api"
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler, ginSwagger.URL("/swagger/doc.json")))

	router.GET("/metrics", monitoring.PrometheusHandler())

	// 1. 公共路由(无需登录)
	a.registerPublicRoutes(router, c)

	// 2. 需要授权的路由
	authGroup := router.Group("/api")
	authGroup.Use(middleware.AuthMiddleware(cfg))
	{
		a.registerCallRoutes(authGroup, c)
		a.registerSignalRoutes(authGroup, c)
	}
}

func (a *App) registerPublicRoutes(router *gin.Engine, c *controllers) {
	public := router.Group("/api")
	{
		public.GET("/health", c.health.HealthCheck)
	}
}

func (a *App) registerCallRoutes(rg *gin.RouterGroup, c *controllers) {
	matches := rg.Group("/matches")
	{
		matches.POST("/call-request", c.call.HandleCallRequest)
		matches.POST("/permissions", c.permission.UpdatePermission)
		matches.GET("/:matchId/permissions", c.permission.ListPermissions)
		matches.GET("/:matchId/call-blocks", c.call.ListBlocks)
		matches.GET("/:matchId/presence", c.signal.PeerPresence)
	}

	rg.GET("/calls/config", c.call.GetConfig)
}

func (a *App) registerSignalRoutes(rg *gin.RouterGroup, c *controllers) {
	signal := rg.Group("/signal")
	{
		// 浏览器 WebSocket 无法携带 Header，token 走 query
		signal.GET("/ws", c.signal.HandleWS)
	}
}

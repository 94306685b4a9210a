package api

import (
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

func SetupRouter(handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	return newRouter(handler)
}

func newRouter(handler *Handler) *gin.Engine {
	// Unknown JSON fields are a protocol error
	binding.EnableDecoderDisallowUnknownFields = true

	router := gin.New()
	router.Use(gin.Recovery(), RequestLogger())

	// Health check
	router.GET("/health", handler.HealthCheck)

	// Swagger documentation
	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Legacy agent routes
	agentAuth := handler.AgentAuthMiddleware()
	router.POST("/register", agentAuth, handler.RegisterAgent)
	router.GET("/task", agentAuth, handler.GetTask)
	router.POST("/task_result", agentAuth, handler.SubmitResult)
	router.POST("/log", agentAuth, handler.SubmitLog)

	// API v1
	v1 := router.Group("/api/v1")
	{
		// Agent endpoints (agent auth required)
		agents := v1.Group("", agentAuth)
		agents.POST("/register", handler.RegisterAgent)
		agents.GET("/task", handler.GetTask)
		agents.POST("/result", handler.SubmitResult)
		agents.POST("/log", handler.SubmitLog)

		// Admin endpoints (admin auth required)
		admin := v1.Group("", handler.AdminAuthMiddleware())
		admin.POST("/commands", handler.EnqueueCommand)
		admin.GET("/commands", handler.GetCommands)
		admin.GET("/commands/:id", handler.GetCommand)
		admin.POST("/stop-all", handler.StopAll)
		admin.POST("/pause", handler.Pause)
		admin.POST("/resume", handler.Resume)
		admin.GET("/logs", handler.GetLogs)
		admin.GET("/state", handler.GetState)

		admin.GET("/agents", handler.GetAgents)
		admin.POST("/agents/disable-all", handler.DisableAll)
		admin.POST("/agents/enable-all", handler.EnableAll)
		admin.GET("/agents/:id", handler.GetAgent)
		admin.DELETE("/agents/:id", handler.PurgeAgent)
		admin.POST("/agents/:id/commands", handler.EnqueueAgentCommand)
		admin.POST("/agents/:id/disable", handler.DisableAgent)
		admin.POST("/agents/:id/enable", handler.EnableAgent)
		admin.POST("/agents/:id/terminate", handler.TerminateAgent)
		admin.POST("/agents/:id/clear", handler.ClearCurrent)
	}

	return router
}

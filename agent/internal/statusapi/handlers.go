// Package statusapi serves the agent's local health and status endpoints.
package statusapi

import (
	"net/http"

	"github.com/doniyusdinar/command-fleet/agent/internal/poller"
	"github.com/gin-gonic/gin"
)

// StatusProvider reports the poll loop's current view
type StatusProvider interface {
	Status() poller.Status
}

type Handler struct {
	provider StatusProvider
}

func NewHandler(provider StatusProvider) *Handler {
	return &Handler{provider: provider}
}

// HealthCheck godoc
// @Summary Health check
// @Description Check if the agent loop is alive
// @Tags health
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 503 {object} map[string]interface{}
// @Router /health [get]
func (h *Handler) HealthCheck(c *gin.Context) {
	status := h.provider.Status()
	code := http.StatusOK
	health := "ok"
	if status.State == poller.StateTerminated {
		code = http.StatusServiceUnavailable
		health = "terminated"
	}

	c.JSON(code, gin.H{
		"status":     health,
		"state":      status.State,
		"registered": status.Registered,
	})
}

// GetStatus godoc
// @Summary Agent status
// @Description Loop state, the running command and queued work
// @Tags status
// @Produce json
// @Success 200 {object} poller.Status
// @Router /status [get]
func (h *Handler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.provider.Status())
}

func SetupRouter(handler *Handler) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/health", handler.HealthCheck)
	router.GET("/status", handler.GetStatus)

	return router
}

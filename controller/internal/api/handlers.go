package api

import (
	"errors"
	"net/http"

	"github.com/doniyusdinar/command-fleet/controller/internal/registry"
	"github.com/doniyusdinar/command-fleet/pkg/auth"
	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/gin-gonic/gin"
)

const (
	defaultPollInterval = 3
	defaultListLimit    = 100
)

// Options configure a Handler
type Options struct {
	AgentCredentials auth.Credentials
	AdminCredentials auth.Credentials
	PollInterval     int
	// HealthCheck reports whether the backing store is reachable. Nil means
	// always healthy.
	HealthCheck func() error
	// Buses reports the connection state of each optional event bus by name.
	// A disconnected bus does not fail the health check.
	Buses map[string]func() bool
}

type Handler struct {
	registry     *registry.Registry
	agentCreds   auth.Credentials
	adminCreds   auth.Credentials
	pollInterval int
	healthCheck  func() error
	buses        map[string]func() bool
}

func NewHandler(reg *registry.Registry, opts Options) *Handler {
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	return &Handler{
		registry:     reg,
		agentCreds:   opts.AgentCredentials,
		adminCreds:   opts.AdminCredentials,
		pollInterval: opts.PollInterval,
		healthCheck:  opts.HealthCheck,
		buses:        opts.Buses,
	}
}

// AgentAuthMiddleware validates agent credentials
func (h *Handler) AgentAuthMiddleware() gin.HandlerFunc {
	return basicAuth(h.agentCreds)
}

// AdminAuthMiddleware validates admin credentials
func (h *Handler) AdminAuthMiddleware() gin.HandlerFunc {
	return basicAuth(h.adminCreds)
}

func basicAuth(creds auth.Credentials) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !creds.Validate(c.GetHeader("Authorization")) {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Unauthorized"})
			c.Abort()
			return
		}
		c.Next()
	}
}

// respondError maps registry errors onto HTTP status codes
func respondError(c *gin.Context, err error, action string) {
	switch {
	case errors.Is(err, registry.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrAgentNotFound), errors.Is(err, registry.ErrCommandNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, registry.ErrAgentDisabled):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		logger.Log.Errorf("Failed to %s: %v", action, err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to " + action})
	}
}

// RegisterAgent godoc
// @Summary Register an agent
// @Description Create the agent or refresh its info. The queue and disabled flag are kept.
// @Tags agents
// @Accept json
// @Produce json
// @Param request body models.RegisterRequest true "Agent registration request"
// @Success 200 {object} models.RegisterResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /register [post]
// @Security BasicAuth
func (h *Handler) RegisterAgent(c *gin.Context) {
	var req models.RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Log.Errorf("Invalid request body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if _, err := h.registry.Register(req.AgentID, req.Info); err != nil {
		respondError(c, err, "register agent")
		return
	}

	c.JSON(http.StatusOK, models.RegisterResponse{
		Status:           "ok",
		Message:          "registered",
		PollIntervalSecs: h.pollInterval,
	})
}

// GetTask godoc
// @Summary Poll for the next command
// @Description Hand out at most one command. cmd is null when nothing is dispatched; reason tells why.
// @Tags agents
// @Produce json
// @Param agent_id query string true "Agent ID"
// @Success 200 {object} models.PollResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /task [get]
// @Security BasicAuth
func (h *Handler) GetTask(c *gin.Context) {
	agentID := c.Query("agent_id")
	if agentID == "" {
		agentID = c.Query("agent")
	}
	if agentID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "agent_id is required"})
		return
	}

	res, err := h.registry.Poll(agentID)
	if err != nil {
		respondError(c, err, "poll")
		return
	}

	resp := models.PollResponse{Reason: res.Reason}
	if res.Command != nil {
		payload := res.Command.Payload
		resp.Cmd = &payload
		resp.ID = res.Command.ID
	}
	c.JSON(http.StatusOK, resp)
}

// SubmitResult godoc
// @Summary Report a command result
// @Description Record the terminal output of a dispatched command. Late or unmatched results are accepted.
// @Tags agents
// @Accept json
// @Produce json
// @Param request body models.ResultRequest true "Command result"
// @Success 200 {object} models.StatusResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /result [post]
// @Security BasicAuth
func (h *Handler) SubmitResult(c *gin.Context) {
	var req models.ResultRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		logger.Log.Errorf("Invalid result body: %v", err)
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	if req.CommandID == "" && req.Cmd == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command_id or cmd is required"})
		return
	}

	if _, err := h.registry.ReportResult(req.AgentID, req.CommandID, req.Cmd, req.Result); err != nil {
		respondError(c, err, "record result")
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// SubmitLog godoc
// @Summary Append an agent log line
// @Tags agents
// @Accept json
// @Produce json
// @Param request body models.LogRequest true "Log line"
// @Success 200 {object} models.StatusResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 500 {object} map[string]string
// @Router /log [post]
// @Security BasicAuth
func (h *Handler) SubmitLog(c *gin.Context) {
	var req models.LogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}

	if err := h.registry.AppendLog(req); err != nil {
		respondError(c, err, "append log")
		return
	}

	c.JSON(http.StatusOK, models.StatusResponse{Status: "ok"})
}

// HealthCheck godoc
// @Summary Health check
// @Description Check if the service is running. Optional event buses are listed as connected or disconnected.
// @Tags health
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 503 {object} map[string]string
// @Router /health [get]
func (h *Handler) HealthCheck(c *gin.Context) {
	body := gin.H{"status": "ok"}
	for name, connected := range h.buses {
		body[name] = "disconnected"
		if connected() {
			body[name] = "connected"
		}
	}

	if h.healthCheck != nil {
		if err := h.healthCheck(); err != nil {
			logger.Log.Errorf("Health check failed: %v", err)
			body["status"] = "unavailable"
			body["error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
	}
	c.JSON(http.StatusOK, body)
}

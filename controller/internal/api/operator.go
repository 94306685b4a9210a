package api

import (
	"net/http"
	"strconv"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/gin-gonic/gin"
)

type commandBody struct {
	Cmd string `json:"cmd" binding:"required"`
}

// EnqueueCommand godoc
// @Summary Queue a command
// @Description Queue a command for one agent, or for every enabled agent when target is "all" (admin only). target is required.
// @Tags commands
// @Accept json
// @Produce json
// @Param request body models.EnqueueRequest true "Target and command"
// @Success 200 {object} models.EnqueueResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /commands [post]
// @Security BasicAuth
func (h *Handler) EnqueueCommand(c *gin.Context) {
	var req models.EnqueueRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.enqueue(c, req.Target, req.Cmd)
}

// EnqueueAgentCommand godoc
// @Summary Queue a command for one agent
// @Tags commands
// @Accept json
// @Produce json
// @Param id path string true "Agent ID"
// @Param request body commandBody true "Command"
// @Success 200 {object} models.EnqueueResponse
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /agents/{id}/commands [post]
// @Security BasicAuth
func (h *Handler) EnqueueAgentCommand(c *gin.Context) {
	var body commandBody
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return
	}
	h.enqueue(c, c.Param("id"), body.Cmd)
}

func (h *Handler) enqueue(c *gin.Context, target, payload string) {
	created, err := h.registry.Enqueue(target, payload)
	if err != nil {
		respondError(c, err, "enqueue command")
		return
	}
	logger.Log.Infof("Queued %q for %s (%d commands)", payload, target, len(created))
	c.JSON(http.StatusOK, models.EnqueueResponse{Status: "queued", Commands: created})
}

// StopAll godoc
// @Summary Stop the current command on every agent
// @Description Append the stop control payload to every enabled agent's queue
// @Tags commands
// @Produce json
// @Success 200 {object} models.EnqueueResponse
// @Failure 401 {object} map[string]string
// @Router /stop-all [post]
// @Security BasicAuth
func (h *Handler) StopAll(c *gin.Context) {
	created, err := h.registry.StopAll()
	if err != nil {
		respondError(c, err, "stop all")
		return
	}
	c.JSON(http.StatusOK, models.EnqueueResponse{Status: "queued", Commands: created})
}

// TerminateAgent godoc
// @Summary Terminate an agent process
// @Description Queue the terminate control payload for one agent, or "all"
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID or all"
// @Success 200 {object} models.EnqueueResponse
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Failure 409 {object} map[string]string
// @Router /agents/{id}/terminate [post]
// @Security BasicAuth
func (h *Handler) TerminateAgent(c *gin.Context) {
	created, err := h.registry.Terminate(c.Param("id"))
	if err != nil {
		respondError(c, err, "terminate agent")
		return
	}
	c.JSON(http.StatusOK, models.EnqueueResponse{Status: "queued", Commands: created})
}

// DisableAgent godoc
// @Summary Disable dispatch to an agent
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} models.StatusResponse
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /agents/{id}/disable [post]
// @Security BasicAuth
func (h *Handler) DisableAgent(c *gin.Context) {
	h.setDisabled(c, true)
}

// EnableAgent godoc
// @Summary Enable dispatch to an agent
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} models.StatusResponse
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /agents/{id}/enable [post]
// @Security BasicAuth
func (h *Handler) EnableAgent(c *gin.Context) {
	h.setDisabled(c, false)
}

func (h *Handler) setDisabled(c *gin.Context, disabled bool) {
	if err := h.registry.SetDisabled(c.Param("id"), disabled); err != nil {
		respondError(c, err, "update agent")
		return
	}
	status := "enabled"
	if disabled {
		status = "disabled"
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: status})
}

// DisableAll godoc
// @Summary Disable dispatch to every agent
// @Tags agents
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} map[string]string
// @Router /agents/disable-all [post]
// @Security BasicAuth
func (h *Handler) DisableAll(c *gin.Context) {
	h.setAllDisabled(c, true)
}

// EnableAll godoc
// @Summary Enable dispatch to every agent
// @Tags agents
// @Produce json
// @Success 200 {object} map[string]interface{}
// @Failure 401 {object} map[string]string
// @Router /agents/enable-all [post]
// @Security BasicAuth
func (h *Handler) EnableAll(c *gin.Context) {
	h.setAllDisabled(c, false)
}

func (h *Handler) setAllDisabled(c *gin.Context, disabled bool) {
	changed, err := h.registry.SetAllDisabled(disabled)
	if err != nil {
		respondError(c, err, "update agents")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "changed": changed})
}

// Pause godoc
// @Summary Pause dispatch fleet-wide
// @Tags fleet
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Failure 401 {object} map[string]string
// @Router /pause [post]
// @Security BasicAuth
func (h *Handler) Pause(c *gin.Context) {
	h.setPaused(c, true)
}

// Resume godoc
// @Summary Resume dispatch fleet-wide
// @Tags fleet
// @Produce json
// @Success 200 {object} models.StatusResponse
// @Failure 401 {object} map[string]string
// @Router /resume [post]
// @Security BasicAuth
func (h *Handler) Resume(c *gin.Context) {
	h.setPaused(c, false)
}

func (h *Handler) setPaused(c *gin.Context, paused bool) {
	if err := h.registry.SetPaused(paused); err != nil {
		respondError(c, err, "update pause flag")
		return
	}
	status := "resumed"
	if paused {
		status = "paused"
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: status})
}

// ClearCurrent godoc
// @Summary Clear a stuck in-flight command
// @Description Free the agent's in-flight slot without a result
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /agents/{id}/clear [post]
// @Security BasicAuth
func (h *Handler) ClearCurrent(c *gin.Context) {
	cleared, err := h.registry.ClearCurrent(c.Param("id"))
	if err != nil {
		respondError(c, err, "clear current command")
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "cleared": cleared})
}

// PurgeAgent godoc
// @Summary Remove an agent
// @Description Delete the agent; its pending and dispatched commands become abandoned
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} models.StatusResponse
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /agents/{id} [delete]
// @Security BasicAuth
func (h *Handler) PurgeAgent(c *gin.Context) {
	if err := h.registry.Purge(c.Param("id")); err != nil {
		respondError(c, err, "purge agent")
		return
	}
	c.JSON(http.StatusOK, models.StatusResponse{Status: "purged"})
}

// GetAgents godoc
// @Summary Get all agents
// @Description Get every agent with its queue, flags and liveness (admin only)
// @Tags agents
// @Produce json
// @Success 200 {array} models.AgentView
// @Failure 401 {object} map[string]string
// @Router /agents [get]
// @Security BasicAuth
func (h *Handler) GetAgents(c *gin.Context) {
	c.JSON(http.StatusOK, h.registry.ListAgents())
}

// GetAgent godoc
// @Summary Get one agent
// @Tags agents
// @Produce json
// @Param id path string true "Agent ID"
// @Success 200 {object} models.AgentView
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /agents/{id} [get]
// @Security BasicAuth
func (h *Handler) GetAgent(c *gin.Context) {
	view, err := h.registry.GetAgent(c.Param("id"))
	if err != nil {
		respondError(c, err, "get agent")
		return
	}
	c.JSON(http.StatusOK, view)
}

// GetCommands godoc
// @Summary List command history
// @Description Newest first, optionally filtered by agent and status
// @Tags commands
// @Produce json
// @Param agent_id query string false "Agent ID"
// @Param status query string false "pending, dispatched, resolved or abandoned"
// @Param limit query int false "Maximum number of commands" default(100)
// @Success 200 {array} models.Command
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /commands [get]
// @Security BasicAuth
func (h *Handler) GetCommands(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}

	status := models.CommandStatus(c.Query("status"))
	switch status {
	case "", models.CommandPending, models.CommandDispatched, models.CommandResolved, models.CommandAbandoned:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid status"})
		return
	}

	commands, err := h.registry.ListCommands(models.CommandFilter{
		AgentID: c.Query("agent_id"),
		Status:  status,
		Limit:   limit,
	})
	if err != nil {
		respondError(c, err, "list commands")
		return
	}
	c.JSON(http.StatusOK, commands)
}

// GetCommand godoc
// @Summary Get one command
// @Tags commands
// @Produce json
// @Param id path string true "Command ID"
// @Success 200 {object} models.Command
// @Failure 401 {object} map[string]string
// @Failure 404 {object} map[string]string
// @Router /commands/{id} [get]
// @Security BasicAuth
func (h *Handler) GetCommand(c *gin.Context) {
	cmd, err := h.registry.GetCommand(c.Param("id"))
	if err != nil {
		respondError(c, err, "get command")
		return
	}
	c.JSON(http.StatusOK, cmd)
}

// GetLogs godoc
// @Summary Tail agent logs
// @Tags fleet
// @Produce json
// @Param agent_id query string false "Agent ID"
// @Param limit query int false "Maximum number of lines" default(100)
// @Success 200 {array} models.LogEntry
// @Failure 400 {object} map[string]string
// @Failure 401 {object} map[string]string
// @Router /logs [get]
// @Security BasicAuth
func (h *Handler) GetLogs(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	logs, err := h.registry.ListLogs(c.Query("agent_id"), limit)
	if err != nil {
		respondError(c, err, "list logs")
		return
	}
	c.JSON(http.StatusOK, logs)
}

// GetState godoc
// @Summary Dump the full fleet state
// @Tags fleet
// @Produce json
// @Param limit query int false "Number of log lines to include" default(100)
// @Success 200 {object} models.FleetState
// @Failure 401 {object} map[string]string
// @Router /state [get]
// @Security BasicAuth
func (h *Handler) GetState(c *gin.Context) {
	limit, ok := queryLimit(c)
	if !ok {
		return
	}
	state, err := h.registry.Snapshot(limit)
	if err != nil {
		respondError(c, err, "snapshot state")
		return
	}
	c.JSON(http.StatusOK, state)
}

func queryLimit(c *gin.Context) (int, bool) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, true
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a positive integer"})
		return 0, false
	}
	return limit, true
}

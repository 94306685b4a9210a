package models

import "time"

// Agent represents a registered worker in the fleet
type Agent struct {
	ID             string                 `json:"id"`
	Info           map[string]interface{} `json:"info,omitempty"`
	Queue          []string               `json:"queue"`
	LastSeen       time.Time              `json:"last_seen"`
	RegisteredAt   time.Time              `json:"registered_at"`
	Disabled       bool                   `json:"disabled"`
	CurrentCommand string                 `json:"current_command,omitempty"`
}

// AgentView is the operator-facing projection of an agent with derived liveness.
type AgentView struct {
	Agent
	Active         bool   `json:"active"`
	PendingCount   int    `json:"pending_count"`
	CurrentPayload string `json:"current_payload,omitempty"`
}

// RegisterRequest is sent by an agent on startup
type RegisterRequest struct {
	AgentID string                 `json:"agent_id" binding:"required"`
	Info    map[string]interface{} `json:"info"`
}

// RegisterResponse acknowledges a registration
type RegisterResponse struct {
	Status           string `json:"status"`
	Message          string `json:"message"`
	PollIntervalSecs int    `json:"poll_interval_seconds,omitempty"`
}

// LogRequest carries one agent log line for the controller's append-only log
type LogRequest struct {
	AgentID   string    `json:"agent_id" binding:"required"`
	Message   string    `json:"message" binding:"required"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// LogEntry is a stored agent log line
type LogEntry struct {
	ID        int64     `json:"id"`
	AgentID   string    `json:"agent_id"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResponse is the generic acknowledgement body
type StatusResponse struct {
	Status string `json:"status"`
}

// FleetState is the whole registry as one inspectable document
type FleetState struct {
	Paused bool                 `json:"paused"`
	Agents map[string]AgentView `json:"agents"`
	Logs   []LogEntry           `json:"logs"`
}

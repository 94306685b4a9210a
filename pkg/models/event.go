package models

import "time"

type EventType string

const (
	EventAgentRegistered   EventType = "agent.registered"
	EventAgentDisabled     EventType = "agent.disabled"
	EventAgentEnabled      EventType = "agent.enabled"
	EventAgentPurged       EventType = "agent.purged"
	EventCommandEnqueued   EventType = "command.enqueued"
	EventCommandDispatched EventType = "command.dispatched"
	EventCommandResolved   EventType = "command.resolved"
	EventFleetPaused       EventType = "fleet.paused"
	EventFleetResumed      EventType = "fleet.resumed"
)

// Event describes a registry state change published to external consumers
type Event struct {
	Type      EventType `json:"type"`
	AgentID   string    `json:"agent_id,omitempty"`
	CommandID string    `json:"command_id,omitempty"`
	Payload   string    `json:"cmd,omitempty"`
	Result    string    `json:"result,omitempty"`
	At        time.Time `json:"at"`
}

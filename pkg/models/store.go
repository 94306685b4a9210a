package models

// CommandFilter narrows command history listings
type CommandFilter struct {
	AgentID string
	Status  CommandStatus
	Limit   int
}

// PersistedState is what a store hands back on startup: every agent, every
// command that is still pending or dispatched, and the global pause flag.
type PersistedState struct {
	Agents   []Agent
	Commands []Command
	Paused   bool
	MaxSeq   int64
}

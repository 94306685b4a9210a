package registry

import (
	"sort"
	"sync"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/models"
)

// MemoryStore is a non-durable Store used when no database path is configured
type MemoryStore struct {
	mu       sync.Mutex
	agents   map[string]models.Agent
	commands map[string]models.Command
	logs     []models.LogEntry
	paused   bool
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]models.Agent),
		commands: make(map[string]models.Command),
	}
}

func (m *MemoryStore) LoadState() (*models.PersistedState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	state := &models.PersistedState{Paused: m.paused}
	for _, agent := range m.agents {
		state.Agents = append(state.Agents, agent)
	}
	for _, cmd := range m.commands {
		if cmd.Seq > state.MaxSeq {
			state.MaxSeq = cmd.Seq
		}
		if cmd.Status == models.CommandPending || cmd.Status == models.CommandDispatched {
			state.Commands = append(state.Commands, cmd)
		}
	}
	return state, nil
}

func (m *MemoryStore) SaveAgent(agent models.Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent.Queue = nil
	m.agents[agent.ID] = agent
	return nil
}

func (m *MemoryStore) DeleteAgent(agentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.agents, agentID)
	return nil
}

func (m *MemoryStore) SaveCommand(cmd models.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands[cmd.ID] = cmd
	return nil
}

func (m *MemoryStore) GetCommand(id string) (*models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cmd, ok := m.commands[id]
	if !ok {
		return nil, nil
	}
	return &cmd, nil
}

func (m *MemoryStore) ListCommands(filter models.CommandFilter) ([]models.Command, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Command{}
	for _, cmd := range m.commands {
		if filter.AgentID != "" && cmd.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && cmd.Status != filter.Status {
			continue
		}
		out = append(out, cmd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq > out[j].Seq })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

func (m *MemoryStore) AbandonCommands(agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cmd := range m.commands {
		if cmd.AgentID != agentID {
			continue
		}
		if cmd.Status == models.CommandPending || cmd.Status == models.CommandDispatched {
			cmd.Status = models.CommandAbandoned
			cmd.CompletedAt = &at
			m.commands[id] = cmd
		}
	}
	return nil
}

func (m *MemoryStore) AppendLog(entry models.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	entry.ID = int64(len(m.logs) + 1)
	m.logs = append(m.logs, entry)
	return nil
}

func (m *MemoryStore) ListLogs(agentID string, limit int) ([]models.LogEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.LogEntry{}
	for _, entry := range m.logs {
		if agentID == "" || entry.AgentID == agentID {
			out = append(out, entry)
		}
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *MemoryStore) SavePaused(paused bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paused = paused
	return nil
}

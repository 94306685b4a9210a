// Package registry holds the controller's task queues and agent liveness state.
//
// Every operation runs under a single mutex that also covers the write-through
// to the Store, so a read-modify-write of one agent's queue is never
// interleaved with another request.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrAgentNotFound   = errors.New("agent not found")
	ErrAgentDisabled   = errors.New("agent is disabled")
	ErrCommandNotFound = errors.New("command not found")
	ErrInvalidRequest  = errors.New("invalid request")
	ErrEmptyPayload    = fmt.Errorf("%w: cmd is required", ErrInvalidRequest)
)

const DefaultActiveThreshold = 60 * time.Second

// Store persists registry state. Implementations do not need their own
// locking for consistency; the registry serializes all calls.
type Store interface {
	LoadState() (*models.PersistedState, error)
	SaveAgent(agent models.Agent) error
	DeleteAgent(agentID string) error
	SaveCommand(cmd models.Command) error
	GetCommand(id string) (*models.Command, error)
	ListCommands(filter models.CommandFilter) ([]models.Command, error)
	AbandonCommands(agentID string, at time.Time) error
	AppendLog(entry models.LogEntry) error
	ListLogs(agentID string, limit int) ([]models.LogEntry, error)
	SavePaused(paused bool) error
}

// Publisher receives registry events after the state change is committed
type Publisher interface {
	Publish(event models.Event)
}

// Options configure a Registry
type Options struct {
	ActiveThreshold time.Duration
	Publisher       Publisher
	Now             func() time.Time
}

// Registry is the single mutable store of agents and their command queues
type Registry struct {
	mu     sync.Mutex
	store  Store
	agents map[string]*models.Agent
	live   map[string]*models.Command // pending and dispatched commands
	paused bool
	seq    int64
	active time.Duration
	events Publisher
	now    func() time.Time
}

// PollResult is the outcome of one dispatch attempt
type PollResult struct {
	Command *models.Command
	Reason  string
}

// New creates a registry backed by store and loads its persisted state
func New(store Store, opts Options) (*Registry, error) {
	if store == nil {
		return nil, fmt.Errorf("registry store cannot be nil")
	}

	r := &Registry{
		store:  store,
		agents: make(map[string]*models.Agent),
		live:   make(map[string]*models.Command),
		active: opts.ActiveThreshold,
		events: opts.Publisher,
		now:    opts.Now,
	}
	if r.active <= 0 {
		r.active = DefaultActiveThreshold
	}
	if r.now == nil {
		r.now = time.Now
	}

	if err := r.load(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) load() error {
	state, err := r.store.LoadState()
	if err != nil {
		return fmt.Errorf("failed to load registry state: %w", err)
	}

	for i := range state.Agents {
		agent := state.Agents[i]
		agent.Queue = nil
		r.agents[agent.ID] = &agent
	}

	commands := append([]models.Command(nil), state.Commands...)
	sort.Slice(commands, func(i, j int) bool { return commands[i].Seq < commands[j].Seq })
	for i := range commands {
		cmd := commands[i]
		agent, ok := r.agents[cmd.AgentID]
		if !ok {
			continue
		}
		r.live[cmd.ID] = &cmd
		if cmd.Status == models.CommandPending {
			agent.Queue = append(agent.Queue, cmd.ID)
		}
	}

	r.paused = state.Paused
	r.seq = state.MaxSeq
	logger.Log.Infof("Registry loaded: %d agents, %d live commands, paused=%t", len(r.agents), len(r.live), r.paused)
	return nil
}

// Register creates the agent if absent or refreshes its metadata. The queue,
// the disabled flag and any in-flight command are left untouched.
func (r *Registry) Register(agentID string, info map[string]interface{}) (models.Agent, error) {
	if agentID == "" {
		return models.Agent{}, fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}

	r.mu.Lock()
	now := r.now()
	agent, existed := r.agents[agentID]
	next := models.Agent{ID: agentID, RegisteredAt: now}
	if existed {
		next = cloneAgent(agent)
	}
	next.Info = info
	next.LastSeen = maxTime(next.LastSeen, now)

	if err := r.store.SaveAgent(next); err != nil {
		r.mu.Unlock()
		return models.Agent{}, fmt.Errorf("failed to save agent: %w", err)
	}
	r.agents[agentID] = &next
	out := cloneAgent(&next)
	r.mu.Unlock()

	logger.Log.WithFields(logrus.Fields{"agent_id": agentID, "known": existed}).Info("Agent registered")
	r.publish(models.Event{Type: models.EventAgentRegistered, AgentID: agentID, At: now})
	return out, nil
}

// Enqueue appends payload to the named agent's queue, or to every enabled
// agent's queue when target is "all".
func (r *Registry) Enqueue(target, payload string) ([]models.Command, error) {
	if payload == "" {
		return nil, ErrEmptyPayload
	}
	if target == "" {
		return nil, fmt.Errorf("%w: target is required", ErrInvalidRequest)
	}

	r.mu.Lock()
	var targets []*models.Agent
	if target == models.BroadcastTarget {
		for _, agent := range r.sortedAgents() {
			if !agent.Disabled {
				targets = append(targets, agent)
			}
		}
	} else {
		agent, ok := r.agents[target]
		if !ok {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, target)
		}
		if agent.Disabled {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s", ErrAgentDisabled, target)
		}
		targets = append(targets, agent)
	}

	created, err := r.appendLocked(targets, payload)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}

	for _, cmd := range created {
		r.publish(models.Event{Type: models.EventCommandEnqueued, AgentID: cmd.AgentID, CommandID: cmd.ID, Payload: cmd.Payload, At: cmd.EnqueuedAt})
	}
	return created, nil
}

// StopAll appends a stop-current control payload at the tail of every enabled
// agent's queue. It does not jump ahead of commands already queued.
func (r *Registry) StopAll() ([]models.Command, error) {
	return r.Enqueue(models.BroadcastTarget, models.ControlStop)
}

// Terminate queues the terminate control payload for one agent or "all"
func (r *Registry) Terminate(target string) ([]models.Command, error) {
	return r.Enqueue(target, models.ControlTerminate)
}

// appendLocked creates one command per target. Every command is saved before
// any queue changes; if a save fails the rows already written are marked
// abandoned and no queue is touched. Caller holds r.mu.
func (r *Registry) appendLocked(targets []*models.Agent, payload string) ([]models.Command, error) {
	now := r.now()
	batchID := ""
	if len(targets) > 1 {
		batchID = uuid.New().String()
	}

	created := make([]models.Command, 0, len(targets))
	for _, agent := range targets {
		r.seq++
		cmd := models.Command{
			ID:         uuid.New().String(),
			BatchID:    batchID,
			AgentID:    agent.ID,
			Payload:    payload,
			Status:     models.CommandPending,
			Seq:        r.seq,
			EnqueuedAt: now,
		}
		if err := r.store.SaveCommand(cmd); err != nil {
			r.abandonLocked(created, now)
			return nil, fmt.Errorf("failed to save command: %w", err)
		}
		created = append(created, cmd)
	}

	for i := range created {
		cmd := created[i]
		agent := r.agents[cmd.AgentID]
		next := cloneAgent(agent)
		next.Queue = append(next.Queue, cmd.ID)
		r.agents[cmd.AgentID] = &next
		r.live[cmd.ID] = &cmd
	}
	return created, nil
}

// abandonLocked retires commands written by a batch that could not complete
func (r *Registry) abandonLocked(cmds []models.Command, at time.Time) {
	for _, cmd := range cmds {
		cmd.Status = models.CommandAbandoned
		cmd.CompletedAt = &at
		if err := r.store.SaveCommand(cmd); err != nil {
			logger.Log.WithField("command_id", cmd.ID).Errorf("Failed to abandon partially enqueued command: %v", err)
		}
	}
}

// Poll is the dispatch point. It hands out at most one command, strictly in
// queue order. Ordinary commands wait while another is in flight; control
// payloads are handed out regardless so a busy agent can still be stopped.
func (r *Registry) Poll(agentID string) (PollResult, error) {
	if agentID == "" {
		return PollResult{}, fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}

	r.mu.Lock()
	now := r.now()
	agent, ok := r.agents[agentID]
	var next models.Agent
	if ok {
		next = cloneAgent(agent)
	} else {
		next = models.Agent{ID: agentID, RegisteredAt: now}
	}
	next.LastSeen = maxTime(next.LastSeen, now)

	result := PollResult{}
	var dispatched *models.Command

	switch {
	case r.paused:
		result.Reason = models.ReasonPaused
	case next.Disabled:
		result.Reason = models.ReasonDisabled
	case len(next.Queue) > 0:
		head, found := r.live[next.Queue[0]]
		if !found {
			// Queue entries always have a live command; drop a dangling id.
			next.Queue = next.Queue[1:]
			break
		}
		control := models.IsControl(head.Payload)
		if !control && next.CurrentCommand != "" {
			result.Reason = models.ReasonBusy
			break
		}

		cmd := *head
		cmd.Status = models.CommandDispatched
		cmd.DispatchedAt = &now
		if err := r.store.SaveCommand(cmd); err != nil {
			r.mu.Unlock()
			return PollResult{}, fmt.Errorf("failed to save command: %w", err)
		}
		next.Queue = next.Queue[1:]
		if !control {
			next.CurrentCommand = cmd.ID
		}
		r.live[cmd.ID] = &cmd
		dispatched = &cmd
		out := cmd
		result.Command = &out
	}

	if err := r.store.SaveAgent(next); err != nil {
		r.mu.Unlock()
		return PollResult{}, fmt.Errorf("failed to save agent: %w", err)
	}
	r.agents[agentID] = &next
	r.mu.Unlock()

	if !ok {
		logger.Log.Infof("Agent %s first seen on poll", agentID)
	}
	if dispatched != nil {
		logger.Log.WithFields(logrus.Fields{"agent_id": agentID, "command_id": dispatched.ID}).Infof("Dispatched command: %s", dispatched.Payload)
		r.publish(models.Event{Type: models.EventCommandDispatched, AgentID: agentID, CommandID: dispatched.ID, Payload: dispatched.Payload, At: now})
	}
	return result, nil
}

// ReportResult records a command's terminal output. It is always accepted:
// late reports, reports from disabled agents and reports that match no
// dispatched command only update liveness. The matched command, if any, is
// returned.
func (r *Registry) ReportResult(agentID, commandID, cmdText, result string) (*models.Command, error) {
	if agentID == "" {
		return nil, fmt.Errorf("%w: agent_id is required", ErrInvalidRequest)
	}

	r.mu.Lock()
	now := r.now()
	agent, ok := r.agents[agentID]
	var next models.Agent
	if ok {
		next = cloneAgent(agent)
	} else {
		next = models.Agent{ID: agentID, RegisteredAt: now}
	}
	next.LastSeen = maxTime(next.LastSeen, now)

	var resolved *models.Command
	if match := r.matchLocked(&next, commandID, cmdText); match != nil {
		cmd := *match
		summary := models.ParseResult(result)
		cmd.Status = models.CommandResolved
		cmd.Result = result
		cmd.CompletedAt = &now
		cmd.ExitCode = summary.ExitCode
		cmd.ElapsedSeconds = summary.Elapsed
		if err := r.store.SaveCommand(cmd); err != nil {
			r.mu.Unlock()
			return nil, fmt.Errorf("failed to save command: %w", err)
		}
		if next.CurrentCommand == cmd.ID {
			next.CurrentCommand = ""
		}
		delete(r.live, cmd.ID)
		resolved = &cmd
	}

	if err := r.store.SaveAgent(next); err != nil {
		r.mu.Unlock()
		return nil, fmt.Errorf("failed to save agent: %w", err)
	}
	r.agents[agentID] = &next
	r.mu.Unlock()

	if resolved == nil {
		logger.Log.WithFields(logrus.Fields{"agent_id": agentID, "command_id": commandID}).Warnf("Result matched no dispatched command: %q", cmdText)
		return nil, nil
	}

	logger.Log.WithFields(logrus.Fields{"agent_id": agentID, "command_id": resolved.ID}).Info("Command resolved")
	r.publish(models.Event{Type: models.EventCommandResolved, AgentID: agentID, CommandID: resolved.ID, Payload: resolved.Payload, Result: result, At: now})
	out := *resolved
	return &out, nil
}

// matchLocked finds the dispatched command a result refers to: by id first,
// then the in-flight command with the same text, then the oldest dispatched
// control payload with the same text.
func (r *Registry) matchLocked(agent *models.Agent, commandID, cmdText string) *models.Command {
	if commandID != "" {
		if cmd, ok := r.live[commandID]; ok && cmd.AgentID == agent.ID && cmd.Status == models.CommandDispatched {
			return cmd
		}
		return nil
	}

	if agent.CurrentCommand != "" {
		if cmd, ok := r.live[agent.CurrentCommand]; ok && cmd.Payload == cmdText {
			return cmd
		}
	}

	var oldest *models.Command
	for _, cmd := range r.live {
		if cmd.AgentID != agent.ID || cmd.Status != models.CommandDispatched || cmd.Payload != cmdText {
			continue
		}
		if oldest == nil || cmd.Seq < oldest.Seq {
			oldest = cmd
		}
	}
	return oldest
}

// SetDisabled blocks or unblocks future dispatch to one agent. An already
// dispatched command is allowed to finish.
func (r *Registry) SetDisabled(agentID string, disabled bool) error {
	r.mu.Lock()
	agent, ok := r.agents[agentID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	next := cloneAgent(agent)
	next.Disabled = disabled
	if err := r.store.SaveAgent(next); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to save agent: %w", err)
	}
	r.agents[agentID] = &next
	r.mu.Unlock()

	r.publish(models.Event{Type: disabledEvent(disabled), AgentID: agentID, At: r.now()})
	return nil
}

// SetAllDisabled applies SetDisabled to every known agent and returns how
// many changed.
func (r *Registry) SetAllDisabled(disabled bool) (int, error) {
	r.mu.Lock()
	var changed []string
	for _, agent := range r.sortedAgents() {
		if agent.Disabled == disabled {
			continue
		}
		next := cloneAgent(agent)
		next.Disabled = disabled
		if err := r.store.SaveAgent(next); err != nil {
			r.mu.Unlock()
			return len(changed), fmt.Errorf("failed to save agent: %w", err)
		}
		r.agents[agent.ID] = &next
		changed = append(changed, agent.ID)
	}
	r.mu.Unlock()

	now := r.now()
	for _, id := range changed {
		r.publish(models.Event{Type: disabledEvent(disabled), AgentID: id, At: now})
	}
	return len(changed), nil
}

// SetPaused toggles the global pause flag
func (r *Registry) SetPaused(paused bool) error {
	r.mu.Lock()
	if err := r.store.SavePaused(paused); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to save pause flag: %w", err)
	}
	r.paused = paused
	r.mu.Unlock()

	eventType := models.EventFleetResumed
	if paused {
		eventType = models.EventFleetPaused
	}
	logger.Log.Infof("Fleet paused=%t", paused)
	r.publish(models.Event{Type: eventType, At: r.now()})
	return nil
}

// Paused reports the global pause flag
func (r *Registry) Paused() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused
}

// ClearCurrent frees an agent's in-flight slot without a result, for agents
// that crashed mid-command. The command is marked abandoned, so a result
// arriving later matches nothing.
func (r *Registry) ClearCurrent(agentID string) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	cleared := agent.CurrentCommand
	if cleared == "" {
		return "", nil
	}

	if cmd, ok := r.live[cleared]; ok {
		abandoned := *cmd
		now := r.now()
		abandoned.Status = models.CommandAbandoned
		abandoned.CompletedAt = &now
		if err := r.store.SaveCommand(abandoned); err != nil {
			return "", fmt.Errorf("failed to save command: %w", err)
		}
	}

	next := cloneAgent(agent)
	next.CurrentCommand = ""
	if err := r.store.SaveAgent(next); err != nil {
		return "", fmt.Errorf("failed to save agent: %w", err)
	}
	r.agents[agentID] = &next
	delete(r.live, cleared)
	logger.Log.Warnf("Cleared in-flight command %s of agent %s", cleared, agentID)
	return cleared, nil
}

// Purge removes an agent. Its pending and dispatched commands are marked
// abandoned.
func (r *Registry) Purge(agentID string) error {
	r.mu.Lock()
	if _, ok := r.agents[agentID]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}

	now := r.now()
	if err := r.store.AbandonCommands(agentID, now); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to abandon commands: %w", err)
	}
	if err := r.store.DeleteAgent(agentID); err != nil {
		r.mu.Unlock()
		return fmt.Errorf("failed to delete agent: %w", err)
	}
	for id, cmd := range r.live {
		if cmd.AgentID == agentID {
			delete(r.live, id)
		}
	}
	delete(r.agents, agentID)
	r.mu.Unlock()

	logger.Log.Infof("Agent %s purged", agentID)
	r.publish(models.Event{Type: models.EventAgentPurged, AgentID: agentID, At: now})
	return nil
}

// AppendLog stores an agent log line and counts it as a heartbeat for known
// agents.
func (r *Registry) AppendLog(req models.LogRequest) error {
	if req.AgentID == "" || req.Message == "" {
		return fmt.Errorf("%w: agent_id and message are required", ErrInvalidRequest)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	entry := models.LogEntry{
		AgentID:   req.AgentID,
		Level:     req.Level,
		Message:   req.Message,
		Timestamp: req.Timestamp,
	}
	if entry.Level == "" {
		entry.Level = "info"
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = now
	}
	if err := r.store.AppendLog(entry); err != nil {
		return fmt.Errorf("failed to append log: %w", err)
	}

	if agent, ok := r.agents[req.AgentID]; ok {
		next := cloneAgent(agent)
		next.LastSeen = maxTime(next.LastSeen, now)
		if err := r.store.SaveAgent(next); err != nil {
			return fmt.Errorf("failed to save agent: %w", err)
		}
		r.agents[req.AgentID] = &next
	}
	return nil
}

// GetAgent returns the operator view of one agent
func (r *Registry) GetAgent(agentID string) (models.AgentView, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	if !ok {
		return models.AgentView{}, fmt.Errorf("%w: %s", ErrAgentNotFound, agentID)
	}
	return r.viewLocked(agent, r.now()), nil
}

// ListAgents returns every agent ordered by ID
func (r *Registry) ListAgents() []models.AgentView {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	views := make([]models.AgentView, 0, len(r.agents))
	for _, agent := range r.sortedAgents() {
		views = append(views, r.viewLocked(agent, now))
	}
	return views
}

// IsActive reports whether the agent polled within the active threshold and
// is not disabled.
func (r *Registry) IsActive(agentID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	agent, ok := r.agents[agentID]
	return ok && r.activeLocked(agent, r.now())
}

// GetCommand looks a command up in the live set, then in history
func (r *Registry) GetCommand(id string) (*models.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cmd, ok := r.live[id]; ok {
		out := *cmd
		return &out, nil
	}
	cmd, err := r.store.GetCommand(id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, fmt.Errorf("%w: %s", ErrCommandNotFound, id)
	}
	return cmd, nil
}

// ListCommands returns command history, newest first
func (r *Registry) ListCommands(filter models.CommandFilter) ([]models.Command, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.ListCommands(filter)
}

// ListLogs returns the newest agent log lines, oldest first
func (r *Registry) ListLogs(agentID string, limit int) ([]models.LogEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.store.ListLogs(agentID, limit)
}

// Snapshot returns the full logical state as one document
func (r *Registry) Snapshot(logLimit int) (models.FleetState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	state := models.FleetState{
		Paused: r.paused,
		Agents: make(map[string]models.AgentView, len(r.agents)),
	}
	for id, agent := range r.agents {
		state.Agents[id] = r.viewLocked(agent, now)
	}

	logs, err := r.store.ListLogs("", logLimit)
	if err != nil {
		return state, err
	}
	state.Logs = logs
	return state, nil
}

func (r *Registry) viewLocked(agent *models.Agent, now time.Time) models.AgentView {
	view := models.AgentView{
		Agent:        cloneAgent(agent),
		Active:       r.activeLocked(agent, now),
		PendingCount: len(agent.Queue),
	}
	if view.Queue == nil {
		view.Queue = []string{}
	}
	if cmd, ok := r.live[agent.CurrentCommand]; ok {
		view.CurrentPayload = cmd.Payload
	}
	return view
}

func (r *Registry) activeLocked(agent *models.Agent, now time.Time) bool {
	return !agent.Disabled && now.Sub(agent.LastSeen) <= r.active
}

func (r *Registry) sortedAgents() []*models.Agent {
	agents := make([]*models.Agent, 0, len(r.agents))
	for _, agent := range r.agents {
		agents = append(agents, agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

func (r *Registry) publish(event models.Event) {
	if r.events != nil {
		r.events.Publish(event)
	}
}

func disabledEvent(disabled bool) models.EventType {
	if disabled {
		return models.EventAgentDisabled
	}
	return models.EventAgentEnabled
}

func cloneAgent(agent *models.Agent) models.Agent {
	out := *agent
	out.Queue = append([]string(nil), agent.Queue...)
	return out
}

func maxTime(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

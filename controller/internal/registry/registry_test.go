package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.Event
}

func (p *recordingPublisher) Publish(event models.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) Types() []models.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	types := make([]models.EventType, 0, len(p.events))
	for _, e := range p.events {
		types = append(types, e.Type)
	}
	return types
}

func setupRegistry(t *testing.T) (*Registry, *MemoryStore, *fakeClock, *recordingPublisher) {
	store := NewMemoryStore()
	clock := &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
	pub := &recordingPublisher{}

	reg, err := New(store, Options{
		ActiveThreshold: time.Minute,
		Publisher:       pub,
		Now:             clock.Now,
	})
	require.NoError(t, err)
	return reg, store, clock, pub
}

func pollPayload(t *testing.T, reg *Registry, agentID string) *models.Command {
	res, err := reg.Poll(agentID)
	require.NoError(t, err)
	return res.Command
}

func TestPollReturnsCommandsInEnqueueOrder(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)

	payloads := []string{"echo 1", "echo 2", "echo 3", "echo 4"}
	for _, p := range payloads {
		_, err := reg.Enqueue("w1", p)
		require.NoError(t, err)
	}

	for _, want := range payloads {
		cmd := pollPayload(t, reg, "w1")
		require.NotNil(t, cmd)
		assert.Equal(t, want, cmd.Payload)
		assert.Equal(t, models.CommandDispatched, cmd.Status)

		_, err := reg.ReportResult("w1", cmd.ID, cmd.Payload, "code=0\n")
		require.NoError(t, err)
	}

	assert.Nil(t, pollPayload(t, reg, "w1"))
}

func TestPollGatesOnInFlightCommand(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "sleep 10")
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "echo after")
	require.NoError(t, err)

	first := pollPayload(t, reg, "w1")
	require.NotNil(t, first)

	res, err := reg.Poll("w1")
	require.NoError(t, err)
	assert.Nil(t, res.Command)
	assert.Equal(t, models.ReasonBusy, res.Reason)

	view, err := reg.GetAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, view.CurrentCommand)
	assert.Equal(t, 1, view.PendingCount)

	_, err = reg.ReportResult("w1", first.ID, first.Payload, "code=0\n")
	require.NoError(t, err)

	second := pollPayload(t, reg, "w1")
	require.NotNil(t, second)
	assert.Equal(t, "echo after", second.Payload)
}

func TestControlPayloadBypassesGate(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "sleep 100")
	require.NoError(t, err)

	running := pollPayload(t, reg, "w1")
	require.NotNil(t, running)

	_, err = reg.Enqueue("w1", models.ControlStop)
	require.NoError(t, err)

	stop := pollPayload(t, reg, "w1")
	require.NotNil(t, stop)
	assert.Equal(t, models.ControlStop, stop.Payload)

	view, err := reg.GetAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, running.ID, view.CurrentCommand, "control payloads do not take the in-flight slot")

	killed, err := reg.ReportResult("w1", running.ID, running.Payload, "code=-9, time=0.40\n")
	require.NoError(t, err)
	require.NotNil(t, killed)
	require.NotNil(t, killed.ExitCode)
	assert.Equal(t, -9, *killed.ExitCode)

	ack, err := reg.ReportResult("w1", stop.ID, stop.Payload, models.AckStopped)
	require.NoError(t, err)
	require.NotNil(t, ack)
	assert.Equal(t, models.AckStopped, ack.Result)

	view, err = reg.GetAgent("w1")
	require.NoError(t, err)
	assert.Empty(t, view.CurrentCommand)
}

func TestStopQueuedBehindPendingWaitsForFIFO(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)

	_, err = reg.Enqueue("w1", "sleep 100")
	require.NoError(t, err)
	running := pollPayload(t, reg, "w1")
	require.NotNil(t, running)

	_, err = reg.Enqueue("w1", "echo queued")
	require.NoError(t, err)
	_, err = reg.StopAll()
	require.NoError(t, err)

	res, err := reg.Poll("w1")
	require.NoError(t, err)
	assert.Nil(t, res.Command, "stop cannot jump the pending command")
	assert.Equal(t, models.ReasonBusy, res.Reason)
}

func TestDisabledAgentGetsNoDispatch(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "echo 1")
	require.NoError(t, err)
	inflight := pollPayload(t, reg, "w1")
	require.NotNil(t, inflight)
	_, err = reg.Enqueue("w1", "echo 2")
	require.NoError(t, err)

	require.NoError(t, reg.SetDisabled("w1", true))

	res, err := reg.Poll("w1")
	require.NoError(t, err)
	assert.Nil(t, res.Command)
	assert.Equal(t, models.ReasonDisabled, res.Reason)

	view, err := reg.GetAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, inflight.ID, view.CurrentCommand, "disabling keeps in-flight work")
	assert.Equal(t, 1, view.PendingCount, "disabled poll does not consume the queue")
	assert.False(t, view.Active)

	resolved, err := reg.ReportResult("w1", inflight.ID, inflight.Payload, "code=0\n")
	require.NoError(t, err)
	require.NotNil(t, resolved)

	_, err = reg.Enqueue("w1", "echo 3")
	assert.ErrorIs(t, err, ErrAgentDisabled)

	require.NoError(t, reg.SetDisabled("w1", false))
	next := pollPayload(t, reg, "w1")
	require.NotNil(t, next)
	assert.Equal(t, "echo 2", next.Payload)
}

func TestGlobalPause(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	for _, id := range []string{"w1", "w2"} {
		_, err := reg.Register(id, nil)
		require.NoError(t, err)
	}
	_, err := reg.Enqueue(models.BroadcastTarget, "uptime")
	require.NoError(t, err)

	require.NoError(t, reg.SetPaused(true))
	assert.True(t, reg.Paused())

	for _, id := range []string{"w1", "w2"} {
		res, err := reg.Poll(id)
		require.NoError(t, err)
		assert.Nil(t, res.Command)
		assert.Equal(t, models.ReasonPaused, res.Reason)
	}

	require.NoError(t, reg.SetPaused(false))
	for _, id := range []string{"w1", "w2"} {
		cmd := pollPayload(t, reg, id)
		require.NotNil(t, cmd)
		assert.Equal(t, "uptime", cmd.Payload)
	}
}

func TestEnqueueErrors(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)

	_, err := reg.Enqueue("ghost", "echo hi")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	_, err = reg.Enqueue("ghost", "")
	assert.ErrorIs(t, err, ErrEmptyPayload)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = reg.Enqueue("", "echo hi")
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestBroadcastSkipsDisabledAgents(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	for _, id := range []string{"a", "b", "c"} {
		_, err := reg.Register(id, nil)
		require.NoError(t, err)
	}
	require.NoError(t, reg.SetDisabled("b", true))

	created, err := reg.Enqueue(models.BroadcastTarget, "hostname")
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.Equal(t, "a", created[0].AgentID)
	assert.Equal(t, "c", created[1].AgentID)
	assert.NotEmpty(t, created[0].BatchID)
	assert.Equal(t, created[0].BatchID, created[1].BatchID)

	stops, err := reg.StopAll()
	require.NoError(t, err)
	assert.Len(t, stops, 2)
}

func TestReRegistrationKeepsQueueAndDisabledFlag(t *testing.T) {
	reg, _, clock, _ := setupRegistry(t)
	_, err := reg.Register("w1", map[string]interface{}{"note": "first"})
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "echo keep")
	require.NoError(t, err)
	require.NoError(t, reg.SetDisabled("w1", true))

	clock.Advance(5 * time.Second)
	agent, err := reg.Register("w1", map[string]interface{}{"note": "second"})
	require.NoError(t, err)

	assert.Len(t, agent.Queue, 1)
	assert.True(t, agent.Disabled)
	assert.Equal(t, "second", agent.Info["note"])
	assert.Equal(t, clock.Now(), agent.LastSeen)
}

func TestRoundTripRecordsResult(t *testing.T) {
	reg, _, _, pub := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)

	created, err := reg.Enqueue("w1", "echo hi")
	require.NoError(t, err)
	require.Len(t, created, 1)

	cmd := pollPayload(t, reg, "w1")
	require.NotNil(t, cmd)
	assert.Equal(t, created[0].ID, cmd.ID)

	result := "code=0, time=0.01\nhi\n"
	_, err = reg.ReportResult("w1", cmd.ID, cmd.Payload, result)
	require.NoError(t, err)

	stored, err := reg.GetCommand(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandResolved, stored.Status)
	assert.Equal(t, result, stored.Result)
	require.NotNil(t, stored.ExitCode)
	assert.Equal(t, 0, *stored.ExitCode)

	view, err := reg.GetAgent("w1")
	require.NoError(t, err)
	assert.Empty(t, view.CurrentCommand)

	assert.Equal(t, []models.EventType{
		models.EventAgentRegistered,
		models.EventCommandEnqueued,
		models.EventCommandDispatched,
		models.EventCommandResolved,
	}, pub.Types())
}

func TestResultMatchedByTextForLegacyAgents(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "whoami")
	require.NoError(t, err)
	cmd := pollPayload(t, reg, "w1")
	require.NotNil(t, cmd)

	resolved, err := reg.ReportResult("w1", "", "whoami", "code=0\nroot\n")
	require.NoError(t, err)
	require.NotNil(t, resolved)
	assert.Equal(t, cmd.ID, resolved.ID)
}

func TestLateResultIsAccepted(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)

	resolved, err := reg.ReportResult("stranger", "", "ls", "code=0\n")
	require.NoError(t, err)
	assert.Nil(t, resolved)

	_, err = reg.GetAgent("stranger")
	assert.NoError(t, err, "a reporting agent becomes known")
}

func TestPollCreatesUnknownAgent(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)

	res, err := reg.Poll("fresh")
	require.NoError(t, err)
	assert.Nil(t, res.Command)
	assert.Empty(t, res.Reason)
	assert.True(t, reg.IsActive("fresh"))
}

func TestLastSeenNeverRegresses(t *testing.T) {
	reg, _, clock, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	seen := clock.Now()

	clock.Advance(-30 * time.Second)
	_, err = reg.Poll("w1")
	require.NoError(t, err)

	view, err := reg.GetAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, seen, view.LastSeen)
}

func TestActiveThreshold(t *testing.T) {
	reg, _, clock, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)

	clock.Advance(time.Minute)
	assert.True(t, reg.IsActive("w1"))

	clock.Advance(time.Second)
	assert.False(t, reg.IsActive("w1"))
}

func TestStateSurvivesReload(t *testing.T) {
	reg, store, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err := reg.Enqueue("w1", fmt.Sprintf("echo %d", i))
		require.NoError(t, err)
	}
	first := pollPayload(t, reg, "w1")
	require.NotNil(t, first)
	require.NoError(t, reg.SetPaused(true))

	reloaded, err := New(store, Options{})
	require.NoError(t, err)
	assert.True(t, reloaded.Paused())

	view, err := reloaded.GetAgent("w1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, view.CurrentCommand)
	assert.Equal(t, 2, view.PendingCount)

	require.NoError(t, reloaded.SetPaused(false))
	_, err = reloaded.ReportResult("w1", first.ID, first.Payload, "code=0\n")
	require.NoError(t, err)

	next := pollPayload(t, reloaded, "w1")
	require.NotNil(t, next)
	assert.Equal(t, "echo 2", next.Payload)

	created, err := reloaded.Enqueue("w1", "echo 4")
	require.NoError(t, err)
	assert.Greater(t, created[0].Seq, next.Seq)
}

func TestClearCurrentAndPurge(t *testing.T) {
	reg, store, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "sleep 1000")
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "echo pending")
	require.NoError(t, err)
	stuck := pollPayload(t, reg, "w1")
	require.NotNil(t, stuck)

	cleared, err := reg.ClearCurrent("w1")
	require.NoError(t, err)
	assert.Equal(t, stuck.ID, cleared)

	next := pollPayload(t, reg, "w1")
	require.NotNil(t, next)
	assert.Equal(t, "echo pending", next.Payload)

	require.NoError(t, reg.Purge("w1"))
	_, err = reg.GetAgent("w1")
	assert.ErrorIs(t, err, ErrAgentNotFound)

	abandoned, err := store.ListCommands(models.CommandFilter{Status: models.CommandAbandoned})
	require.NoError(t, err)
	assert.Len(t, abandoned, 2)

	assert.ErrorIs(t, reg.Purge("w1"), ErrAgentNotFound)
}

func TestClearedCommandStaysClearedAfterReload(t *testing.T) {
	reg, store, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "sleep 1000")
	require.NoError(t, err)
	stuck := pollPayload(t, reg, "w1")
	require.NotNil(t, stuck)

	_, err = reg.ClearCurrent("w1")
	require.NoError(t, err)

	saved, err := store.GetCommand(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandAbandoned, saved.Status)
	assert.NotNil(t, saved.CompletedAt)

	reloaded, err := New(store, Options{})
	require.NoError(t, err)
	matched, err := reloaded.ReportResult("w1", stuck.ID, "sleep 1000", "code=0, time=999.00\n")
	require.NoError(t, err)
	assert.Nil(t, matched)

	saved, err = store.GetCommand(stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, models.CommandAbandoned, saved.Status)
}

// flakyStore fails the nth SaveCommand call
type flakyStore struct {
	*MemoryStore
	failOn int
	calls  int
}

func (s *flakyStore) SaveCommand(cmd models.Command) error {
	s.calls++
	if s.calls == s.failOn {
		return fmt.Errorf("disk full")
	}
	return s.MemoryStore.SaveCommand(cmd)
}

func TestBroadcastEnqueueIsAllOrNothing(t *testing.T) {
	store := &flakyStore{MemoryStore: NewMemoryStore()}
	pub := &recordingPublisher{}
	reg, err := New(store, Options{Publisher: pub})
	require.NoError(t, err)
	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := reg.Register(id, nil)
		require.NoError(t, err)
	}

	store.failOn = 2
	_, err = reg.Enqueue(models.BroadcastTarget, "echo hi")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")

	for _, id := range []string{"w1", "w2", "w3"} {
		agent, err := reg.GetAgent(id)
		require.NoError(t, err)
		assert.Empty(t, agent.Queue, id)
		assert.Nil(t, pollPayload(t, reg, id), id)
	}
	assert.NotContains(t, pub.Types(), models.EventCommandEnqueued)

	pending, err := store.ListCommands(models.CommandFilter{Status: models.CommandPending})
	require.NoError(t, err)
	assert.Empty(t, pending)
	abandoned, err := store.ListCommands(models.CommandFilter{Status: models.CommandAbandoned})
	require.NoError(t, err)
	require.Len(t, abandoned, 1)
	assert.Equal(t, "w1", abandoned[0].AgentID)

	store.failOn = 0
	created, err := reg.Enqueue(models.BroadcastTarget, "echo hi")
	require.NoError(t, err)
	assert.Len(t, created, 3)
}

func TestSetAllDisabled(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	for _, id := range []string{"a", "b"} {
		_, err := reg.Register(id, nil)
		require.NoError(t, err)
	}

	changed, err := reg.SetAllDisabled(true)
	require.NoError(t, err)
	assert.Equal(t, 2, changed)

	changed, err = reg.SetAllDisabled(true)
	require.NoError(t, err)
	assert.Equal(t, 0, changed)

	for _, view := range reg.ListAgents() {
		assert.True(t, view.Disabled)
	}
}

func TestAppendLogAndSnapshot(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)

	require.NoError(t, reg.AppendLog(models.LogRequest{AgentID: "w1", Message: "started"}))
	assert.ErrorIs(t, reg.AppendLog(models.LogRequest{AgentID: "w1"}), ErrInvalidRequest)

	state, err := reg.Snapshot(10)
	require.NoError(t, err)
	assert.Contains(t, state.Agents, "w1")
	require.Len(t, state.Logs, 1)
	assert.Equal(t, "info", state.Logs[0].Level)
}

func TestConcurrentPollsDispatchEachCommandOnce(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	_, err := reg.Register("w1", nil)
	require.NoError(t, err)
	_, err = reg.Enqueue("w1", "echo once")
	require.NoError(t, err)

	var wg sync.WaitGroup
	var mu sync.Mutex
	dispatched := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := reg.Poll("w1")
			assert.NoError(t, err)
			if res.Command != nil {
				mu.Lock()
				dispatched++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, dispatched)
}

func TestTerminateQueuesControlPayload(t *testing.T) {
	reg, _, _, _ := setupRegistry(t)
	for _, id := range []string{"w1", "w2", "w3"} {
		_, err := reg.Register(id, nil)
		require.NoError(t, err)
	}
	require.NoError(t, reg.SetDisabled("w3", true))

	created, err := reg.Terminate(models.BroadcastTarget)
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.NotEmpty(t, created[0].BatchID)
	assert.Equal(t, created[0].BatchID, created[1].BatchID)

	cmd := pollPayload(t, reg, "w1")
	require.NotNil(t, cmd)
	assert.Equal(t, models.ControlTerminate, cmd.Payload)

	_, err = reg.Terminate("ghost")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/doniyusdinar/command-fleet/agent/internal/backoff"
	"github.com/doniyusdinar/command-fleet/agent/internal/client"
	"github.com/doniyusdinar/command-fleet/agent/internal/executor"
	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/sirupsen/logrus"
)

type State string

const (
	StateRegistering State = "registering"
	StatePolling     State = "polling"
	StateExecuting   State = "executing"
	StateIdle        State = "idle"
	StateTerminated  State = "terminated"
)

const (
	DefaultPollInterval     = 3 * time.Second
	DefaultRegisterAttempts = 5
	DefaultShutdownTimeout  = 10 * time.Second

	reportTimeout = 10 * time.Second
)

// Controller is the part of the controller API the loop needs
type Controller interface {
	Register(ctx context.Context, agentID string, info map[string]interface{}) (time.Duration, error)
	Poll(ctx context.Context, agentID string) (client.Task, error)
	ReportResult(ctx context.Context, req models.ResultRequest) error
}

// Runner executes one command at a time
type Runner interface {
	Execute(cmd models.Command, onDone func(executor.Outcome)) error
	Cancel() error
	Current() (executor.RunInfo, bool)
	Wait(ctx context.Context) error
}

type Options struct {
	AgentID          string
	Info             map[string]interface{}
	PollInterval     time.Duration
	RegisterAttempts int
	ShutdownTimeout  time.Duration
	// Backoff spaces registration attempts; nil uses backoff.Default
	Backoff *backoff.Backoff
}

// Status is a point-in-time view of the loop
type Status struct {
	AgentID    string            `json:"agent_id"`
	State      State             `json:"state"`
	Registered bool              `json:"registered"`
	Current    *executor.RunInfo `json:"current,omitempty"`
	Backlog    int               `json:"backlog"`
	Outbox     int               `json:"outbox"`
	LastPoll   *time.Time        `json:"last_poll,omitempty"`
}

type Poller struct {
	controller       Controller
	engine           Runner
	agentID          string
	info             map[string]interface{}
	registerAttempts int
	shutdownTimeout  time.Duration
	backoff          *backoff.Backoff

	wake             chan struct{}
	updateIntervalCh chan time.Duration

	mu           sync.Mutex
	state        State
	registered   bool
	stopping     bool
	pollInterval time.Duration
	lastPoll     time.Time
	backlog      []models.Command
	outbox       []models.ResultRequest
}

func NewPoller(controller Controller, engine Runner, opts Options) *Poller {
	p := &Poller{
		controller:       controller,
		engine:           engine,
		agentID:          opts.AgentID,
		info:             opts.Info,
		registerAttempts: opts.RegisterAttempts,
		shutdownTimeout:  opts.ShutdownTimeout,
		backoff:          opts.Backoff,
		pollInterval:     opts.PollInterval,
		state:            StateRegistering,
		wake:             make(chan struct{}, 1),
		updateIntervalCh: make(chan time.Duration, 1),
	}
	if p.registerAttempts <= 0 {
		p.registerAttempts = DefaultRegisterAttempts
	}
	if p.shutdownTimeout <= 0 {
		p.shutdownTimeout = DefaultShutdownTimeout
	}
	if p.pollInterval <= 0 {
		p.pollInterval = DefaultPollInterval
	}
	if p.backoff == nil {
		p.backoff = backoff.Default()
	}
	return p
}

// Wake makes the loop poll now instead of at the next tick
func (p *Poller) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Start runs the loop until ctx is cancelled or the controller sends a
// terminate. Either way the active run is killed and its result flushed
// before it returns.
func (p *Poller) Start(ctx context.Context) error {
	defer p.shutdown()

	p.registerWithRetry(ctx)
	if ctx.Err() != nil {
		return nil
	}
	p.setState(StatePolling)

	ticker := time.NewTicker(p.interval())
	defer ticker.Stop()

	for {
		if p.cycle(ctx) {
			logger.Log.Info("Terminated by controller")
			return nil
		}

		select {
		case <-ctx.Done():
			logger.Log.Info("Polling stopped")
			return nil

		case newInterval := <-p.updateIntervalCh:
			logger.Log.Infof("Updating poll interval to %v", newInterval)
			ticker.Reset(newInterval)

		case <-p.wake:
			logger.Log.Debug("Woken up for new command")

		case <-ticker.C:
		}
	}
}

func (p *Poller) registerWithRetry(ctx context.Context) {
	p.backoff.Reset()
	for {
		err := p.register(ctx)
		if err == nil {
			return
		}
		if p.backoff.Attempts()+1 >= p.registerAttempts {
			logger.Log.Warnf("Registration failed after %d attempts, polling anyway: %v", p.registerAttempts, err)
			return
		}
		logger.Log.Warnf("Registration failed, retrying: %v", err)
		if !p.backoff.Sleep(ctx) {
			return
		}
	}
}

func (p *Poller) register(ctx context.Context) error {
	interval, err := p.controller.Register(ctx, p.agentID, p.info)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.registered = true
	changed := interval > 0 && interval != p.pollInterval
	if changed {
		p.pollInterval = interval
	}
	p.mu.Unlock()

	if changed {
		select {
		case p.updateIntervalCh <- interval:
		default:
		}
	}
	logger.Log.Infof("Registered with controller as %s", p.agentID)
	return nil
}

// cycle runs one poll and reports whether the agent must exit
func (p *Poller) cycle(ctx context.Context) bool {
	p.flushOutbox(ctx)

	p.setState(StatePolling)
	task, err := p.controller.Poll(ctx, p.agentID)
	if err != nil {
		if ctx.Err() == nil {
			logger.Log.Warnf("Poll failed: %v", err)
		}
		p.settle()
		return false
	}

	p.mu.Lock()
	p.lastPoll = time.Now()
	registered := p.registered
	p.mu.Unlock()

	if !registered {
		if err := p.register(ctx); err != nil {
			logger.Log.Warnf("Registration retry failed: %v", err)
		}
	}

	switch task.Payload {
	case "":
		if task.Reason != "" {
			logger.Log.Debugf("Nothing dispatched: %s", task.Reason)
		}

	case models.ControlStop:
		logger.Log.Info("Stop requested for the current command")
		if err := p.engine.Cancel(); err != nil {
			logger.Log.Errorf("Failed to stop current command: %v", err)
		}
		p.report(ctx, models.ResultRequest{
			AgentID:   p.agentID,
			CommandID: task.ID,
			Cmd:       task.Payload,
			Result:    models.AckStopped,
		})

	case models.ControlTerminate:
		p.report(ctx, models.ResultRequest{
			AgentID:   p.agentID,
			CommandID: task.ID,
			Cmd:       task.Payload,
			Result:    models.AckTerminated,
		})
		return true

	default:
		p.dispatch(models.Command{ID: task.ID, AgentID: p.agentID, Payload: task.Payload})
	}

	p.settle()
	return false
}

// dispatch queues cmd behind the local backlog and starts it if the engine is free
func (p *Poller) dispatch(cmd models.Command) {
	p.mu.Lock()
	if p.stopping {
		p.mu.Unlock()
		return
	}
	p.backlog = append(p.backlog, cmd)
	if len(p.backlog) > 1 {
		logger.Log.Infof("Command %s queued locally behind %d others", cmd.ID, len(p.backlog)-1)
	}
	failed := p.startNextLocked()
	p.mu.Unlock()

	for _, outcome := range failed {
		p.finishReport(outcome)
	}
}

// startNextLocked starts the backlog head unless a run is active. It returns
// the outcomes of commands that could not be spawned.
func (p *Poller) startNextLocked() []executor.Outcome {
	var failed []executor.Outcome
	for len(p.backlog) > 0 && !p.stopping {
		next := p.backlog[0]
		err := p.engine.Execute(next, p.onDone)
		if errors.Is(err, executor.ErrBusy) {
			break
		}
		p.backlog = p.backlog[1:]
		if err != nil {
			logger.Log.Errorf("Failed to start command %s: %v", next.ID, err)
			failed = append(failed, executor.SpawnFailure(next, err))
			continue
		}
		p.state = StateExecuting
		break
	}
	return failed
}

func (p *Poller) onDone(outcome executor.Outcome) {
	p.finishReport(outcome)

	p.mu.Lock()
	failed := p.startNextLocked()
	p.mu.Unlock()

	for _, o := range failed {
		p.finishReport(o)
	}
	p.settle()
}

func (p *Poller) finishReport(outcome executor.Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), reportTimeout)
	defer cancel()

	p.report(ctx, models.ResultRequest{
		AgentID:   p.agentID,
		CommandID: outcome.CommandID,
		Cmd:       outcome.Payload,
		Result:    outcome.ResultText(),
	})
}

// report delivers a result, parking it in the outbox when the controller
// cannot be reached
func (p *Poller) report(ctx context.Context, req models.ResultRequest) {
	err := p.controller.ReportResult(ctx, req)
	if err == nil {
		return
	}

	fields := logrus.Fields{"command_id": req.CommandID}
	if errors.Is(err, client.ErrProtocol) {
		logger.Log.WithFields(fields).Errorf("Controller refused result: %v", err)
		return
	}
	logger.Log.WithFields(fields).Warnf("Failed to report result, will retry: %v", err)

	p.mu.Lock()
	p.outbox = append(p.outbox, req)
	p.mu.Unlock()
}

func (p *Poller) flushOutbox(ctx context.Context) {
	p.mu.Lock()
	pending := p.outbox
	p.outbox = nil
	p.mu.Unlock()

	for i, req := range pending {
		err := p.controller.ReportResult(ctx, req)
		if err == nil {
			logger.Log.Infof("Delivered deferred result for %s", req.CommandID)
			continue
		}
		if errors.Is(err, client.ErrProtocol) {
			logger.Log.Errorf("Controller refused deferred result for %s: %v", req.CommandID, err)
			continue
		}

		logger.Log.Warnf("Controller still unreachable, keeping %d results: %v", len(pending)-i, err)
		p.mu.Lock()
		p.outbox = append(append([]models.ResultRequest{}, pending[i:]...), p.outbox...)
		p.mu.Unlock()
		return
	}
}

// shutdown stops new runs, kills the active one and waits for its result to
// go out
func (p *Poller) shutdown() {
	p.mu.Lock()
	p.stopping = true
	if n := len(p.backlog); n > 0 {
		logger.Log.Warnf("Dropping %d locally queued commands", n)
	}
	p.backlog = nil
	p.mu.Unlock()

	if err := p.engine.Cancel(); err != nil {
		logger.Log.Errorf("Failed to cancel running command: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.shutdownTimeout)
	defer cancel()

	if err := p.engine.Wait(ctx); err != nil {
		logger.Log.Warnf("Gave up waiting for the running command: %v", err)
	}
	p.flushOutbox(ctx)

	p.setState(StateTerminated)
}

func (p *Poller) setState(state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != StateTerminated {
		p.state = state
	}
}

// settle moves the loop to executing or idle depending on the engine
func (p *Poller) settle() {
	_, busy := p.engine.Current()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateTerminated || p.state == StateRegistering {
		return
	}
	if busy {
		p.state = StateExecuting
	} else {
		p.state = StateIdle
	}
}

func (p *Poller) interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pollInterval
}

// Status reports the loop's state for the status endpoint
func (p *Poller) Status() Status {
	run, busy := p.engine.Current()

	p.mu.Lock()
	defer p.mu.Unlock()

	status := Status{
		AgentID:    p.agentID,
		State:      p.state,
		Registered: p.registered,
		Backlog:    len(p.backlog),
		Outbox:     len(p.outbox),
	}
	if busy {
		status.Current = &run
	}
	if !p.lastPoll.IsZero() {
		last := p.lastPoll
		status.LastPoll = &last
	}
	return status
}

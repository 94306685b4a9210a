// Package executor runs one shell command at a time in its own process group
// and reports how it ended.
package executor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	// MaxOutputChars bounds the output carried in a result
	MaxOutputChars = 15000

	DefaultGracePeriod = 3 * time.Second
	DefaultTimeout     = 300 * time.Second

	// pipes held open by escaped descendants stop blocking Wait after this
	waitDelay = 2 * time.Second
)

var (
	ErrBusy    = errors.New("a command is already running")
	ErrSpawn   = errors.New("failed to start command")
	ErrTimeout = errors.New("command timed out")
)

// Options configure an Engine. Zero values select the defaults; a negative
// Timeout disables it.
type Options struct {
	Timeout     time.Duration
	GracePeriod time.Duration
}

// Outcome describes how a run ended
type Outcome struct {
	CommandID string
	Payload   string
	ExitCode  int
	Output    string
	Elapsed   time.Duration
	Killed    bool
	TimedOut  bool
	Err       error
}

// ResultText renders the outcome in the wire convention understood by the
// controller.
func (o Outcome) ResultText() string {
	switch {
	case o.TimedOut:
		return fmt.Sprintf("error: timeout after %s, time=%.2f\n%s", o.Elapsed.Round(10*time.Millisecond), o.Elapsed.Seconds(), o.Output)
	case o.Err != nil:
		return fmt.Sprintf("error: %v", o.Err)
	default:
		return models.FormatResult(o.ExitCode, o.Elapsed, o.Output)
	}
}

// SpawnFailure builds the outcome reported when a command could not be started
func SpawnFailure(cmd models.Command, err error) Outcome {
	return Outcome{CommandID: cmd.ID, Payload: cmd.Payload, ExitCode: -1, Err: err}
}

// RunInfo is a snapshot of the active run
type RunInfo struct {
	CommandID string    `json:"command_id"`
	Payload   string    `json:"cmd"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
}

type run struct {
	info      RunInfo
	cmd       *exec.Cmd
	output    *cappedBuffer
	exited    chan struct{}
	cancelled bool
	timedOut  bool
}

// Engine owns at most one live process group
type Engine struct {
	mu      sync.Mutex
	timeout time.Duration
	grace   time.Duration
	current *run
	pending sync.WaitGroup
}

func New(opts Options) *Engine {
	e := &Engine{timeout: opts.Timeout, grace: opts.GracePeriod}
	if e.timeout == 0 {
		e.timeout = DefaultTimeout
	}
	if e.grace <= 0 {
		e.grace = DefaultGracePeriod
	}
	return e
}

// Execute starts cmd.Payload through the system shell and returns without
// waiting for it. onDone is called exactly once when the run ends, after the
// engine is free to accept the next command.
func (e *Engine) Execute(cmd models.Command, onDone func(Outcome)) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current != nil {
		return ErrBusy
	}

	output := newCappedBuffer(MaxOutputChars)
	c := shellCommand(cmd.Payload)
	c.Stdout = output
	c.Stderr = output
	c.WaitDelay = waitDelay
	setProcessGroup(c)

	started := time.Now()
	if err := c.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrSpawn, err)
	}

	r := &run{
		info: RunInfo{
			CommandID: cmd.ID,
			Payload:   cmd.Payload,
			PID:       c.Process.Pid,
			StartedAt: started,
		},
		cmd:    c,
		output: output,
		exited: make(chan struct{}),
	}
	e.current = r
	e.pending.Add(1)

	logger.Log.WithFields(logrus.Fields{"command_id": cmd.ID, "pid": r.info.PID}).Infof("Started command: %s", cmd.Payload)
	go e.wait(r, onDone)
	return nil
}

func (e *Engine) wait(r *run, onDone func(Outcome)) {
	defer e.pending.Done()

	waitErr := make(chan error, 1)
	go func() { waitErr <- r.cmd.Wait() }()

	var timeout <-chan time.Time
	if e.timeout > 0 {
		timer := time.NewTimer(e.timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	var err error
	select {
	case err = <-waitErr:
	case <-timeout:
		e.mu.Lock()
		r.timedOut = true
		e.mu.Unlock()
		logger.Log.Warnf("Command %s exceeded %s, killing process group", r.info.CommandID, e.timeout)
		if killErr := e.kill(r); killErr != nil {
			logger.Log.Errorf("Failed to kill timed out command %s: %v", r.info.CommandID, killErr)
		}
		err = <-waitErr
	}
	close(r.exited)

	outcome := Outcome{
		CommandID: r.info.CommandID,
		Payload:   r.info.Payload,
		Elapsed:   time.Since(r.info.StartedAt),
		Output:    r.output.String(),
	}

	e.mu.Lock()
	outcome.Killed = r.cancelled
	outcome.TimedOut = r.timedOut
	e.current = nil
	e.mu.Unlock()

	switch {
	case r.cmd.ProcessState != nil:
		outcome.ExitCode = exitStatus(r.cmd.ProcessState)
	default:
		outcome.ExitCode = -1
		outcome.Err = err
	}
	if outcome.TimedOut {
		outcome.Err = fmt.Errorf("%w after %s", ErrTimeout, e.timeout)
	}

	logger.Log.WithFields(logrus.Fields{
		"command_id": outcome.CommandID,
		"exit_code":  outcome.ExitCode,
		"elapsed":    outcome.Elapsed.Round(time.Millisecond).String(),
		"killed":     outcome.Killed,
	}).Info("Command finished")

	if onDone != nil {
		onDone(outcome)
	}
}

// Cancel kills the active run's process group. It returns once the signal is
// sent; the run's onDone still fires with Killed set. Without an active run,
// or when the run is already being cancelled, it does nothing.
func (e *Engine) Cancel() error {
	e.mu.Lock()
	r := e.current
	if r == nil || r.cancelled {
		e.mu.Unlock()
		return nil
	}
	r.cancelled = true
	e.mu.Unlock()

	logger.Log.Warnf("Cancelling command %s (pid %d)", r.info.CommandID, r.info.PID)
	return e.kill(r)
}

// kill sends SIGKILL to the whole group. If that fails the tracked process
// gets SIGTERM, then SIGKILL after the grace period.
func (e *Engine) kill(r *run) error {
	err := killGroup(r.info.PID)
	if err == nil {
		return nil
	}
	logger.Log.Warnf("Process group kill failed for pid %d: %v", r.info.PID, err)

	if err := terminate(r.cmd.Process); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	go func() {
		select {
		case <-r.exited:
		case <-time.After(e.grace):
			if err := r.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
				logger.Log.Errorf("Failed to kill pid %d: %v", r.info.PID, err)
			}
		}
	}()
	return nil
}

// Current returns the active run, if any
func (e *Engine) Current() (RunInfo, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.current == nil {
		return RunInfo{}, false
	}
	return e.current.info, true
}

// Busy reports whether a run is active
func (e *Engine) Busy() bool {
	_, busy := e.Current()
	return busy
}

// Wait blocks until every started run has ended and its onDone has returned
func (e *Engine) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.pending.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

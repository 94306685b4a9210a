//go:build !windows

package poller

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/doniyusdinar/command-fleet/agent/internal/backoff"
	"github.com/doniyusdinar/command-fleet/agent/internal/client"
	"github.com/doniyusdinar/command-fleet/agent/internal/executor"
	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeController hands out queued payloads one per poll, without gating
type fakeController struct {
	mu            sync.Mutex
	queue         []string
	results       []models.ResultRequest
	registerCalls int
	resultCalls   int
	failRegister  int
	failResults   int
	pollInterval  int
	seq           int
}

func (f *fakeController) push(payloads ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queue = append(f.queue, payloads...)
}

func (f *fakeController) Results() []models.ResultRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.ResultRequest(nil), f.results...)
}

func (f *fakeController) counts() (register, result int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.registerCalls, f.resultCalls
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch r.URL.Path {
	case "/api/v1/register":
		f.registerCalls++
		if f.registerCalls <= f.failRegister {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		json.NewEncoder(w).Encode(models.RegisterResponse{Status: "ok", PollIntervalSecs: f.pollInterval})

	case "/api/v1/task":
		if len(f.queue) == 0 {
			w.Write([]byte(`{"cmd":null}`))
			return
		}
		payload := f.queue[0]
		f.queue = f.queue[1:]
		f.seq++
		json.NewEncoder(w).Encode(models.PollResponse{Cmd: &payload, ID: fmt.Sprintf("c%d", f.seq)})

	case "/api/v1/result":
		f.resultCalls++
		if f.resultCalls <= f.failResults {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		var req models.ResultRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.results = append(f.results, req)
		w.Write([]byte(`{"status":"ok"}`))

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func setupPoller(t *testing.T, fake *fakeController, opts Options) *Poller {
	t.Helper()

	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	if opts.AgentID == "" {
		opts.AgentID = "w1"
	}
	if opts.PollInterval == 0 {
		opts.PollInterval = 20 * time.Millisecond
	}
	if opts.Backoff == nil {
		opts.Backoff = backoff.New(time.Millisecond, 5*time.Millisecond, 2)
	}
	opts.ShutdownTimeout = 5 * time.Second

	engine := executor.New(executor.Options{Timeout: 10 * time.Second})
	return NewPoller(client.New(server.URL, "agent", "secret123"), engine, opts)
}

// runPoller starts the loop; done is closed once Start returns
func runPoller(t *testing.T, p *Poller) (context.CancelFunc, <-chan struct{}) {
	t.Helper()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		assert.NoError(t, p.Start(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
			t.Error("poller did not stop")
		}
	})
	return cancel, done
}

func TestEchoRoundTrip(t *testing.T) {
	fake := &fakeController{}
	fake.push("echo hi")
	p := setupPoller(t, fake, Options{})
	runPoller(t, p)

	require.Eventually(t, func() bool { return len(fake.Results()) == 1 }, 5*time.Second, 10*time.Millisecond)

	result := fake.Results()[0]
	assert.Equal(t, "w1", result.AgentID)
	assert.Equal(t, "c1", result.CommandID)
	assert.Equal(t, "echo hi", result.Cmd)
	assert.True(t, strings.HasPrefix(result.Result, "code=0, time="), result.Result)
	assert.Contains(t, result.Result, "hi")
}

func TestStopAfterLongCommand(t *testing.T) {
	fake := &fakeController{}
	fake.push("sleep 30")
	p := setupPoller(t, fake, Options{})
	runPoller(t, p)

	require.Eventually(t, func() bool { return p.Status().State == StateExecuting }, 5*time.Second, 10*time.Millisecond)
	assert.NotNil(t, p.Status().Current)

	fake.push(models.ControlStop)

	require.Eventually(t, func() bool { return len(fake.Results()) == 2 }, 5*time.Second, 10*time.Millisecond)

	byCmd := map[string]string{}
	for _, r := range fake.Results() {
		byCmd[r.Cmd] = r.Result
	}
	assert.Equal(t, models.AckStopped, byCmd[models.ControlStop])
	assert.True(t, strings.HasPrefix(byCmd["sleep 30"], "code=-9"), byCmd["sleep 30"])

	require.Eventually(t, func() bool { return p.Status().State == StateIdle }, 5*time.Second, 10*time.Millisecond)
}

func TestTerminateExitsLoop(t *testing.T) {
	fake := &fakeController{}
	fake.push(models.ControlTerminate)
	p := setupPoller(t, fake, Options{})
	_, done := runPoller(t, p)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not exit on terminate")
	}

	results := fake.Results()
	require.Len(t, results, 1)
	assert.Equal(t, models.AckTerminated, results[0].Result)
	assert.Equal(t, StateTerminated, p.Status().State)
}

func TestLocalBacklogRunsInOrder(t *testing.T) {
	fake := &fakeController{}
	fake.push("sleep 0.3; echo first", "echo second")
	p := setupPoller(t, fake, Options{})
	runPoller(t, p)

	require.Eventually(t, func() bool { return p.Status().Backlog == 1 }, 5*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(fake.Results()) == 2 }, 5*time.Second, 10*time.Millisecond)

	results := fake.Results()
	assert.Contains(t, results[0].Result, "first")
	assert.Contains(t, results[1].Result, "second")
	assert.Equal(t, 0, p.Status().Backlog)
}

func TestRegistrationSelfHeals(t *testing.T) {
	fake := &fakeController{failRegister: 3}
	p := setupPoller(t, fake, Options{RegisterAttempts: 2})
	runPoller(t, p)

	require.Eventually(t, func() bool { return p.Status().Registered }, 5*time.Second, 10*time.Millisecond)

	registerCalls, _ := fake.counts()
	assert.Equal(t, 4, registerCalls)
}

func TestUndeliveredResultIsResent(t *testing.T) {
	fake := &fakeController{failResults: 2}
	fake.push("echo hi")
	p := setupPoller(t, fake, Options{})
	runPoller(t, p)

	require.Eventually(t, func() bool { return len(fake.Results()) == 1 }, 5*time.Second, 10*time.Millisecond)

	_, resultCalls := fake.counts()
	assert.Equal(t, 3, resultCalls)
	assert.Contains(t, fake.Results()[0].Result, "hi")
	assert.Equal(t, 0, p.Status().Outbox)
}

func TestShutdownReportsKilledRun(t *testing.T) {
	fake := &fakeController{}
	fake.push("sleep 30")
	p := setupPoller(t, fake, Options{})
	cancel, done := runPoller(t, p)

	require.Eventually(t, func() bool { return p.Status().Current != nil }, 5*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("poller did not shut down")
	}

	results := fake.Results()
	require.Len(t, results, 1)
	assert.True(t, strings.HasPrefix(results[0].Result, "code=-9"), results[0].Result)
	assert.Equal(t, StateTerminated, p.Status().State)
	assert.Nil(t, p.Status().Current)
}

func TestWakePollsImmediately(t *testing.T) {
	fake := &fakeController{}
	p := setupPoller(t, fake, Options{PollInterval: time.Hour})
	runPoller(t, p)

	require.Eventually(t, func() bool { return p.Status().LastPoll != nil }, 5*time.Second, 10*time.Millisecond)

	fake.push("echo woken")
	p.Wake()

	require.Eventually(t, func() bool { return len(fake.Results()) == 1 }, 5*time.Second, 10*time.Millisecond)
	assert.Contains(t, fake.Results()[0].Result, "woken")
}

func TestRegisterAppliesPollInterval(t *testing.T) {
	fake := &fakeController{pollInterval: 7}
	p := setupPoller(t, fake, Options{PollInterval: time.Second})

	require.NoError(t, p.register(context.Background()))
	assert.Equal(t, 7*time.Second, p.interval())
	assert.True(t, p.Status().Registered)
}

package logsink

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSender struct {
	mu      sync.Mutex
	lines   []models.LogRequest
	err     error
	release chan struct{}
}

func (s *recordingSender) SendLog(ctx context.Context, req models.LogRequest) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.lines = append(s.lines, req)
	return nil
}

func (s *recordingSender) Lines() []models.LogRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.LogRequest(nil), s.lines...)
}

func newTestLogger(hook logrus.Hook) *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	log.SetLevel(logrus.DebugLevel)
	log.AddHook(hook)
	return log
}

func TestHookShipsEntriesAtLevel(t *testing.T) {
	sender := &recordingSender{}
	hook := New(sender, "w1", 10, logrus.InfoLevel)
	log := newTestLogger(hook)

	log.Debug("not shipped")
	log.Info("started")
	log.Warn("slow")

	hook.Close(context.Background())

	lines := sender.Lines()
	require.Len(t, lines, 2)
	assert.Equal(t, "started", lines[0].Message)
	assert.Equal(t, "info", lines[0].Level)
	assert.Equal(t, "w1", lines[0].AgentID)
	assert.False(t, lines[0].Timestamp.IsZero())
	assert.Equal(t, "warning", lines[1].Level)
}

func TestHookDropsWhenFull(t *testing.T) {
	sender := &recordingSender{release: make(chan struct{})}
	hook := New(sender, "w1", 1, logrus.InfoLevel)
	log := newTestLogger(hook)

	for i := 0; i < 10; i++ {
		log.Info("line")
	}

	assert.GreaterOrEqual(t, hook.Dropped(), int64(8))

	close(sender.release)
	hook.Close(context.Background())
	assert.LessOrEqual(t, len(sender.Lines()), 2)
}

func TestHookCountsFailures(t *testing.T) {
	sender := &recordingSender{err: errors.New("unreachable")}
	hook := New(sender, "w1", 10, logrus.InfoLevel)
	log := newTestLogger(hook)

	log.Error("boom")
	hook.Close(context.Background())

	assert.Equal(t, int64(1), hook.Failed())
	assert.Empty(t, sender.Lines())
}

func TestHookCloseRespectsDeadline(t *testing.T) {
	sender := &recordingSender{release: make(chan struct{})}
	hook := New(sender, "w1", 10, logrus.InfoLevel)
	log := newTestLogger(hook)

	log.Info("stuck")
	log.Info("queued")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	hook.Close(ctx)
	assert.Less(t, time.Since(start), 2*time.Second)

	// entries after close are ignored
	log.Info("late")
	assert.Empty(t, sender.Lines())
}

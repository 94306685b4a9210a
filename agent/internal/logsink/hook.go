// Package logsink copies agent log lines to the controller's log endpoint.
package logsink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/sirupsen/logrus"
)

const (
	defaultBuffer = 256
	sendTimeout   = 5 * time.Second
)

// Sender delivers one log line
type Sender interface {
	SendLog(ctx context.Context, req models.LogRequest) error
}

// Hook is a logrus hook that queues entries on a bounded channel and ships
// them from a single goroutine. Entries are dropped when the queue is full or
// the controller cannot be reached; logging never blocks on the network.
type Hook struct {
	agentID string
	sender  Sender
	levels  []logrus.Level

	entries chan models.LogRequest
	done    chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc

	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
	failed  atomic.Int64
}

// New starts shipping entries at minLevel or more severe
func New(sender Sender, agentID string, buffer int, minLevel logrus.Level) *Hook {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hook{
		agentID: agentID,
		sender:  sender,
		entries: make(chan models.LogRequest, buffer),
		done:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, level := range logrus.AllLevels {
		if level <= minLevel {
			h.levels = append(h.levels, level)
		}
	}

	go h.run()
	return h
}

func (h *Hook) Levels() []logrus.Level {
	return h.levels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.closed {
		return nil
	}

	req := models.LogRequest{
		AgentID:   h.agentID,
		Message:   entry.Message,
		Level:     entry.Level.String(),
		Timestamp: entry.Time,
	}

	select {
	case h.entries <- req:
	default:
		h.dropped.Add(1)
	}
	return nil
}

// Dropped counts entries discarded because the queue was full
func (h *Hook) Dropped() int64 {
	return h.dropped.Load()
}

// Failed counts entries the controller did not accept
func (h *Hook) Failed() int64 {
	return h.failed.Load()
}

// Close stops accepting entries and ships what is queued until ctx ends
func (h *Hook) Close(ctx context.Context) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	close(h.entries)
	h.mu.Unlock()

	select {
	case <-h.done:
	case <-ctx.Done():
		h.cancel()
		<-h.done
	}
	h.cancel()
}

func (h *Hook) run() {
	defer close(h.done)

	for req := range h.entries {
		if h.ctx.Err() != nil {
			h.failed.Add(1)
			continue
		}
		ctx, cancel := context.WithTimeout(h.ctx, sendTimeout)
		if err := h.sender.SendLog(ctx, req); err != nil {
			h.failed.Add(1)
		}
		cancel()
	}
}

// Package events forwards registry events to the optional Redis and NATS
// buses without blocking the registry.
package events

import (
	"sync"
	"sync/atomic"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/models"
)

const defaultBuffer = 256

// Sink is one external event bus
type Sink interface {
	PublishEvent(event models.Event) error
}

// Fanout implements registry.Publisher. Events are queued on a bounded channel
// and delivered to every sink by a single worker, so sinks see events in
// publish order. When the buffer is full the event is dropped.
type Fanout struct {
	sinks   map[string]Sink
	events  chan models.Event
	wg      sync.WaitGroup
	mu      sync.RWMutex
	closed  bool
	dropped atomic.Int64
}

// NewFanout starts the delivery worker. Nil sinks are skipped.
func NewFanout(buffer int, sinks map[string]Sink) *Fanout {
	if buffer <= 0 {
		buffer = defaultBuffer
	}

	f := &Fanout{
		sinks:  make(map[string]Sink),
		events: make(chan models.Event, buffer),
	}
	for name, sink := range sinks {
		if sink != nil {
			f.sinks[name] = sink
		}
	}

	f.wg.Add(1)
	go f.run()
	return f
}

// Publish queues an event for delivery
func (f *Fanout) Publish(event models.Event) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if f.closed || len(f.sinks) == 0 {
		return
	}

	select {
	case f.events <- event:
	default:
		f.dropped.Add(1)
		logger.Log.Warnf("Event buffer full, dropped %s for agent %s", event.Type, event.AgentID)
	}
}

// Dropped returns how many events were discarded because the buffer was full
func (f *Fanout) Dropped() int64 {
	return f.dropped.Load()
}

// Close stops accepting events and waits for queued ones to be delivered
func (f *Fanout) Close() {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return
	}
	f.closed = true
	close(f.events)
	f.mu.Unlock()

	f.wg.Wait()
}

func (f *Fanout) run() {
	defer f.wg.Done()

	for event := range f.events {
		for name, sink := range f.sinks {
			if err := sink.PublishEvent(event); err != nil {
				logger.Log.Warnf("Failed to publish %s to %s: %v", event.Type, name, err)
			}
		}
	}
}

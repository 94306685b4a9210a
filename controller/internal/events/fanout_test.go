package events

import (
	"errors"
	"sync"
	"testing"

	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSink struct {
	mu     sync.Mutex
	events []models.Event
	err    error
	block  chan struct{}
}

func (s *fakeSink) PublishEvent(event models.Event) error {
	if s.block != nil {
		<-s.block
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return s.err
}

func (s *fakeSink) received() []models.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]models.Event(nil), s.events...)
}

func TestFanoutDeliversInOrderToEverySink(t *testing.T) {
	first := &fakeSink{}
	second := &fakeSink{err: errors.New("bus down")}
	f := NewFanout(16, map[string]Sink{"redis": first, "nats": second})

	for _, id := range []string{"c1", "c2", "c3"} {
		f.Publish(models.Event{Type: models.EventCommandEnqueued, AgentID: "w1", CommandID: id})
	}
	f.Close()

	for _, sink := range []*fakeSink{first, second} {
		got := sink.received()
		require.Len(t, got, 3)
		assert.Equal(t, "c1", got[0].CommandID)
		assert.Equal(t, "c2", got[1].CommandID)
		assert.Equal(t, "c3", got[2].CommandID)
	}
}

func TestFanoutDropsWhenBufferFull(t *testing.T) {
	sink := &fakeSink{block: make(chan struct{})}
	f := NewFanout(1, map[string]Sink{"slow": sink})

	// The worker takes one event and blocks in the sink; the next fills the buffer.
	for i := 0; i < 10; i++ {
		f.Publish(models.Event{Type: models.EventAgentRegistered, AgentID: "w1"})
	}
	assert.GreaterOrEqual(t, f.Dropped(), int64(8))

	close(sink.block)
	f.Close()
	assert.Equal(t, int64(10), int64(len(sink.received()))+f.Dropped())
}

func TestFanoutWithoutSinksIsNoop(t *testing.T) {
	f := NewFanout(0, map[string]Sink{"none": nil})
	f.Publish(models.Event{Type: models.EventFleetPaused})
	f.Close()
	assert.Equal(t, int64(0), f.Dropped())
}

func TestPublishAfterCloseIsIgnored(t *testing.T) {
	sink := &fakeSink{}
	f := NewFanout(4, map[string]Sink{"redis": sink})
	f.Close()
	f.Close()

	f.Publish(models.Event{Type: models.EventFleetResumed})
	assert.Empty(t, sink.received())
}

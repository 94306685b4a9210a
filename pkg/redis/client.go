package redis

import (
	"context"
	"encoding/json"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/redis/go-redis/v9"
)

const (
	EventChannel      = "fleet:events"
	WakeChannelPrefix = "fleet:wake:"
	latestStateKey    = "fleet:latest_state"
)

// WakeChannel returns the per-agent channel used to nudge an idle poller
func WakeChannel(agentID string) string {
	return WakeChannelPrefix + agentID
}

// Client wraps Redis client with pub/sub functionality
type Client struct {
	rdb    *redis.Client
	ctx    context.Context
	cancel context.CancelFunc
}

// Config holds Redis connection configuration
type Config struct {
	Address  string
	Password string
	DB       int
	Enabled  bool
}

// NewClient creates a new Redis client. A disabled config yields a nil client,
// and every method is safe to call on nil.
func NewClient(config Config) (*Client, error) {
	if !config.Enabled {
		return nil, nil
	}

	ctx, cancel := context.WithCancel(context.Background())

	rdb := redis.NewClient(&redis.Options{
		Addr:     config.Address,
		Password: config.Password,
		DB:       config.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		cancel()
		return nil, err
	}

	logger.Log.Info("Connected to Redis successfully")

	return &Client{
		rdb:    rdb,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Close closes the Redis connection
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	c.cancel()
	return c.rdb.Close()
}

// IsConnected checks if Redis is connected
func (c *Client) IsConnected() bool {
	if c == nil {
		return false
	}
	return c.rdb.Ping(c.ctx).Err() == nil
}

// PublishEvent publishes a registry event on the fleet event channel. Enqueue
// events are also sent to the target agent's wake channel.
func (c *Client) PublishEvent(event models.Event) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}

	if err := c.rdb.Publish(c.ctx, EventChannel, data).Err(); err != nil {
		return err
	}

	if event.Type == models.EventCommandEnqueued && event.AgentID != "" {
		if err := c.rdb.Publish(c.ctx, WakeChannel(event.AgentID), event.CommandID).Err(); err != nil {
			return err
		}
	}

	logger.Log.Debugf("Published %s to Redis", event.Type)
	return nil
}

// SubscribeWake delivers one signal per wake message for agentID. Signals are
// coalesced: if the consumer has not drained the previous one the new one is
// dropped.
func (c *Client) SubscribeWake(agentID string) (<-chan struct{}, error) {
	if c == nil {
		return nil, nil
	}

	pubsub := c.rdb.Subscribe(c.ctx, WakeChannel(agentID))
	if _, err := pubsub.Receive(c.ctx); err != nil {
		pubsub.Close()
		return nil, err
	}

	ch := make(chan struct{}, 1)

	go func() {
		defer close(ch)
		defer pubsub.Close()

		for {
			_, err := pubsub.ReceiveMessage(c.ctx)
			if err != nil {
				if c.ctx.Err() != nil {
					return
				}
				logger.Log.Errorf("Error receiving Redis message: %v", err)
				time.Sleep(time.Second)
				continue
			}

			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}()

	return ch, nil
}

// StoreState keeps the latest fleet snapshot in Redis as a backup copy
func (c *Client) StoreState(state models.FleetState) error {
	if c == nil {
		return nil
	}

	data, err := json.Marshal(state)
	if err != nil {
		return err
	}

	return c.rdb.Set(c.ctx, latestStateKey, data, 24*time.Hour).Err()
}

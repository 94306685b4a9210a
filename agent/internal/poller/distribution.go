package poller

import (
	"context"
	"fmt"
	"strings"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/redis"
)

// DistributionStrategy selects how the agent learns about new commands
type DistributionStrategy string

const (
	StrategyPoller DistributionStrategy = "POLLER"
	StrategyRedis  DistributionStrategy = "REDIS"
)

// ParseStrategy maps a config value to a strategy, defaulting to POLLER
func ParseStrategy(s string) (DistributionStrategy, error) {
	switch strategy := DistributionStrategy(strings.ToUpper(strings.TrimSpace(s))); strategy {
	case "", StrategyPoller:
		return StrategyPoller, nil
	case StrategyRedis:
		return StrategyRedis, nil
	default:
		return "", fmt.Errorf("unsupported distribution strategy: %s", s)
	}
}

// CommandDistributor interface for different distribution strategies
type CommandDistributor interface {
	Start(ctx context.Context) error
	Stop() error
	GetType() DistributionStrategy
}

// PollerDistributor polls the controller on a fixed interval
type PollerDistributor struct {
	poller *Poller
}

func NewPollerDistributor(poller *Poller) *PollerDistributor {
	return &PollerDistributor{poller: poller}
}

func (pd *PollerDistributor) Start(ctx context.Context) error {
	logger.Log.Info("Starting HTTP polling distribution strategy")
	return pd.poller.Start(ctx)
}

func (pd *PollerDistributor) Stop() error {
	// Poller stops via context cancellation
	return nil
}

func (pd *PollerDistributor) GetType() DistributionStrategy {
	return StrategyPoller
}

// RedisDistributor polls like PollerDistributor and additionally polls as soon
// as the controller publishes a wake message for this agent.
type RedisDistributor struct {
	poller      *Poller
	redisClient *redis.Client
}

func NewRedisDistributor(redisConfig redis.Config, poller *Poller) (*RedisDistributor, error) {
	redisConfig.Enabled = true
	redisClient, err := redis.NewClient(redisConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Redis client: %w", err)
	}

	return &RedisDistributor{
		poller:      poller,
		redisClient: redisClient,
	}, nil
}

func (rd *RedisDistributor) Start(ctx context.Context) error {
	logger.Log.Info("Starting Redis wake-up distribution strategy")

	wakeChan, err := rd.redisClient.SubscribeWake(rd.poller.agentID)
	if err != nil {
		logger.Log.Warnf("Failed to subscribe to wake channel, falling back to interval polling: %v", err)
	} else {
		go rd.forwardWakeups(ctx, wakeChan)
	}

	return rd.poller.Start(ctx)
}

func (rd *RedisDistributor) forwardWakeups(ctx context.Context, wakeChan <-chan struct{}) {
	logger.Log.Infof("Listening for wake-ups on %s", redis.WakeChannel(rd.poller.agentID))

	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-wakeChan:
			if !ok {
				logger.Log.Warn("Redis wake channel closed")
				return
			}
			rd.poller.Wake()
		}
	}
}

func (rd *RedisDistributor) Stop() error {
	logger.Log.Info("Stopping Redis distributor")
	return rd.redisClient.Close()
}

func (rd *RedisDistributor) GetType() DistributionStrategy {
	return StrategyRedis
}

// DistributionManager manages the selected distribution strategy
type DistributionManager struct {
	strategy    DistributionStrategy
	distributor CommandDistributor
}

// NewDistributionManager creates a new distribution manager with the specified strategy
func NewDistributionManager(strategy DistributionStrategy, poller *Poller, redisConfig redis.Config) (*DistributionManager, error) {
	var distributor CommandDistributor

	switch strategy {
	case StrategyPoller:
		distributor = NewPollerDistributor(poller)
	case StrategyRedis:
		rd, err := NewRedisDistributor(redisConfig, poller)
		if err != nil {
			return nil, fmt.Errorf("failed to create Redis distributor: %w", err)
		}
		distributor = rd
	default:
		return nil, fmt.Errorf("unsupported distribution strategy: %s", strategy)
	}

	return &DistributionManager{
		strategy:    strategy,
		distributor: distributor,
	}, nil
}

// Run drives the selected strategy until ctx is cancelled or the controller
// terminates the agent
func (dm *DistributionManager) Run(ctx context.Context) error {
	logger.Log.Infof("Starting distribution manager with strategy: %s", dm.strategy)
	defer func() {
		if err := dm.distributor.Stop(); err != nil {
			logger.Log.Warnf("Failed to stop distributor: %v", err)
		}
	}()
	return dm.distributor.Start(ctx)
}

// GetStrategy returns the current distribution strategy
func (dm *DistributionManager) GetStrategy() DistributionStrategy {
	return dm.strategy
}

package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doniyusdinar/command-fleet/agent/internal/client"
	"github.com/doniyusdinar/command-fleet/agent/internal/config"
	"github.com/doniyusdinar/command-fleet/agent/internal/executor"
	"github.com/doniyusdinar/command-fleet/agent/internal/hostinfo"
	"github.com/doniyusdinar/command-fleet/agent/internal/logsink"
	"github.com/doniyusdinar/command-fleet/agent/internal/poller"
	"github.com/doniyusdinar/command-fleet/agent/internal/statusapi"
	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/sirupsen/logrus"
)

func main() {
	Execute()
}

func run(cfg *config.Config) error {
	// Initialize logger
	if err := logger.Configure(cfg.Log); err != nil {
		return fmt.Errorf("failed to configure logger: %w", err)
	}
	logger.Log.Infof("Starting Command Fleet agent %s", cfg.AgentID)
	logger.Log.Infof("Controller: %s", cfg.ControllerURL)

	controller := client.New(cfg.ControllerURL, cfg.ControllerUsername, cfg.ControllerPassword)

	if cfg.LogShipping {
		hook := logsink.New(controller, cfg.AgentID, 0, logrus.InfoLevel)
		logger.Log.AddHook(hook)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			hook.Close(ctx)
			if dropped := hook.Dropped(); dropped > 0 {
				fmt.Fprintf(os.Stderr, "log shipping dropped %d lines\n", dropped)
			}
		}()
	}

	engine := executor.New(executor.Options{
		Timeout:     cfg.CommandTimeout,
		GracePeriod: cfg.KillGrace,
	})

	p := poller.NewPoller(controller, engine, poller.Options{
		AgentID:          cfg.AgentID,
		Info:             hostinfo.Collect(cfg.Note),
		PollInterval:     cfg.PollInterval,
		RegisterAttempts: cfg.RegisterAttempts,
		ShutdownTimeout:  cfg.ShutdownTimeout,
	})

	strategy, err := poller.ParseStrategy(cfg.DistributionStrategy)
	if err != nil {
		return err
	}
	distributionMgr, err := poller.NewDistributionManager(strategy, p, cfg.Redis)
	if err != nil && strategy == poller.StrategyRedis {
		logger.Log.Warnf("Redis strategy unavailable, falling back to polling: %v", err)
		distributionMgr, err = poller.NewDistributionManager(poller.StrategyPoller, p, cfg.Redis)
	}
	if err != nil {
		return fmt.Errorf("failed to create distribution manager: %w", err)
	}
	logger.Log.Infof("Agent %s using %s distribution", cfg.AgentID, distributionMgr.GetStrategy())

	var statusSrv *http.Server
	if cfg.StatusPort > 0 {
		statusSrv = &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.StatusPort),
			Handler:           statusapi.SetupRouter(statusapi.NewHandler(p)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			logger.Log.Infof("Status endpoint listening on port %d", cfg.StatusPort)
			if err := statusSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Log.Errorf("Status endpoint failed: %v", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wait for interrupt signal to stop the loop
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)
	go func() {
		select {
		case sig := <-quit:
			logger.Log.Infof("Received %s, shutting down agent...", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := distributionMgr.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Errorf("Distribution manager error: %v", err)
	}

	if statusSrv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := statusSrv.Shutdown(shutdownCtx); err != nil {
			logger.Log.Errorf("Status endpoint forced to shutdown: %v", err)
		}
	}

	logger.Log.Info("Agent exited")
	return nil
}

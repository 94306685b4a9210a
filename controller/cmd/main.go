package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/doniyusdinar/command-fleet/controller/docs"
	"github.com/doniyusdinar/command-fleet/controller/internal/api"
	"github.com/doniyusdinar/command-fleet/controller/internal/config"
	"github.com/doniyusdinar/command-fleet/controller/internal/database"
	"github.com/doniyusdinar/command-fleet/controller/internal/events"
	"github.com/doniyusdinar/command-fleet/controller/internal/registry"
	"github.com/doniyusdinar/command-fleet/pkg/logger"
	natspkg "github.com/doniyusdinar/command-fleet/pkg/nats"
	"github.com/doniyusdinar/command-fleet/pkg/redis"
)

// @title Command Fleet Controller API
// @version 1.0
// @description Task queue and agent registry for remote command execution
// @termsOfService http://swagger.io/terms/

// @contact.name API Support
// @contact.email support@example.com

// @license.name Apache 2.0
// @license.url http://www.apache.org/licenses/LICENSE-2.0.html

// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

// @securityDefinitions.basic BasicAuth

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Log.Fatalf("Failed to load config: %v", err)
	}

	// Initialize logger
	if err := logger.Configure(cfg.Log); err != nil {
		logger.Log.Fatalf("Failed to configure logger: %v", err)
	}
	cfg.WatchLogLevel()
	logger.Log.Info("Starting Command Fleet Controller")

	// Initialize store
	var store registry.Store
	var healthCheck func() error
	if cfg.DBPath == "" {
		logger.Log.Warn("DB_PATH is empty, state will not survive a restart")
		store = registry.NewMemoryStore()
	} else {
		db, err := database.New(cfg.DBPath)
		if err != nil {
			logger.Log.Fatalf("Failed to initialize database: %v", err)
		}
		defer db.Close()
		store = db
		healthCheck = db.Ping
		logger.Log.Infof("Database initialized at %s", cfg.DBPath)
	}

	// Optional event buses
	sinks := make(map[string]events.Sink)
	buses := make(map[string]func() bool)

	redisClient, err := redis.NewClient(cfg.Redis)
	if err != nil {
		logger.Log.Warnf("Redis unavailable, continuing without it: %v", err)
	} else if redisClient != nil {
		defer redisClient.Close()
		sinks["redis"] = redisClient
		buses["redis"] = redisClient.IsConnected
	}

	if cfg.NATS.Enabled {
		natsClient := natspkg.NewClient(cfg.NATS)
		if err := natsClient.Connect(); err != nil {
			logger.Log.Warnf("NATS unavailable, continuing without it: %v", err)
		} else {
			defer func() {
				if err := natsClient.Flush(); err != nil {
					logger.Log.Warnf("Failed to flush NATS: %v", err)
				}
				natsClient.Close()
			}()
			sinks["nats"] = natsClient
			buses["nats"] = natsClient.IsConnected
		}
	}

	fanout := events.NewFanout(cfg.EventBuffer, sinks)
	defer fanout.Close()

	reg, err := registry.New(store, registry.Options{
		ActiveThreshold: cfg.ActiveThreshold,
		Publisher:       fanout,
	})
	if err != nil {
		logger.Log.Fatalf("Failed to initialize registry: %v", err)
	}

	// Initialize API handler
	handler := api.NewHandler(reg, api.Options{
		AgentCredentials: cfg.Agent,
		AdminCredentials: cfg.Admin,
		PollInterval:     cfg.PollInterval,
		HealthCheck:      healthCheck,
		Buses:            buses,
	})
	if !cfg.Agent.Enabled() {
		logger.Log.Warn("Agent authentication is disabled")
	}
	if !cfg.Admin.Enabled() {
		logger.Log.Warn("Admin authentication is disabled")
	}

	// Setup router
	docs.SwaggerInfo.Host = fmt.Sprintf("localhost:%s", cfg.Port)
	router := api.SetupRouter(handler)

	// Create HTTP server
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%s", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Log.Infof("Controller listening on port %s", cfg.Port)
		logger.Log.Infof("Swagger docs available at http://localhost:%s/swagger/index.html", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Keep a Redis copy of the fleet state for dashboards
	stopSnapshots := make(chan struct{})
	if redisClient != nil {
		go snapshotLoop(reg, redisClient, stopSnapshots)
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("Shutting down server...")
	close(stopSnapshots)

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		logger.Log.Errorf("Server forced to shutdown: %v", err)
	}

	logger.Log.Info("Server exited")
}

func snapshotLoop(reg *registry.Registry, client *redis.Client, stop <-chan struct{}) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			state, err := reg.Snapshot(50)
			if err != nil {
				logger.Log.Warnf("Failed to snapshot state: %v", err)
				continue
			}
			if err := client.StoreState(state); err != nil {
				logger.Log.Warnf("Failed to store state in Redis: %v", err)
			}
		}
	}
}

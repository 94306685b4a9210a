package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/auth"
	"github.com/doniyusdinar/command-fleet/pkg/logger"
	natspkg "github.com/doniyusdinar/command-fleet/pkg/nats"
	"github.com/doniyusdinar/command-fleet/pkg/redis"
	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Port            string
	DBPath          string
	ActiveThreshold time.Duration
	PollInterval    int
	EventBuffer     int

	Log   logger.Options
	Agent auth.Credentials
	Admin auth.Credentials
	Redis redis.Config
	NATS  natspkg.Config

	// ConfigFile is the file viper read, empty when running from env only
	ConfigFile string

	v *viper.Viper
}

// Load reads .env (if present), an optional config.yaml and the environment.
// Environment variables win over the file.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, file := range envFiles {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", file, err)
		}
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./configs")
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("PORT", "8080")
	v.SetDefault("DB_PATH", "./controller.db")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("ACTIVE_THRESHOLD_SECONDS", 60)
	v.SetDefault("POLL_INTERVAL_SECONDS", 3)
	v.SetDefault("EVENT_BUFFER", 256)
	v.SetDefault("AGENT_USERNAME", "agent")
	v.SetDefault("AGENT_PASSWORD", "secret123")
	v.SetDefault("ADMIN_USERNAME", "admin")
	v.SetDefault("ADMIN_PASSWORD", "admin123")
	v.SetDefault("ADMIN_PASSWORD_HASH", "")
	v.SetDefault("REDIS_ENABLED", false)
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("NATS_ENABLED", false)
	v.SetDefault("NATS_URLS", "nats://localhost:4222")
	v.SetDefault("NATS_USERNAME", "")
	v.SetDefault("NATS_PASSWORD", "")
	v.SetDefault("NATS_TOKEN", "")
	v.SetDefault("NATS_SUBJECT_PREFIX", "fleet")

	// Try to read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		Port:            v.GetString("PORT"),
		DBPath:          v.GetString("DB_PATH"),
		ActiveThreshold: time.Duration(v.GetInt("ACTIVE_THRESHOLD_SECONDS")) * time.Second,
		PollInterval:    v.GetInt("POLL_INTERVAL_SECONDS"),
		EventBuffer:     v.GetInt("EVENT_BUFFER"),
		Log: logger.Options{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			File:   v.GetString("LOG_FILE"),
		},
		Agent: auth.Credentials{
			Username: v.GetString("AGENT_USERNAME"),
			Password: v.GetString("AGENT_PASSWORD"),
		},
		Admin: auth.Credentials{
			Username:     v.GetString("ADMIN_USERNAME"),
			Password:     v.GetString("ADMIN_PASSWORD"),
			PasswordHash: v.GetString("ADMIN_PASSWORD_HASH"),
		},
		Redis: redis.Config{
			Address:  v.GetString("REDIS_ADDRESS"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
			Enabled:  v.GetBool("REDIS_ENABLED"),
		},
		NATS: natspkg.Config{
			URLs:           splitList(v.GetString("NATS_URLS")),
			Username:       v.GetString("NATS_USERNAME"),
			Password:       v.GetString("NATS_PASSWORD"),
			Token:          v.GetString("NATS_TOKEN"),
			MaxReconnect:   -1,
			ReconnectWait:  2 * time.Second,
			ConnectionName: "command-fleet-controller",
			SubjectPrefix:  v.GetString("NATS_SUBJECT_PREFIX"),
			Enabled:        v.GetBool("NATS_ENABLED"),
		},
		ConfigFile: v.ConfigFileUsed(),
		v:          v,
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the controller cannot start with
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.ActiveThreshold <= 0 {
		return fmt.Errorf("ACTIVE_THRESHOLD_SECONDS must be positive")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.Redis.Enabled && c.Redis.Address == "" {
		return fmt.Errorf("REDIS_ADDRESS is required when Redis is enabled")
	}
	if c.NATS.Enabled && len(c.NATS.URLs) == 0 {
		return fmt.Errorf("NATS_URLS is required when NATS is enabled")
	}
	return nil
}

// WatchLogLevel re-applies LOG_LEVEL whenever the config file changes. It is
// a no-op when no config file was read.
func (c *Config) WatchLogLevel() {
	if c.ConfigFile == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		level := c.v.GetString("LOG_LEVEL")
		logger.SetLevel(level)
		logger.Log.Infof("Config file %s changed (%s), log level now %s", e.Name, e.Op, level)
	})
	c.v.WatchConfig()
}

func splitList(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

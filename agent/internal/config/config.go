package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/redis"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const fallbackAgentID = "agent-unknown"

type Config struct {
	ControllerURL      string
	ControllerUsername string
	ControllerPassword string

	AgentID string
	// Note is the free-form text passed with --info
	Note string

	PollInterval time.Duration
	// CommandTimeout is negative when commands may run forever
	CommandTimeout   time.Duration
	KillGrace        time.Duration
	RegisterAttempts int
	ShutdownTimeout  time.Duration

	DistributionStrategy string
	Redis                redis.Config

	// StatusPort is 0 when the local status endpoint is off
	StatusPort  int
	Log         logger.Options
	LogShipping bool

	ConfigFile string
}

// NewViper returns a viper instance with the agent defaults and env binding
func NewViper() *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()

	// Set defaults
	v.SetDefault("CONTROLLER_URL", "http://localhost:8080")
	v.SetDefault("CONTROLLER_USERNAME", "agent")
	v.SetDefault("CONTROLLER_PASSWORD", "secret123")
	v.SetDefault("AGENT_ID", "")
	v.SetDefault("AGENT_INFO", "")
	v.SetDefault("POLL_INTERVAL_SECONDS", 3)
	v.SetDefault("COMMAND_TIMEOUT_SECONDS", 300)
	v.SetDefault("KILL_GRACE_SECONDS", 3)
	v.SetDefault("REGISTER_ATTEMPTS", 5)
	v.SetDefault("SHUTDOWN_TIMEOUT_SECONDS", 10)
	v.SetDefault("DISTRIBUTION_STRATEGY", "POLLER")
	v.SetDefault("REDIS_ADDRESS", "localhost:6379")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("STATUS_PORT", 0)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "text")
	v.SetDefault("LOG_FILE", "")
	v.SetDefault("LOG_SHIPPING", true)
	return v
}

// BindFlags registers the command-line flags and lets them override the
// matching environment keys
func BindFlags(flags *pflag.FlagSet, v *viper.Viper) error {
	flags.String("id", "", "agent id (default: hostname)")
	flags.String("info", "", "note sent with the registration")
	flags.String("controller", "", "controller base URL")
	flags.String("log-level", "", "log level (debug, info, warn, error)")

	bindings := map[string]string{
		"AGENT_ID":       "id",
		"AGENT_INFO":     "info",
		"CONTROLLER_URL": "controller",
		"LOG_LEVEL":      "log-level",
	}
	for key, flag := range bindings {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			return fmt.Errorf("failed to bind --%s: %w", flag, err)
		}
	}
	return nil
}

// Load reads configFile, or config.yaml from the usual places when it is
// empty, then applies environment variables and bound flags.
func Load(v *viper.Viper, configFile string) (*Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
	}

	// Try to read config file (optional unless named explicitly)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok || configFile != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	cfg := &Config{
		ControllerURL:        strings.TrimRight(v.GetString("CONTROLLER_URL"), "/"),
		ControllerUsername:   v.GetString("CONTROLLER_USERNAME"),
		ControllerPassword:   v.GetString("CONTROLLER_PASSWORD"),
		AgentID:              v.GetString("AGENT_ID"),
		Note:                 v.GetString("AGENT_INFO"),
		PollInterval:         time.Duration(v.GetInt("POLL_INTERVAL_SECONDS")) * time.Second,
		CommandTimeout:       time.Duration(v.GetInt("COMMAND_TIMEOUT_SECONDS")) * time.Second,
		KillGrace:            time.Duration(v.GetInt("KILL_GRACE_SECONDS")) * time.Second,
		RegisterAttempts:     v.GetInt("REGISTER_ATTEMPTS"),
		ShutdownTimeout:      time.Duration(v.GetInt("SHUTDOWN_TIMEOUT_SECONDS")) * time.Second,
		DistributionStrategy: v.GetString("DISTRIBUTION_STRATEGY"),
		Redis: redis.Config{
			Address:  v.GetString("REDIS_ADDRESS"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		StatusPort: v.GetInt("STATUS_PORT"),
		Log: logger.Options{
			Level:  v.GetString("LOG_LEVEL"),
			Format: v.GetString("LOG_FORMAT"),
			File:   v.GetString("LOG_FILE"),
		},
		LogShipping: v.GetBool("LOG_SHIPPING"),
		ConfigFile:  v.ConfigFileUsed(),
	}

	if cfg.AgentID == "" {
		cfg.AgentID = defaultAgentID()
	}
	if cfg.CommandTimeout == 0 {
		cfg.CommandTimeout = -1
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the agent cannot start with
func (c *Config) Validate() error {
	if c.ControllerURL == "" {
		return fmt.Errorf("CONTROLLER_URL cannot be empty")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("POLL_INTERVAL_SECONDS must be positive")
	}
	if c.CommandTimeout < -1 {
		return fmt.Errorf("COMMAND_TIMEOUT_SECONDS cannot be negative")
	}
	if c.KillGrace <= 0 {
		return fmt.Errorf("KILL_GRACE_SECONDS must be positive")
	}
	if c.RegisterAttempts <= 0 {
		return fmt.Errorf("REGISTER_ATTEMPTS must be positive")
	}
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("STATUS_PORT must be between 0 and 65535")
	}
	return nil
}

func defaultAgentID() string {
	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		return fallbackAgentID
	}
	return hostname
}

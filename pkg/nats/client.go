package nats

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/logger"
	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/nats-io/nats.go"
)

// Config holds NATS configuration
type Config struct {
	URLs           []string      `json:"urls"`
	Username       string        `json:"username"`
	Password       string        `json:"password"`
	Token          string        `json:"token"`
	TLSEnabled     bool          `json:"tls_enabled"`
	MaxReconnect   int           `json:"max_reconnect"`
	ReconnectWait  time.Duration `json:"reconnect_wait"`
	ConnectionName string        `json:"connection_name"`
	SubjectPrefix  string        `json:"subject_prefix"`
	Enabled        bool          `json:"enabled"`
}

// Client wraps a NATS connection used to fan registry events out
type Client struct {
	conn   *nats.Conn
	config Config
}

// NewClient creates a new NATS client
func NewClient(config Config) *Client {
	if config.SubjectPrefix == "" {
		config.SubjectPrefix = "fleet"
	}
	return &Client{config: config}
}

// Connect establishes connection to NATS server
func (c *Client) Connect() error {
	if !c.config.Enabled {
		return fmt.Errorf("NATS client is disabled")
	}

	opts := []nats.Option{
		nats.Name(c.config.ConnectionName),
		nats.MaxReconnects(c.config.MaxReconnect),
		nats.ReconnectWait(c.config.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			logger.Log.Warnf("NATS disconnected: %v", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Log.Infof("NATS reconnected to %v", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(nc *nats.Conn) {
			logger.Log.Warnf("NATS connection closed")
		}),
	}

	if c.config.Token != "" {
		opts = append(opts, nats.Token(c.config.Token))
	} else if c.config.Username != "" && c.config.Password != "" {
		opts = append(opts, nats.UserInfo(c.config.Username, c.config.Password))
	}

	if c.config.TLSEnabled {
		opts = append(opts, nats.Secure())
	}

	url := nats.DefaultURL
	if len(c.config.URLs) > 0 {
		url = strings.Join(c.config.URLs, ",")
	}

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return fmt.Errorf("failed to connect to NATS: %w", err)
	}
	c.conn = conn

	logger.Log.Infof("NATS client connected to %s", c.conn.ConnectedUrl())
	return nil
}

// Subject returns "<prefix>.<event type>.<agent>" with NATS-unsafe
// characters in the agent ID replaced.
func (c *Client) Subject(event models.Event) string {
	agent := event.AgentID
	if agent == "" {
		agent = "_"
	}
	agent = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(agent)
	return fmt.Sprintf("%s.%s.%s", c.config.SubjectPrefix, event.Type, agent)
}

// PublishEvent publishes a registry event
func (c *Client) PublishEvent(event models.Event) error {
	if c.conn == nil {
		return fmt.Errorf("NATS client not connected")
	}

	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return c.conn.Publish(c.Subject(event), data)
}

// Flush ensures all pending messages are sent
func (c *Client) Flush() error {
	if c.conn == nil {
		return fmt.Errorf("NATS client not connected")
	}
	return c.conn.Flush()
}

// Close closes the NATS connection
func (c *Client) Close() {
	if c.conn != nil {
		c.conn.Close()
		logger.Log.Info("NATS client connection closed")
	}
}

// IsConnected returns true if the client is connected
func (c *Client) IsConnected() bool {
	return c.conn != nil && c.conn.IsConnected()
}

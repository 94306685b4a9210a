package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/auth"
	"github.com/doniyusdinar/command-fleet/pkg/models"
)

var (
	// ErrTransport wraps network failures; the caller retries on the next cycle
	ErrTransport = errors.New("controller unreachable")
	// ErrProtocol wraps replies the agent cannot use; retrying will not help
	ErrProtocol = errors.New("controller rejected request")
)

const defaultTimeout = 10 * time.Second

// Task is one dispatched payload, or none
type Task struct {
	ID      string
	Payload string
	Reason  string
}

// Empty reports whether the poll handed out nothing
func (t Task) Empty() bool {
	return t.Payload == ""
}

// Client talks to the controller's agent endpoints
type Client struct {
	baseURL    string
	authHeader string
	http       *http.Client
}

func New(controllerURL, username, password string) *Client {
	return &Client{
		baseURL:    strings.TrimRight(controllerURL, "/"),
		authHeader: auth.Credentials{Username: username, Password: password}.Header(),
		http:       &http.Client{Timeout: defaultTimeout},
	}
}

// Register announces the agent. It returns the poll interval the controller
// asks for, zero when it does not say.
func (c *Client) Register(ctx context.Context, agentID string, info map[string]interface{}) (time.Duration, error) {
	var resp models.RegisterResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/register", models.RegisterRequest{AgentID: agentID, Info: info}, &resp)
	if err != nil {
		return 0, err
	}
	return time.Duration(resp.PollIntervalSecs) * time.Second, nil
}

// Poll asks for the next command
func (c *Client) Poll(ctx context.Context, agentID string) (Task, error) {
	var resp models.PollResponse
	path := "/api/v1/task?agent_id=" + url.QueryEscape(agentID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return Task{}, err
	}

	task := Task{ID: resp.ID, Reason: resp.Reason}
	if resp.Cmd != nil {
		task.Payload = *resp.Cmd
	}
	return task, nil
}

// ReportResult delivers the result text of a command
func (c *Client) ReportResult(ctx context.Context, req models.ResultRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/result", req, nil)
}

// SendLog ships one log line
func (c *Client) SendLog(ctx context.Context, req models.LogRequest) error {
	return c.do(ctx, http.MethodPost, "/api/v1/log", req, nil)
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.authHeader != "" {
		req.Header.Set("Authorization", c.authHeader)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: status %d: %s", ErrProtocol, resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: failed to decode response: %v", ErrProtocol, err)
	}
	return nil
}

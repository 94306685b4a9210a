package client

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/doniyusdinar/command-fleet/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegister(t *testing.T) {
	called := false
	var received models.RegisterRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		assert.Equal(t, "/api/v1/register", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)

		user, pass, ok := r.BasicAuth()
		assert.True(t, ok)
		assert.Equal(t, "agent", user)
		assert.Equal(t, "secret123", pass)

		err := json.NewDecoder(r.Body).Decode(&received)
		require.NoError(t, err)

		json.NewEncoder(w).Encode(models.RegisterResponse{Status: "ok", PollIntervalSecs: 7})
	}))
	defer server.Close()

	c := New(server.URL+"/", "agent", "secret123")
	interval, err := c.Register(context.Background(), "w1", map[string]interface{}{"note": "lab"})
	require.NoError(t, err)

	assert.True(t, called)
	assert.Equal(t, 7*time.Second, interval)
	assert.Equal(t, "w1", received.AgentID)
	assert.Equal(t, "lab", received.Info["note"])
}

func TestPoll(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantEmpty bool
		want      Task
	}{
		{name: "command", body: `{"cmd":"echo hi","id":"c1"}`, want: Task{ID: "c1", Payload: "echo hi"}},
		{name: "null cmd", body: `{"cmd":null}`, wantEmpty: true},
		{name: "busy", body: `{"cmd":null,"reason":"busy"}`, wantEmpty: true, want: Task{Reason: "busy"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/api/v1/task", r.URL.Path)
				assert.Equal(t, "agent 1", r.URL.Query().Get("agent_id"))
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			task, err := New(server.URL, "", "").Poll(context.Background(), "agent 1")
			require.NoError(t, err)
			assert.Equal(t, tt.wantEmpty, task.Empty())
			assert.Equal(t, tt.want, task)
		})
	}
}

func TestReportResultAndLog(t *testing.T) {
	var paths []string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		paths = append(paths, r.URL.Path)
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte(`{"status":"ok"}`))
	}))
	defer server.Close()

	c := New(server.URL, "", "")
	require.NoError(t, c.ReportResult(context.Background(), models.ResultRequest{AgentID: "w1", Cmd: "ls", Result: "code=0\n"}))
	require.NoError(t, c.SendLog(context.Background(), models.LogRequest{AgentID: "w1", Message: "hello"}))

	assert.Equal(t, []string{"/api/v1/result", "/api/v1/log"}, paths)
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		wantErr error
	}{
		{name: "server error is transient", status: http.StatusInternalServerError, wantErr: ErrTransport},
		{name: "bad request is permanent", status: http.StatusBadRequest, wantErr: ErrProtocol},
		{name: "unauthorized is permanent", status: http.StatusUnauthorized, wantErr: ErrProtocol},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer server.Close()

			_, err := New(server.URL, "agent", "x").Poll(context.Background(), "w1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestUnreachableController(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	addr := server.URL
	server.Close()

	_, err := New(addr, "", "").Poll(context.Background(), "w1")
	assert.ErrorIs(t, err, ErrTransport)
}

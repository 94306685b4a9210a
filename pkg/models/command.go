package models

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved payloads interpreted by the agent instead of being run by the shell.
const (
	ControlStop      = "__STOP__"
	ControlTerminate = "__TERMINATE__"

	// BroadcastTarget addresses every enabled agent
	BroadcastTarget = "all"
)

// Acknowledgements reported for control payloads.
const (
	AckStopped    = "stopped_current_task"
	AckTerminated = "terminated_by_control"
)

// IsControl reports whether payload is a control payload
func IsControl(payload string) bool {
	return payload == ControlStop || payload == ControlTerminate
}

type CommandStatus string

const (
	CommandPending    CommandStatus = "pending"
	CommandDispatched CommandStatus = "dispatched"
	CommandResolved   CommandStatus = "resolved"
	CommandAbandoned  CommandStatus = "abandoned"
)

// Command is one queued unit of work addressed to a single agent
type Command struct {
	ID             string        `json:"id"`
	BatchID        string        `json:"batch_id,omitempty"`
	AgentID        string        `json:"agent_id"`
	Payload        string        `json:"cmd"`
	Status         CommandStatus `json:"status"`
	Seq            int64         `json:"seq"`
	EnqueuedAt     time.Time     `json:"enqueued_at"`
	DispatchedAt   *time.Time    `json:"dispatched_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Result         string        `json:"result,omitempty"`
	ExitCode       *int          `json:"exit_code,omitempty"`
	ElapsedSeconds *float64      `json:"elapsed_seconds,omitempty"`
}

// Poll reasons returned with an empty dispatch.
const (
	ReasonPaused   = "paused"
	ReasonDisabled = "disabled"
	ReasonBusy     = "busy"
)

// PollResponse is the dispatch reply. Cmd is null when nothing is handed out.
type PollResponse struct {
	Cmd    *string `json:"cmd"`
	ID     string  `json:"id,omitempty"`
	Reason string  `json:"reason,omitempty"`
}

// ResultRequest reports the terminal output of a dispatched command
type ResultRequest struct {
	AgentID   string `json:"agent_id" binding:"required"`
	CommandID string `json:"command_id"`
	Cmd       string `json:"cmd"`
	Result    string `json:"result" binding:"required"`
}

// EnqueueRequest is the operator request to queue a command
type EnqueueRequest struct {
	Target string `json:"target" binding:"required"`
	Cmd    string `json:"cmd" binding:"required"`
}

// EnqueueResponse lists the commands created by one enqueue
type EnqueueResponse struct {
	Status   string    `json:"status"`
	Commands []Command `json:"commands"`
}

// ResultSummary is what can be recovered from the result text convention
// "code=<int>[, time=<secs>]\n<output>".
type ResultSummary struct {
	ExitCode *int
	Elapsed  *float64
	Output   string
}

// ParseResult extracts the exit code and elapsed time from a result string.
// Anything not following the convention is returned as output only.
func ParseResult(result string) ResultSummary {
	header, body, found := strings.Cut(result, "\n")
	if !found {
		body = ""
	}
	summary := ResultSummary{Output: body}
	if !strings.HasPrefix(header, "code=") {
		summary.Output = result
		return summary
	}

	for _, part := range strings.Split(header, ",") {
		key, value, ok := strings.Cut(strings.TrimSpace(part), "=")
		if !ok {
			continue
		}
		switch key {
		case "code":
			if code, err := strconv.Atoi(value); err == nil {
				summary.ExitCode = &code
			}
		case "time":
			if secs, err := strconv.ParseFloat(strings.TrimSuffix(value, "s"), 64); err == nil {
				summary.Elapsed = &secs
			}
		}
	}
	return summary
}

// FormatResult renders the result text convention
func FormatResult(code int, elapsed time.Duration, output string) string {
	return fmt.Sprintf("code=%d, time=%.2f\n%s", code, elapsed.Seconds(), output)
}

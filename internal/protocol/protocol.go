// Package protocol defines the control-plane protocol between the runner
// daemon and its CLI: the request/response envelope spoken over the unix
// socket, the method names, and their parameter and result shapes.
package protocol

import (
	"encoding/json"
	"time"
)

// Request is the JSON-RPC style request envelope.
type Request struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response is the JSON-RPC style response envelope.
type Response struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Control methods the daemon understands.
const (
	MethodStatus      = "status"
	MethodPause       = "pause"
	MethodResume      = "resume"
	MethodPauseAll    = "pause_all"
	MethodResumeAll   = "resume_all"
	MethodCancel      = "cancel"
	MethodEventsSince = "events.since"
	MethodShutdown    = "shutdown"
)

// PauseParams selects the project for pause/resume.
type PauseParams struct {
	Project string `json:"project"`
}

// CancelParams identifies the in-flight task to cancel.
type CancelParams struct {
	Project string `json:"project"`
	TaskID  string `json:"task_id"`
}

// EventsSinceParams bounds an incremental event read. SinceMS is a unix
// timestamp in milliseconds; zero means "everything buffered". A
// non-empty Project narrows the read to that project's events.
type EventsSinceParams struct {
	SinceMS int64  `json:"since_ms"`
	Project string `json:"project,omitempty"`
}

// RunningInfo describes one in-flight task in a status snapshot.
type RunningInfo struct {
	Project   string    `json:"project"`
	TaskID    string    `json:"task_id"`
	Title     string    `json:"title,omitempty"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Resume    bool      `json:"resume,omitempty"`
	Owned     bool      `json:"owned"`
	IdleSince time.Time `json:"idle_since,omitempty"`
}

// ProjectStats mirrors the per-project counters in a status snapshot.
type ProjectStats struct {
	Completed      int   `json:"completed"`
	Failed         int   `json:"failed"`
	TotalRuntimeMS int64 `json:"total_runtime_ms"`
}

// StatusResult is the full daemon status returned by MethodStatus.
type StatusResult struct {
	RunnerID     string                  `json:"runner_id"`
	Projects     []string                `json:"projects"`
	Paused       []string                `json:"paused,omitempty"`
	MaxParallel  int                     `json:"max_parallel"`
	Running      []RunningInfo           `json:"running,omitempty"`
	Stats        map[string]ProjectStats `json:"stats,omitempty"`
	StartedAt    time.Time               `json:"started_at"`
	ShuttingDown bool                    `json:"shutting_down,omitempty"`
}

// Package state persists runner snapshots, PID files, and per-task
// artifacts under the state directory. Writes are atomic (temp file +
// rename) and guarded by an advisory file lock so a CLI process and a
// running daemon never interleave partial writes.
package state

import "time"

// Status is the runner lifecycle phase recorded in snapshots.
type Status string

const (
	StatusIdle       Status = "idle"
	StatusPolling    Status = "polling"
	StatusProcessing Status = "processing"
	StatusStopped    Status = "stopped"
)

// Stats accumulates per-project completion counters across runner
// restarts.
type Stats struct {
	Completed    int   `json:"completed"`
	Failed       int   `json:"failed"`
	TotalRuntime int64 `json:"totalRuntime"` // milliseconds
}

// TaskKey builds the composite in-flight key for a project and task ID.
// Task IDs are only unique within a project, so every runner-side map is
// keyed by this composite.
func TaskKey(project, taskID string) string {
	return project + "/" + taskID
}

// RunningTask is the durable record of one in-flight task, written on
// every spawn and exit so a crashed runner can re-adopt or resume its
// workers.
type RunningTask struct {
	TaskID    string    `json:"taskId"`
	ProjectID string    `json:"projectId"`
	Path      string    `json:"path"`
	Title     string    `json:"title"`
	Priority  string    `json:"priority"`
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"startedAt"`
	IsResume  bool      `json:"isResume"`
	Workdir   string    `json:"workdir"`

	// Set only for externally hosted worker sessions.
	WindowName string `json:"windowName,omitempty"`
	PaneID     string `json:"paneId,omitempty"`
	WorkerPort int    `json:"workerEndpointPort,omitempty"`

	// IdleSince marks when the worker session was first observed idle.
	// Zero means the session is active or owned.
	IdleSince time.Time `json:"idleSince,omitempty"`
}

// Key returns the task's globally unique in-flight identity.
func (t RunningTask) Key() string {
	return TaskKey(t.ProjectID, t.TaskID)
}

// RunnerState is the per-project snapshot persisted to
// runner-<projectId>.json.
type RunnerState struct {
	ProjectID    string        `json:"projectId"`
	Status       Status        `json:"status"`
	RunningTasks []RunningTask `json:"runningTasks"`
	Stats        Stats         `json:"stats"`
	StartedAt    time.Time     `json:"startedAt"`
	UpdatedAt    time.Time     `json:"updatedAt"`
}

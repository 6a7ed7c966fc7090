// Package events defines the runner's event stream: typed notifications
// for task lifecycle, polling, pause state, and shutdown, with an
// in-memory publisher for live subscribers and a bounded ring for
// replaying recent history over the control socket.
package events

import "time"

// Type identifies what happened.
type Type string

const (
	TypeTaskStarted    Type = "task_started"
	TypeTaskCompleted  Type = "task_completed"
	TypeTaskFailed     Type = "task_failed"
	TypeTaskCancelled  Type = "task_cancelled"
	TypePollComplete   Type = "poll_complete"
	TypeStateSaved     Type = "state_saved"
	TypeProjectPaused  Type = "project_paused"
	TypeProjectResumed Type = "project_resumed"
	TypeAllPaused      Type = "all_paused"
	TypeAllResumed     Type = "all_resumed"
	TypeShutdown       Type = "shutdown"
)

// Event is one entry in the runner's event stream. Optional fields are
// populated per type: task events carry task identity and, on failure,
// the error text; poll_complete carries the poll counters.
type Event struct {
	Type      Type   `json:"type"`
	Project   string `json:"projectId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Title     string `json:"title,omitempty"`
	Error     string `json:"error,omitempty"`
	Reason    string `json:"reason,omitempty"`
	RuntimeMS int64  `json:"runtimeMs,omitempty"`
	Ready     int    `json:"readyCount,omitempty"`
	Running   int    `json:"runningCount,omitempty"`
	Spawned   int    `json:"spawned,omitempty"`

	// Timestamp is unix milliseconds; monotonically non-decreasing in
	// arrival order within one runner.
	Timestamp int64 `json:"timestamp"`
}

// New creates an event stamped with the current time.
func New(t Type, project, taskID string) Event {
	return Event{
		Type:      t,
		Project:   project,
		TaskID:    taskID,
		Timestamp: time.Now().UnixMilli(),
	}
}

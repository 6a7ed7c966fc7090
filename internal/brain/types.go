// Package brain is the typed client for the brain task service: the HTTP
// API the runner polls for ready work, claims tasks against, and reports
// status back to.
package brain

import (
	"fmt"
	"time"
)

// Status is a task's lifecycle status as stored by the task service.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusBlocked    Status = "blocked"
	StatusCancelled  Status = "cancelled"
	StatusValidated  Status = "validated"
)

// ParseStatus validates a status string from the wire.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusCompleted, StatusBlocked, StatusCancelled, StatusValidated:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown task status %q", s)
}

// Classification is the service's scheduling verdict for a task.
// "ready" means every transitive prerequisite has a satisfying status;
// tasks in a dependency cycle are always "blocked".
type Classification string

const (
	ClassReady   Classification = "ready"
	ClassWaiting Classification = "waiting"
	ClassBlocked Classification = "blocked"
)

// ParseClassification validates a classification string from the wire.
func ParseClassification(s string) (Classification, error) {
	switch Classification(s) {
	case ClassReady, ClassWaiting, ClassBlocked:
		return Classification(s), nil
	}
	return "", fmt.Errorf("unknown classification %q", s)
}

// Priority orders ready tasks. The service returns lists already sorted
// by priority; the runner preserves that order.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Task is the projection of a server-owned task the runner consumes.
type Task struct {
	ID                  string         `json:"id"`
	Path                string         `json:"path"`
	Title               string         `json:"title"`
	Priority            Priority       `json:"priority"`
	Status              Status         `json:"status"`
	Classification      Classification `json:"classification"`
	DependsOn           []string       `json:"depends_on,omitempty"`
	WaitingOn           []string       `json:"waiting_on,omitempty"`
	BlockedBy           []string       `json:"blocked_by,omitempty"`
	InCycle             bool           `json:"in_cycle,omitempty"`
	Workdir             string         `json:"workdir,omitempty"`
	Worktree            string         `json:"worktree,omitempty"`
	GitRemote           string         `json:"git_remote,omitempty"`
	GitBranch           string         `json:"git_branch,omitempty"`
	FeatureID           string         `json:"feature_id,omitempty"`
	FeatureDependsOn    []string       `json:"feature_depends_on,omitempty"`
	ResolvedWorkdir     string         `json:"resolved_workdir,omitempty"`
	UserOriginalRequest string         `json:"user_original_request,omitempty"`
}

// HealthStatus is the service's self-reported health.
type HealthStatus string

const (
	StatusHealthy   HealthStatus = "healthy"
	StatusDegraded  HealthStatus = "degraded"
	StatusUnhealthy HealthStatus = "unhealthy"
)

// Health is the /health response. TasksOK and IndexOK report the two
// service subsystems the runner depends on. Any transport failure is
// mapped to StatusUnhealthy by the client rather than an error.
type Health struct {
	Status  HealthStatus `json:"status"`
	TasksOK bool         `json:"tasks_ok"`
	IndexOK bool         `json:"index_ok"`
}

// OK reports whether a poll tick should proceed.
func (h Health) OK() bool {
	return h.Status == StatusHealthy
}

// ListResponse is the common shape of task-list endpoints. Stats and Cycles
// are only populated by the full per-project listing.
type ListResponse struct {
	Tasks  []Task     `json:"tasks"`
	Count  int        `json:"count"`
	Stats  *ListStats `json:"stats,omitempty"`
	Cycles [][]string `json:"cycles,omitempty"`
}

// ListStats are the per-status counts the full listing reports.
type ListStats struct {
	Pending    int `json:"pending"`
	InProgress int `json:"in_progress"`
	Completed  int `json:"completed"`
	Blocked    int `json:"blocked"`
	Cancelled  int `json:"cancelled"`
}

// ClaimResult is the outcome of a claim attempt. A conflict (HTTP 409) is
// a normal result, not an error: Granted is false and ClaimedBy names the
// current holder. IsStale reports the server's judgment that the holding
// claim is older than the staleness TTL and may be broken on a retry.
type ClaimResult struct {
	Granted   bool      `json:"success"`
	ClaimedAt time.Time `json:"claimedAt,omitempty"`
	ClaimedBy string    `json:"claimedBy,omitempty"`
	IsStale   bool      `json:"isStale,omitempty"`
}

// WaitFor selects the long-poll completion condition.
type WaitFor string

const (
	WaitCompleted WaitFor = "completed"
	WaitAny       WaitFor = "any"
)

// TaskStatusEntry is one task's current status in a batched status report.
type TaskStatusEntry struct {
	ID     string `json:"id"`
	Path   string `json:"path,omitempty"`
	Status Status `json:"status"`
}

// StatusReport is the batched-status / long-poll response.
type StatusReport struct {
	Changed  bool              `json:"changed"`
	TimedOut bool              `json:"timedOut"`
	Tasks    []TaskStatusEntry `json:"tasks"`
	NotFound []string          `json:"notFound,omitempty"`
}

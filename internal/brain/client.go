package brain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

const (
	// DefaultTimeout bounds every request unless the client is configured
	// otherwise. Long-polls get their own, longer deadline.
	DefaultTimeout = 5 * time.Second

	// healthTTL is how long a health result (good or bad) is served from
	// cache before the service is asked again.
	healthTTL = 5 * time.Second

	// maxLongPoll is the server-imposed ceiling on long-poll timeouts,
	// enforced client-side so a bad value fails fast.
	maxLongPoll = 300_000 * time.Millisecond

	// maxBodyBytes caps how much of a response is read. List responses
	// are small; anything larger is a service bug.
	maxBodyBytes = 4 << 20
)

// Client talks to the brain task service. All methods honor the passed
// context and apply the configured per-request timeout on top of it.
// Safe for concurrent use.
type Client struct {
	baseURL string
	httpc   *http.Client
	timeout time.Duration
	log     *slog.Logger

	healthMu sync.RWMutex
	health   Health
	healthAt time.Time
	healthSF singleflight.Group
}

// New creates a client for the service at baseURL. A non-positive timeout
// selects DefaultTimeout.
func New(baseURL string, timeout time.Duration, log *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = slog.Default()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpc:   &http.Client{},
		timeout: timeout,
		log:     log.With("component", "brain"),
	}
}

// Health reports service health. Results are cached for healthTTL and
// concurrent refreshes are coalesced. Any failure (transport, timeout,
// malformed body) maps to StatusUnhealthy; Health never returns an error
// because callers only use it to decide whether to skip a poll tick.
func (c *Client) Health(ctx context.Context) Health {
	c.healthMu.RLock()
	if !c.healthAt.IsZero() && time.Since(c.healthAt) < healthTTL {
		h := c.health
		c.healthMu.RUnlock()
		return h
	}
	c.healthMu.RUnlock()

	v, _, _ := c.healthSF.Do("health", func() (any, error) {
		// Re-check after winning the singleflight slot: a concurrent
		// caller may have refreshed while we waited.
		c.healthMu.RLock()
		if !c.healthAt.IsZero() && time.Since(c.healthAt) < healthTTL {
			h := c.health
			c.healthMu.RUnlock()
			return h, nil
		}
		c.healthMu.RUnlock()

		var h Health
		if err := c.do(ctx, http.MethodGet, "/health", nil, &h); err != nil {
			c.log.Debug("health check failed", "error", err)
			h = Health{Status: StatusUnhealthy}
		} else if _, err := ParseHealthStatus(string(h.Status)); err != nil {
			c.log.Debug("health check returned unknown status", "status", h.Status)
			h = Health{Status: StatusUnhealthy}
		}

		c.healthMu.Lock()
		c.health = h
		c.healthAt = time.Now()
		c.healthMu.Unlock()
		return h, nil
	})
	return v.(Health)
}

// ParseHealthStatus validates a health status string from the wire.
func ParseHealthStatus(s string) (HealthStatus, error) {
	switch HealthStatus(s) {
	case StatusHealthy, StatusDegraded, StatusUnhealthy:
		return HealthStatus(s), nil
	}
	return "", fmt.Errorf("unknown health status %q", s)
}

// ListProjects returns the project identifiers the service knows about.
func (c *Client) ListProjects(ctx context.Context) ([]string, error) {
	var out struct {
		Projects []string `json:"projects"`
	}
	if err := c.do(ctx, http.MethodGet, "/api/v1/tasks", nil, &out); err != nil {
		return nil, err
	}
	return out.Projects, nil
}

// ListAll returns a project's full task list with stats and cycle report.
func (c *Client) ListAll(ctx context.Context, project string) (*ListResponse, error) {
	var out ListResponse
	path := fmt.Sprintf("/api/v1/tasks/%s", url.PathEscape(project))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListReady returns a project's ready tasks, priority-sorted by the server.
func (c *Client) ListReady(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "ready")
}

// ListWaiting returns tasks waiting on prerequisites.
func (c *Client) ListWaiting(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "waiting")
}

// ListBlocked returns tasks the service classifies as blocked.
func (c *Client) ListBlocked(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "blocked")
}

// ListInProgress returns tasks currently marked in_progress. Crash
// recovery uses this to find orphans.
func (c *Client) ListInProgress(ctx context.Context, project string) ([]Task, error) {
	return c.listFiltered(ctx, project, "in_progress")
}

func (c *Client) listFiltered(ctx context.Context, project, kind string) ([]Task, error) {
	var out ListResponse
	path := fmt.Sprintf("/api/v1/tasks/%s/%s", url.PathEscape(project), kind)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Tasks, nil
}

// Next returns the highest-priority ready task, or nil when the project
// has none (the one list endpoint where 404 is part of the contract).
func (c *Client) Next(ctx context.Context, project string) (*Task, error) {
	var out Task
	path := fmt.Sprintf("/api/v1/tasks/%s/next", url.PathEscape(project))
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	return &out, nil
}

// Claim attempts to take the lease on a task for runnerID. An HTTP 409 is
// returned as a non-granted ClaimResult carrying the holder and the
// server's staleness verdict; re-claiming under the same runnerID
// refreshes the lease.
func (c *Client) Claim(ctx context.Context, project, taskID, runnerID string) (ClaimResult, error) {
	body := map[string]string{"runnerId": runnerID}
	path := fmt.Sprintf("/api/v1/tasks/%s/%s/claim", url.PathEscape(project), url.PathEscape(taskID))

	var res ClaimResult
	err := c.do(ctx, http.MethodPost, path, body, &res)
	if err == nil {
		res.Granted = true
		return res, nil
	}

	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Status == http.StatusConflict {
		var conflict ClaimResult
		if apiErr.Body != "" {
			if perr := json.Unmarshal([]byte(apiErr.Body), &conflict); perr != nil {
				c.log.Debug("unparseable claim conflict body", "task_id", taskID, "error", perr)
			}
		}
		conflict.Granted = false
		return conflict, nil
	}
	return ClaimResult{}, err
}

// Release gives up the claim on a task. Idempotent: releasing a task that
// is not claimed (or no longer exists) is not an error.
func (c *Client) Release(ctx context.Context, project, taskID string) error {
	path := fmt.Sprintf("/api/v1/tasks/%s/%s/release", url.PathEscape(project), url.PathEscape(taskID))
	err := c.do(ctx, http.MethodPost, path, nil, nil)
	if err != nil && IsNotFound(err) {
		return nil
	}
	return err
}

// UpdateStatus sets the status field of the task file at path.
func (c *Client) UpdateStatus(ctx context.Context, taskPath string, status Status) error {
	body := map[string]string{"status": string(status)}
	return c.do(ctx, http.MethodPatch, "/api/v1/entries/"+url.PathEscape(taskPath), body, nil)
}

// AppendBody appends markdown to the task file at path.
func (c *Client) AppendBody(ctx context.Context, taskPath, markdown string) error {
	body := map[string]string{"append": markdown}
	return c.do(ctx, http.MethodPatch, "/api/v1/entries/"+url.PathEscape(taskPath), body, nil)
}

// TaskStatuses returns the current status of each listed task without
// waiting. An empty id set is vacuously satisfied without a request.
func (c *Client) TaskStatuses(ctx context.Context, project string, taskIDs []string) (*StatusReport, error) {
	if len(taskIDs) == 0 {
		return &StatusReport{Changed: true, Tasks: []TaskStatusEntry{}, NotFound: []string{}}, nil
	}
	body := map[string]any{"taskIds": taskIDs}
	path := fmt.Sprintf("/api/v1/tasks/%s/status", url.PathEscape(project))

	var out StatusReport
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// WaitForStatus long-polls until the condition holds for every listed task
// or the timeout elapses (TimedOut set on the report). Timeouts of 300 s or
// more are rejected client-side. An empty id set satisfies "completed"
// vacuously and returns immediately.
func (c *Client) WaitForStatus(ctx context.Context, project string, taskIDs []string, waitFor WaitFor, timeout time.Duration) (*StatusReport, error) {
	if timeout >= maxLongPoll {
		return nil, fmt.Errorf("long-poll timeout %s exceeds the %s limit", timeout, maxLongPoll)
	}
	if len(taskIDs) == 0 {
		return &StatusReport{Changed: true, Tasks: []TaskStatusEntry{}, NotFound: []string{}}, nil
	}

	body := map[string]any{
		"taskIds": taskIDs,
		"waitFor": string(waitFor),
		"timeout": timeout.Milliseconds(),
	}
	path := fmt.Sprintf("/api/v1/tasks/%s/status", url.PathEscape(project))

	// The request deadline must outlast the server-side poll window.
	var out StatusReport
	if err := c.doTimeout(ctx, http.MethodPost, path, body, &out, timeout+c.timeout); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	return c.doTimeout(ctx, method, path, body, out, c.timeout)
}

func (c *Client) doTimeout(ctx context.Context, method, path string, body, out any, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rdr io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding %s %s body: %w", method, path, err)
		}
		rdr = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rdr)
	if err != nil {
		return fmt.Errorf("building %s %s: %w", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Method: method, Path: path, Timeout: timeout, Err: err}
		}
		return fmt.Errorf("task service: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(err) {
			return &TimeoutError{Method: method, Path: path, Timeout: timeout, Err: err}
		}
		return fmt.Errorf("task service: reading %s %s response: %w", method, path, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &APIError{
			Status: resp.StatusCode,
			Method: method,
			Path:   path,
			Body:   truncate(strings.TrimSpace(string(data)), 512),
		}
	}

	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parsing %s %s response: %w", method, path, err)
		}
	}
	return nil
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

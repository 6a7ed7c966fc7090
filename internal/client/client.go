// Package client provides the CLI side of the runner control socket.
package client

import (
	"encoding/json"
	"fmt"
	"net"

	"github.com/venzell/taskrunner/internal/events"
	"github.com/venzell/taskrunner/internal/protocol"
)

// Client talks to a running taskrunner daemon. Each call opens a fresh
// connection; the daemon allows request pipelining but the CLI never
// needs it.
type Client struct {
	socketPath string
}

// New creates a client for the given control socket. Callers pass the
// resolved config.SocketPath; there is no global default because the
// socket lives under the state directory.
func New(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

func (c *Client) call(method string, params any, result any) error {
	conn, err := net.Dial("unix", c.socketPath)
	if err != nil {
		return fmt.Errorf("failed to connect to runner: %w (is the runner running?)", err)
	}
	defer conn.Close()

	var raw json.RawMessage
	if params != nil {
		raw, err = json.Marshal(params)
		if err != nil {
			return fmt.Errorf("failed to encode params: %w", err)
		}
	}
	req := protocol.Request{Method: method, Params: raw}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}

	var resp protocol.Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if !resp.Success {
		return fmt.Errorf("%s", resp.Error)
	}

	if result != nil && len(resp.Result) > 0 {
		if err := json.Unmarshal(resp.Result, result); err != nil {
			return fmt.Errorf("failed to parse result: %w", err)
		}
	}

	return nil
}

// Status returns the daemon's status snapshot.
func (c *Client) Status() (*protocol.StatusResult, error) {
	var result protocol.StatusResult
	if err := c.call(protocol.MethodStatus, nil, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Pause stops dispatch for one project.
func (c *Client) Pause(project string) error {
	return c.call(protocol.MethodPause, protocol.PauseParams{Project: project}, nil)
}

// Resume re-enables dispatch for one project.
func (c *Client) Resume(project string) error {
	return c.call(protocol.MethodResume, protocol.PauseParams{Project: project}, nil)
}

// PauseAll stops dispatch for every configured project.
func (c *Client) PauseAll() error {
	return c.call(protocol.MethodPauseAll, nil, nil)
}

// ResumeAll re-enables dispatch for every configured project.
func (c *Client) ResumeAll() error {
	return c.call(protocol.MethodResumeAll, nil, nil)
}

// Cancel kills an in-flight task's worker and records it as cancelled.
func (c *Client) Cancel(project, taskID string) error {
	return c.call(protocol.MethodCancel, protocol.CancelParams{Project: project, TaskID: taskID}, nil)
}

// EventsSince returns buffered events newer than the given unix-ms
// timestamp; zero returns everything still buffered. An empty project
// returns events for all projects.
func (c *Client) EventsSince(sinceMS int64, project string) ([]events.Event, error) {
	var evs []events.Event
	params := protocol.EventsSinceParams{SinceMS: sinceMS, Project: project}
	if err := c.call(protocol.MethodEventsSince, params, &evs); err != nil {
		return nil, err
	}
	return evs, nil
}

// Shutdown asks the daemon to stop gracefully.
func (c *Client) Shutdown() error {
	return c.call(protocol.MethodShutdown, nil, nil)
}

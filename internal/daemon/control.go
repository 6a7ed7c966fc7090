package daemon

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	"github.com/venzell/taskrunner/internal/protocol"
)

// ControlServer exposes the runner over a unix socket. One connection
// may issue many requests; each request gets exactly one response.
type ControlServer struct {
	runner   *Runner
	sup      *Supervisor
	socket   string
	listener net.Listener
	closing  atomic.Bool
	log      *slog.Logger
}

func NewControlServer(runner *Runner, sup *Supervisor, socketPath string, log *slog.Logger) *ControlServer {
	return &ControlServer{
		runner: runner,
		sup:    sup,
		socket: socketPath,
		log:    log.With("component", "control"),
	}
}

// Listen binds the unix socket, refusing to start when another runner
// already answers on it and cleaning up a stale socket file when not.
func (s *ControlServer) Listen() error {
	conn, err := net.DialTimeout("unix", s.socket, 200*time.Millisecond)
	if err == nil {
		_ = conn.Close()
		return fmt.Errorf("runner already running on %s", s.socket)
	}

	// Remove stale socket if no runner is accepting connections.
	if info, statErr := os.Lstat(s.socket); statErr == nil {
		if info.Mode()&os.ModeSocket == 0 {
			return fmt.Errorf("socket path exists and is not a unix socket: %s", s.socket)
		}
		if rmErr := os.Remove(s.socket); rmErr != nil {
			return fmt.Errorf("failed to remove stale socket %s: %w", s.socket, rmErr)
		}
	} else if !os.IsNotExist(statErr) {
		return fmt.Errorf("failed to stat socket path %s: %w", s.socket, statErr)
	}

	listener, err := net.Listen("unix", s.socket)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.socket, err)
	}
	// Restrict socket to owner only so other local users cannot issue
	// control commands (especially shutdown) to this runner.
	if err := os.Chmod(s.socket, 0700); err != nil {
		_ = listener.Close()
		return fmt.Errorf("failed to set socket permissions on %s: %w", s.socket, err)
	}
	s.listener = listener
	s.log.Info("control socket listening", "socket", s.socket)
	return nil
}

// Serve accepts connections until Close. Call Listen first.
func (s *ControlServer) Serve(ctx context.Context) {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if s.closing.Load() {
				return
			}
			select {
			case <-ctx.Done():
				return
			default:
				s.log.Error("accept error", "error", err)
				continue
			}
		}
		go s.handleConnection(ctx, conn)
	}
}

// Close stops accepting connections and removes the socket file.
func (s *ControlServer) Close() {
	s.closing.Store(true)
	if s.listener != nil {
		_ = s.listener.Close()
	}
	_ = os.Remove(s.socket)
}

func (s *ControlServer) handleConnection(ctx context.Context, conn net.Conn) {
	defer func() { _ = conn.Close() }()

	decoder := json.NewDecoder(conn)
	encoder := json.NewEncoder(conn)

	for {
		var req protocol.Request
		if err := decoder.Decode(&req); err != nil {
			return // Connection closed or read error
		}

		s.log.Debug("control request", "method", req.Method)
		resp := s.handleRequest(ctx, &req)
		if err := encoder.Encode(resp); err != nil {
			return
		}
	}
}

func (s *ControlServer) handleRequest(ctx context.Context, req *protocol.Request) *protocol.Response {
	switch req.Method {
	case protocol.MethodStatus:
		return s.handleStatus()
	case protocol.MethodPause:
		return s.handlePause(ctx, req.Params, s.runner.Pause)
	case protocol.MethodResume:
		return s.handlePause(ctx, req.Params, s.runner.Resume)
	case protocol.MethodPauseAll:
		return errorOnly(s.runner.PauseAll(ctx))
	case protocol.MethodResumeAll:
		return errorOnly(s.runner.ResumeAll(ctx))
	case protocol.MethodCancel:
		return s.handleCancel(ctx, req.Params)
	case protocol.MethodEventsSince:
		return s.handleEventsSince(req.Params)
	case protocol.MethodShutdown:
		return s.handleShutdown()
	default:
		return &protocol.Response{Success: false, Error: fmt.Sprintf("unknown method: %s", req.Method)}
	}
}

func (s *ControlServer) handleStatus() *protocol.Response {
	status := s.runner.Status()
	result, err := json.Marshal(status)
	if err != nil {
		return &protocol.Response{Success: false, Error: fmt.Sprintf("marshal error: %v", err)}
	}
	return &protocol.Response{Success: true, Result: result}
}

func (s *ControlServer) handlePause(ctx context.Context, rawParams json.RawMessage, apply func(context.Context, string) error) *protocol.Response {
	var params protocol.PauseParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return &protocol.Response{Success: false, Error: fmt.Sprintf("invalid params: %v", err)}
		}
	}
	if params.Project == "" {
		return &protocol.Response{Success: false, Error: "project is required"}
	}
	return errorOnly(apply(ctx, params.Project))
}

func (s *ControlServer) handleCancel(ctx context.Context, rawParams json.RawMessage) *protocol.Response {
	var params protocol.CancelParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return &protocol.Response{Success: false, Error: fmt.Sprintf("invalid params: %v", err)}
		}
	}
	if params.Project == "" || params.TaskID == "" {
		return &protocol.Response{Success: false, Error: "project and task_id are required"}
	}
	return errorOnly(s.runner.CancelTask(ctx, params.Project, params.TaskID))
}

func (s *ControlServer) handleEventsSince(rawParams json.RawMessage) *protocol.Response {
	var params protocol.EventsSinceParams
	if len(rawParams) > 0 {
		if err := json.Unmarshal(rawParams, &params); err != nil {
			return &protocol.Response{Success: false, Error: fmt.Sprintf("invalid params: %v", err)}
		}
	}
	evs := s.runner.EventsSince(params.SinceMS)
	if params.Project != "" {
		kept := evs[:0]
		for _, ev := range evs {
			if ev.Project == params.Project {
				kept = append(kept, ev)
			}
		}
		evs = kept
	}
	result, err := json.Marshal(evs)
	if err != nil {
		return &protocol.Response{Success: false, Error: fmt.Sprintf("marshal error: %v", err)}
	}
	return &protocol.Response{Success: true, Result: result}
}

func (s *ControlServer) handleShutdown() *protocol.Response {
	s.log.Info("shutdown requested via control socket")
	// Trigger shutdown in background so the response is sent first.
	go func() {
		time.Sleep(50 * time.Millisecond)
		s.sup.Trigger("control socket stop")
	}()
	return &protocol.Response{Success: true}
}

func errorOnly(err error) *protocol.Response {
	if err != nil {
		return &protocol.Response{Success: false, Error: err.Error()}
	}
	return &protocol.Response{Success: true}
}

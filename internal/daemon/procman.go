package daemon

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/venzell/taskrunner/internal/state"
)

// Process is the handle to a spawned worker process. This is the
// interface the manager uses to wait on workers.
type Process interface {
	// Wait blocks until the process exits and returns the exit error
	// (nil for success).
	Wait() error
	// PID returns the OS process ID.
	PID() int
}

// ProcessStarter spawns a worker process. The rendered prompt is passed
// as the final argument of the spawn command, dir is the working
// directory, extraEnv is appended to the inherited environment, and
// output receives the worker's combined stdout and stderr.
// This is the seam for testing: swap with a fake that exits on demand.
type ProcessStarter func(ctx context.Context, spawnCmd, prompt, dir string, extraEnv []string, output io.Writer) (Process, error)

// CommandRunner executes a command and returns its combined output.
// Seam for tests covering tmux and lsof interactions.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecCommandRunner runs a real command.
func ExecCommandRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// execProcess wraps *exec.Cmd to implement Process.
type execProcess struct {
	cmd *exec.Cmd
}

func (p *execProcess) Wait() error { return p.cmd.Wait() }
func (p *execProcess) PID() int    { return p.cmd.Process.Pid }

// ExecProcessStarter spawns a real OS process. The spawn command is
// split on whitespace and the prompt appended, e.g. "worker run"
// becomes ["worker", "run", "<prompt>"].
func ExecProcessStarter(ctx context.Context, spawnCmd, prompt, dir string, extraEnv []string, output io.Writer) (Process, error) {
	parts := strings.Fields(spawnCmd)
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty spawn command")
	}

	parts = append(parts, prompt)
	cmd := exec.CommandContext(ctx, parts[0], parts[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true, // Own process group so terminal signals don't propagate to the runner
	}
	cmd.Stdout = output
	cmd.Stderr = output

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %q: %w", spawnCmd, err)
	}

	return &execProcess{cmd: cmd}, nil
}

// syscallKill is the function used to send signals to processes.
// Exposed as a package variable for testing.
var syscallKill = syscall.Kill

// defaultPIDAlive checks process liveness via kill(pid, 0).
// Returns false when the process does not exist (ESRCH).
// Returns true for any other case (alive, or permission denied which
// means the process exists but belongs to another user).
func defaultPIDAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	if err == nil {
		return true
	}
	return err != syscall.ESRCH
}

// killGrace is how long a cancelled worker gets between SIGTERM and
// SIGKILL.
const killGrace = 500 * time.Millisecond

// ErrTooManyProcesses means the manager is at its total process cap,
// counting exited-but-uncollected entries.
var ErrTooManyProcesses = errors.New("too many tracked processes")

// EntryState is the lifecycle state of a tracked worker.
type EntryState string

const (
	EntryRunning EntryState = "running"
	EntryExited  EntryState = "exited"
)

// Entry tracks one worker process owned by (or adopted into) the manager.
type Entry struct {
	Task    state.RunningTask
	State   EntryState
	ExitErr error

	// Adopted entries were re-attached after a runner restart: there is
	// no Wait handle, so liveness is tracked by PID probing.
	Adopted bool
}

// Result describes how a tracked worker ended.
type Result struct {
	TaskID    string
	ProjectID string
	Path      string
	Title     string
	PID       int
	StartedAt time.Time
	Runtime   time.Duration
	Success   bool
	TimedOut  bool
	Crashed   bool
	IsResume  bool
	ExitErr   error
}

// ProcManager tracks worker processes the runner started or adopted.
// It does not schedule: the runner decides what to spawn; the manager
// reaps exits, enforces the total cap, and kills on demand.
type ProcManager struct {
	mu      sync.RWMutex
	entries map[string]*Entry // keyed by state.TaskKey(project, taskID)
	procs   map[string]Process

	// suspect marks running entries whose PID probed dead once; a second
	// consecutive dead probe collects them. Two phases avoid racing a
	// reap goroutine that is about to observe the exit.
	suspect map[string]bool

	maxTotal    int
	taskTimeout time.Duration
	log         *slog.Logger

	// pidAlive checks whether a process with the given PID is still
	// running. Defaults to the real syscall check; overridden in tests.
	pidAlive func(int) bool
}

// NewProcManager creates a manager capped at maxTotal tracked entries.
// taskTimeout of 0 disables the per-task wall-clock limit.
func NewProcManager(maxTotal int, taskTimeout time.Duration, log *slog.Logger) *ProcManager {
	return &ProcManager{
		entries:     make(map[string]*Entry),
		procs:       make(map[string]Process),
		suspect:     make(map[string]bool),
		maxTotal:    maxTotal,
		taskTimeout: taskTimeout,
		log:         log.With("component", "procman"),
		pidAlive:    defaultPIDAlive,
	}
}

// Add registers a started process and reaps its exit in the background.
func (m *ProcManager) Add(task state.RunningTask, proc Process, cleanup io.Closer) error {
	key := task.Key()

	m.mu.Lock()
	if _, dup := m.entries[key]; dup {
		m.mu.Unlock()
		return fmt.Errorf("task %s is already tracked", key)
	}
	if len(m.entries) >= m.maxTotal {
		m.mu.Unlock()
		return fmt.Errorf("%w: %d tracked, max %d", ErrTooManyProcesses, len(m.entries), m.maxTotal)
	}
	e := &Entry{Task: task, State: EntryRunning}
	m.entries[key] = e
	m.procs[key] = proc
	m.mu.Unlock()

	go m.reap(e, proc, cleanup)
	return nil
}

// Adopt registers a worker from a previous runner without a Wait handle.
// Liveness is tracked by PID probing.
func (m *ProcManager) Adopt(task state.RunningTask) error {
	key := task.Key()

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, dup := m.entries[key]; dup {
		return fmt.Errorf("task %s is already tracked", key)
	}
	if len(m.entries) >= m.maxTotal {
		return fmt.Errorf("%w: %d tracked, max %d", ErrTooManyProcesses, len(m.entries), m.maxTotal)
	}
	m.entries[key] = &Entry{Task: task, State: EntryRunning, Adopted: true}
	m.log.Info("adopted running worker",
		"task_id", task.TaskID,
		"project", task.ProjectID,
		"pid", task.PID,
	)
	return nil
}

// reap waits for a process to exit and records the outcome. cleanup is
// closed after the process exits (typically the output log file).
func (m *ProcManager) reap(e *Entry, proc Process, cleanup io.Closer) {
	err := proc.Wait()
	if cleanup != nil {
		if closeErr := cleanup.Close(); closeErr != nil {
			m.log.Warn("failed to close output log",
				"task_id", e.Task.TaskID,
				"error", closeErr,
			)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// The entry may already be gone (timed out and force-collected);
	// only record the exit for the entry we spawned.
	if cur, ok := m.entries[e.Task.Key()]; !ok || cur != e {
		return
	}
	e.State = EntryExited
	e.ExitErr = err
}

// CheckCompletion collects finished workers: exited processes, workers
// past the task timeout (killed here), and adopted or Wait-hung workers
// whose PID has vanished. Collected entries are removed from tracking.
func (m *ProcManager) CheckCompletion() []Result {
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	var results []Result
	for key, e := range m.entries {
		switch {
		case e.State == EntryExited:
			results = append(results, m.resultLocked(e, now, e.ExitErr == nil, false, false))
			delete(m.entries, key)
			delete(m.procs, key)
			delete(m.suspect, key)

		case m.taskTimeout > 0 && now.Sub(e.Task.StartedAt) > m.taskTimeout:
			m.log.Warn("worker exceeded task timeout, killing",
				"task_id", e.Task.TaskID,
				"project", e.Task.ProjectID,
				"pid", e.Task.PID,
				"timeout", m.taskTimeout,
			)
			m.killPIDLocked(e.Task.PID)
			results = append(results, m.resultLocked(e, now, false, true, false))
			delete(m.entries, key)
			delete(m.procs, key)
			delete(m.suspect, key)

		case !m.pidAlive(e.Task.PID):
			// Two probes in a row with a dead PID. For adopted entries
			// this is the only exit signal; for owned entries it means
			// Wait() hung after the process died.
			if !m.suspect[key] {
				m.suspect[key] = true
				continue
			}
			if !e.Adopted {
				m.log.Warn("removing dead worker (PID gone, Wait hung)",
					"task_id", e.Task.TaskID,
					"project", e.Task.ProjectID,
					"pid", e.Task.PID,
					"uptime", now.Sub(e.Task.StartedAt).Round(time.Second),
				)
			}
			results = append(results, m.resultLocked(e, now, false, false, true))
			delete(m.entries, key)
			delete(m.procs, key)
			delete(m.suspect, key)

		default:
			delete(m.suspect, key)
		}
	}
	return results
}

func (m *ProcManager) resultLocked(e *Entry, now time.Time, success, timedOut, crashed bool) Result {
	return Result{
		TaskID:    e.Task.TaskID,
		ProjectID: e.Task.ProjectID,
		Path:      e.Task.Path,
		Title:     e.Task.Title,
		PID:       e.Task.PID,
		StartedAt: e.Task.StartedAt,
		Runtime:   now.Sub(e.Task.StartedAt),
		Success:   success,
		TimedOut:  timedOut,
		Crashed:   crashed,
		IsResume:  e.Task.IsResume,
		ExitErr:   e.ExitErr,
	}
}

// Kill terminates one worker: SIGTERM, a short grace, then SIGKILL.
// The entry stays tracked; the reap goroutine (or the next completion
// check for adopted entries) observes the exit.
func (m *ProcManager) Kill(project, taskID string) error {
	key := state.TaskKey(project, taskID)

	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("task %s is not tracked", key)
	}

	pid := e.Task.PID
	if err := syscallKill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
		return fmt.Errorf("sending SIGTERM to pid %d: %w", pid, err)
	}
	go func() {
		time.Sleep(killGrace)
		if m.pidAlive(pid) {
			_ = syscallKill(pid, syscall.SIGKILL)
		}
	}()
	return nil
}

// Cancel evicts a worker from tracking and kills it. The entry is
// removed before the signal goes out so the next completion check does
// not also report the task.
func (m *ProcManager) Cancel(project, taskID string) (Entry, bool) {
	key := state.TaskKey(project, taskID)

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	delete(m.entries, key)
	delete(m.procs, key)
	delete(m.suspect, key)
	if e.State == EntryRunning {
		m.killPIDLocked(e.Task.PID)
	}
	return *e, true
}

// killPIDLocked sends SIGTERM immediately and escalates to SIGKILL after
// the grace period. Caller holds the lock; the escalation runs outside it.
func (m *ProcManager) killPIDLocked(pid int) {
	_ = syscallKill(pid, syscall.SIGTERM)
	go func() {
		time.Sleep(killGrace)
		if m.pidAlive(pid) {
			_ = syscallKill(pid, syscall.SIGKILL)
		}
	}()
}

// KillAll terminates every tracked worker in parallel: SIGTERM to each,
// then SIGKILL to any still alive when ctx expires. Returns once every
// worker's PID has gone or has been force-killed.
func (m *ProcManager) KillAll(ctx context.Context) error {
	m.mu.RLock()
	pids := make(map[string]int, len(m.entries))
	for key, e := range m.entries {
		if e.State == EntryRunning {
			pids[key] = e.Task.PID
		}
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for key, pid := range pids {
		key, pid := key, pid
		g.Go(func() error {
			if err := syscallKill(pid, syscall.SIGTERM); err != nil && err != syscall.ESRCH {
				return fmt.Errorf("SIGTERM to %s (pid %d): %w", key, pid, err)
			}
			ticker := time.NewTicker(100 * time.Millisecond)
			defer ticker.Stop()
			for {
				if !m.pidAlive(pid) {
					return nil
				}
				select {
				case <-ctx.Done():
					_ = syscallKill(pid, syscall.SIGKILL)
					return nil
				case <-ticker.C:
				}
			}
		})
	}
	return g.Wait()
}

// Has reports whether a task is tracked (running or awaiting collection).
func (m *ProcManager) Has(project, taskID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.entries[state.TaskKey(project, taskID)]
	return ok
}

// Get returns a copy of the tracked entry for a task.
func (m *ProcManager) Get(project, taskID string) (Entry, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[state.TaskKey(project, taskID)]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Running returns the number of workers still running.
func (m *ProcManager) Running() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, e := range m.entries {
		if e.State == EntryRunning {
			n++
		}
	}
	return n
}

// Total returns every tracked entry, including exited ones not yet
// collected. This is the number the total process cap applies to.
func (m *ProcManager) Total() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Snapshot returns the running tasks for persistence. Order is not
// guaranteed.
func (m *ProcManager) Snapshot() []state.RunningTask {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]state.RunningTask, 0, len(m.entries))
	for _, e := range m.entries {
		if e.State == EntryRunning {
			out = append(out, e.Task)
		}
	}
	return out
}

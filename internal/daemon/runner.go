// Package daemon implements the taskrunner daemon.
//
// The daemon is a polling task runner that:
//   - Polls the brain task service for ready work across projects
//   - Claims tasks and spawns worker processes or sessions for them
//   - Enforces a shared parallelism budget across all projects
//   - Detects idle worker sessions and hands them back as blocked
//   - Exposes a Unix socket for status queries and intervention
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/config"
	"github.com/venzell/taskrunner/internal/events"
	"github.com/venzell/taskrunner/internal/filter"
	"github.com/venzell/taskrunner/internal/protocol"
	"github.com/venzell/taskrunner/internal/state"
)

// session tracks one externally hosted worker. Unlike an owned manager
// entry there is no child handle: lifecycle is driven by the server-side
// task status and by probing the worker's session endpoint.
type session struct {
	task state.RunningTask

	// serverBlocked mirrors the last server-side status observation.
	// Blocked sessions only get the unblock sweep, never the idle
	// machine, so a blocked episode is marked exactly once.
	serverBlocked bool

	// deadProbes counts consecutive liveness probes that found the
	// session PID gone. Two in a row finalize the session as crashed.
	deadProbes int
}

// Deps are the runner's injectable collaborators. Zero fields default to
// the real implementations; tests swap in fakes through the seams.
type Deps struct {
	Client  *brain.Client
	Store   *state.Store
	Starter ProcessStarter
	Run     CommandRunner
	Bus     events.Publisher
	Ring    *events.Ring
}

// Runner owns the polling loop and every state mutation: the pause set,
// the session map, the stats counters. Control-plane calls (status,
// pause, cancel) synchronize with the loop through the runner mutex.
type Runner struct {
	cfg      *config.Config
	client   *brain.Client
	store    *state.Store
	launcher *Launcher
	probe    *Probe
	procs    *ProcManager
	filter   *filter.Filter
	bus      events.Publisher
	ring     *events.Ring
	log      *slog.Logger

	runnerID  string
	startedAt time.Time

	mu       sync.Mutex
	projects []string
	paused   map[string]bool
	sessions map[string]*session // keyed by state.TaskKey
	stats    map[string]*state.Stats
	rrOffset int

	// interrupted holds workers that died during shutdown without
	// finishing. They are written to the final snapshot as resumable so
	// the next incarnation picks them up, and they never touch stats.
	interrupted []state.RunningTask

	shuttingDown atomic.Bool
	stopOnce     sync.Once
	stop         chan struct{}
	done         chan struct{}

	// Seams for tests.
	pidAlive func(int) bool
	memAvail func() (int, bool)
}

// NewRunner builds a runner from validated configuration.
func NewRunner(cfg *config.Config, deps Deps, log *slog.Logger) (*Runner, error) {
	f, err := filter.New(cfg.Include, cfg.Exclude)
	if err != nil {
		return nil, fmt.Errorf("building project filter: %w", err)
	}
	if deps.Client == nil {
		deps.Client = brain.New(cfg.APIBaseURL, cfg.APITimeout, log)
	}
	if deps.Store == nil {
		deps.Store, err = state.Open(cfg.StateDir, log)
		if err != nil {
			return nil, err
		}
	}
	if deps.Bus == nil {
		deps.Bus = events.NewMemoryPublisher(events.DefaultBufferSize)
	}
	if deps.Ring == nil {
		deps.Ring = events.NewRing(events.DefaultRingSize)
	}

	r := &Runner{
		cfg:       cfg,
		client:    deps.Client,
		store:     deps.Store,
		launcher:  NewLauncher(cfg, deps.Store, deps.Starter, deps.Run, log),
		probe:     NewProbe(deps.Run, log),
		procs:     NewProcManager(cfg.MaxTotalProcesses, cfg.TaskTimeout, log),
		filter:    f,
		bus:       deps.Bus,
		ring:      deps.Ring,
		log:       log.With("component", "runner"),
		runnerID:  protocol.NewRunnerID(),
		startedAt: time.Now(),
		paused:    make(map[string]bool),
		sessions:  make(map[string]*session),
		stats:     make(map[string]*state.Stats),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		pidAlive:  PidAlive,
		memAvail:  func() (int, bool) { return availableMemoryPercent(procMemInfo) },
	}
	return r, nil
}

// RunnerID returns the claim owner identity for this incarnation.
func (r *Runner) RunnerID() string { return r.runnerID }

// Events returns the live event stream publisher.
func (r *Runner) Events() events.Publisher { return r.bus }

// EventsSince returns buffered events newer than the given unix-ms stamp.
func (r *Runner) EventsSince(sinceMS int64) []events.Event {
	return r.ring.Since(sinceMS)
}

// Start resolves the project set, recovers prior work, and runs the
// polling loop until BeginShutdown or context cancellation. The returned
// error is a startup failure; once the loop is running Start returns nil.
func (r *Runner) Start(ctx context.Context) error {
	if err := r.startup(ctx); err != nil {
		return err
	}
	defer close(r.done)
	r.loop(ctx)
	return nil
}

func (r *Runner) startup(ctx context.Context) error {
	projects, err := r.resolveProjects(ctx)
	if err != nil {
		return err
	}
	if len(projects) == 0 {
		return fmt.Errorf("no projects to poll (check --projects and include/exclude patterns)")
	}

	pid := os.Getpid()
	for i, p := range projects {
		if err := r.store.AcquirePID(p, pid, r.pidAlive); err != nil {
			for _, held := range projects[:i] {
				_ = r.store.RemovePID(held)
			}
			return err
		}
	}

	r.mu.Lock()
	r.projects = projects
	for _, p := range projects {
		r.stats[p] = &state.Stats{}
	}
	r.mu.Unlock()

	r.log.Info("runner starting",
		"runner_id", r.runnerID,
		"projects", projects,
		"max_parallel", r.cfg.MaxParallel,
		"mode", r.cfg.Mode,
	)

	r.rebuildPauseSet(ctx)
	if r.cfg.StartPaused && len(projects) > 1 {
		if err := r.PauseAll(ctx); err != nil {
			r.log.Warn("start-paused sentinel writes incomplete", "error", err)
		}
	}

	r.recoverCrashed(ctx)
	r.persistAll()
	return nil
}

// resolveProjects returns the configured project list, or discovers one
// from the task service with the include/exclude filter applied. The set
// is fixed for the runner's lifetime.
func (r *Runner) resolveProjects(ctx context.Context) ([]string, error) {
	if len(r.cfg.Projects) > 0 {
		return r.cfg.Projects, nil
	}
	all, err := r.client.ListProjects(ctx)
	if err != nil {
		return nil, fmt.Errorf("discovering projects: %w", err)
	}
	return r.filter.Apply(all), nil
}

func (r *Runner) loop(ctx context.Context) {
	poll := time.NewTicker(r.cfg.PollInterval)
	defer poll.Stop()
	task := time.NewTicker(r.cfg.TaskPollInterval)
	defer task.Stop()

	r.pollTick(ctx)
	for {
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			r.BeginShutdown("context cancelled")
			return
		case <-poll.C:
			r.pollTick(ctx)
		case <-task.C:
			r.taskTick(ctx)
		}
	}
}

// BeginShutdown flips the runner into shutdown mode, emits the shutdown
// event, and stops the polling loop. Idempotent; only the first reason
// is recorded.
func (r *Runner) BeginShutdown(reason string) {
	if !r.shuttingDown.CompareAndSwap(false, true) {
		return
	}
	ev := events.New(events.TypeShutdown, "", "")
	ev.Reason = reason
	r.emit(ev)
	r.log.Info("shutdown started", "reason", reason)
	r.stopOnce.Do(func() { close(r.stop) })
}

// Done is closed when the polling loop has exited.
func (r *Runner) Done() <-chan struct{} { return r.done }

// RunningWorkers reaps finished owned workers and reports how many are
// still running. The signal supervisor polls this during shutdown so
// workers that finish inside the grace window still get finalized.
func (r *Runner) RunningWorkers() int {
	r.collectOwned(context.Background())
	return r.procs.Running()
}

// ForceKillWorkers terminates every owned worker, escalating to SIGKILL
// when ctx expires. Externally hosted sessions are left alive: their
// tasks stay in_progress and the next incarnation adopts them.
func (r *Runner) ForceKillWorkers(ctx context.Context) error {
	return r.procs.KillAll(ctx)
}

// FinalizeShutdown reaps any last exits, persists every project snapshot
// with status stopped, and releases the PID files.
func (r *Runner) FinalizeShutdown() error {
	r.collectOwned(context.Background())

	var firstErr error
	r.mu.Lock()
	projects := append([]string(nil), r.projects...)
	r.mu.Unlock()
	for _, p := range projects {
		if err := r.persistProject(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, p := range projects {
		if err := r.store.RemovePID(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Status returns an immutable snapshot for the control socket.
func (r *Runner) Status() protocol.StatusResult {
	owned := r.procs.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	res := protocol.StatusResult{
		RunnerID:     r.runnerID,
		Projects:     append([]string(nil), r.projects...),
		MaxParallel:  r.cfg.MaxParallel,
		StartedAt:    r.startedAt,
		ShuttingDown: r.shuttingDown.Load(),
		Stats:        make(map[string]protocol.ProjectStats, len(r.stats)),
	}
	for p := range r.paused {
		res.Paused = append(res.Paused, p)
	}
	sort.Strings(res.Paused)
	for p, s := range r.stats {
		res.Stats[p] = protocol.ProjectStats{
			Completed:      s.Completed,
			Failed:         s.Failed,
			TotalRuntimeMS: s.TotalRuntime,
		}
	}
	for _, t := range owned {
		res.Running = append(res.Running, protocol.RunningInfo{
			Project:   t.ProjectID,
			TaskID:    t.TaskID,
			Title:     t.Title,
			PID:       t.PID,
			StartedAt: t.StartedAt,
			Resume:    t.IsResume,
			Owned:     true,
		})
	}
	for _, s := range r.sessions {
		res.Running = append(res.Running, protocol.RunningInfo{
			Project:   s.task.ProjectID,
			TaskID:    s.task.TaskID,
			Title:     s.task.Title,
			PID:       s.task.PID,
			StartedAt: s.task.StartedAt,
			Resume:    s.task.IsResume,
			IdleSince: s.task.IdleSince,
		})
	}
	sort.Slice(res.Running, func(i, j int) bool {
		return res.Running[i].StartedAt.Before(res.Running[j].StartedAt)
	})
	return res
}

// Paused returns the sorted pause set.
func (r *Runner) Paused() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.paused))
	for p := range r.paused {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// runningCount is the shared-budget occupancy: owned running workers
// plus every externally hosted session.
func (r *Runner) runningCount() int {
	r.mu.Lock()
	n := len(r.sessions)
	r.mu.Unlock()
	return n + r.procs.Running()
}

// inFlight reports whether the composite key is already tracked, either
// as an owned process or a session.
func (r *Runner) inFlight(project, taskID string) bool {
	if r.procs.Has(project, taskID) {
		return true
	}
	r.mu.Lock()
	_, ok := r.sessions[state.TaskKey(project, taskID)]
	r.mu.Unlock()
	return ok
}

func (r *Runner) isPaused(project string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.paused[project]
}

func (r *Runner) hasProject(project string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.projects {
		if p == project {
			return true
		}
	}
	return false
}

// emit pushes an event to the ring and publishes it to live subscribers.
// Callers emit after the state mutation the event describes.
func (r *Runner) emit(ev events.Event) {
	r.ring.Push(ev)
	r.bus.Publish(ev)
}

// addStats applies a completion to the per-project counters.
func (r *Runner) addStats(project string, succeeded bool, runtime time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stats[project]
	if !ok {
		s = &state.Stats{}
		r.stats[project] = s
	}
	if succeeded {
		s.Completed++
	} else {
		s.Failed++
	}
	s.TotalRuntime += runtime.Milliseconds()
}

// persistProject writes the project's RunnerState snapshot and running
// list. Read-side errors never happen here; write errors are returned so
// shutdown can surface them and regular ticks can log them.
func (r *Runner) persistProject(project string) error {
	st := r.snapshotState(project)
	if err := r.store.SaveState(st); err != nil {
		return err
	}
	return r.store.SaveRunning(project, st.RunningTasks)
}

// persistAll persists every project, logging failures.
func (r *Runner) persistAll() {
	r.mu.Lock()
	projects := append([]string(nil), r.projects...)
	r.mu.Unlock()
	for _, p := range projects {
		if err := r.persistProject(p); err != nil {
			r.log.Warn("persisting state failed", "project", p, "error", err)
		}
	}
}

// persistAndMark persists one project and emits state_saved. This is the
// completion-path persist: the event follows every terminal task event.
func (r *Runner) persistAndMark(project string) {
	if err := r.persistProject(project); err != nil {
		r.log.Warn("persisting state failed", "project", project, "error", err)
	}
	r.emit(events.New(events.TypeStateSaved, project, ""))
}

func (r *Runner) snapshotState(project string) *state.RunnerState {
	owned := r.procs.Snapshot()

	r.mu.Lock()
	defer r.mu.Unlock()

	var tasks []state.RunningTask
	for _, t := range owned {
		if t.ProjectID == project {
			tasks = append(tasks, t)
		}
	}
	for _, s := range r.sessions {
		if s.task.ProjectID == project {
			tasks = append(tasks, s.task)
		}
	}
	for _, t := range r.interrupted {
		if t.ProjectID == project {
			tasks = append(tasks, t)
		}
	}

	status := state.StatusPolling
	switch {
	case r.shuttingDown.Load():
		status = state.StatusStopped
	case len(tasks) > 0:
		status = state.StatusProcessing
	case r.paused[project]:
		status = state.StatusIdle
	}

	stats := state.Stats{}
	if s, ok := r.stats[project]; ok {
		stats = *s
	}

	return &state.RunnerState{
		ProjectID:    project,
		Status:       status,
		RunningTasks: tasks,
		Stats:        stats,
		StartedAt:    r.startedAt,
		UpdatedAt:    time.Now(),
	}
}

package daemon

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/config"
	"github.com/venzell/taskrunner/internal/events"
	"github.com/venzell/taskrunner/internal/state"
)

// claimAndSpawn takes one ready task through claim, status update, and
// spawn. Every step that fails undoes the previous ones so the task is
// offered again on a later poll. Returns true only when a worker is
// actually running and tracked.
func (r *Runner) claimAndSpawn(ctx context.Context, project string, task brain.Task) bool {
	claim, err := r.client.Claim(ctx, project, task.ID, r.runnerID)
	if err != nil {
		r.log.Warn("claim failed", "project", project, "task_id", task.ID, "error", err)
		return false
	}
	if !claim.Granted {
		r.log.Info("task claimed by another runner",
			"project", project,
			"task_id", task.ID,
			"claimed_by", claim.ClaimedBy,
			"stale", claim.IsStale,
		)
		return false
	}

	if err := r.client.UpdateStatus(ctx, task.Path, brain.StatusInProgress); err != nil {
		r.log.Warn("in_progress update failed, releasing claim",
			"project", project,
			"task_id", task.ID,
			"error", err,
		)
		if rerr := r.client.Release(ctx, project, task.ID); rerr != nil {
			r.log.Warn("release failed", "project", project, "task_id", task.ID, "error", rerr)
		}
		return false
	}

	return r.spawn(ctx, project, task, false)
}

// spawn starts a worker for a claimed or resumed task and registers it
// for tracking: owned child process in background mode, tmux-hosted
// session otherwise. On failure the claim is undone (non-resume only;
// resumed tasks stay in_progress for the next incarnation).
func (r *Runner) spawn(ctx context.Context, project string, task brain.Task, resume bool) bool {
	if r.cfg.Mode == config.ModeBackground {
		launch, err := r.launcher.Start(ctx, project, task, resume)
		if err != nil {
			r.log.Error("worker spawn failed", "project", project, "task_id", task.ID, "error", err)
			if !resume {
				r.undoClaim(ctx, project, task)
			}
			return false
		}
		if err := r.procs.Add(launch.Task, launch.Proc, launch.Output); err != nil {
			// Untracked workers would leak past the process cap; kill it
			// rather than lose the handle.
			r.log.Error("tracking worker failed, killing it",
				"project", project,
				"task_id", task.ID,
				"pid", launch.Proc.PID(),
				"error", err,
			)
			_ = syscallKill(launch.Proc.PID(), syscall.SIGKILL)
			if launch.Output != nil {
				_ = launch.Output.Close()
			}
			if !resume {
				r.undoClaim(ctx, project, task)
			}
			return false
		}
		r.emitStarted(launch.Task)
		return true
	}

	rt, err := r.launcher.StartSession(ctx, project, task, resume)
	if err != nil {
		r.log.Error("session spawn failed", "project", project, "task_id", task.ID, "error", err)
		if !resume {
			r.undoClaim(ctx, project, task)
		}
		return false
	}
	r.mu.Lock()
	r.sessions[rt.Key()] = &session{task: rt}
	r.mu.Unlock()
	r.emitStarted(rt)
	return true
}

// undoClaim reverts a claimed task we could not start a worker for:
// back to pending so it reappears as ready, then release. Both are
// best-effort; if the status revert is lost the task becomes an orphan
// and startup recovery resumes it.
func (r *Runner) undoClaim(ctx context.Context, project string, task brain.Task) {
	if err := r.client.UpdateStatus(ctx, task.Path, brain.StatusPending); err != nil {
		r.log.Warn("pending revert failed", "project", project, "task_id", task.ID, "error", err)
	}
	if err := r.client.Release(ctx, project, task.ID); err != nil {
		r.log.Warn("release failed", "project", project, "task_id", task.ID, "error", err)
	}
}

func (r *Runner) emitStarted(t state.RunningTask) {
	r.log.Info("task started",
		"project", t.ProjectID,
		"task_id", t.TaskID,
		"title", t.Title,
		"pid", t.PID,
		"resume", t.IsResume,
	)
	ev := events.New(events.TypeTaskStarted, t.ProjectID, t.TaskID)
	ev.Title = t.Title
	r.emit(ev)
}

// completionKind classifies how a task ended.
type completionKind int

const (
	kindCompleted completionKind = iota
	kindCrashed
	kindTimeout
	kindCancelled
)

// finishedTask carries what completion handling needs, independent of
// whether the worker was owned or session-hosted.
type finishedTask struct {
	project string
	taskID  string
	path    string
	title   string
	runtime time.Duration
}

func finishedFromRunning(t state.RunningTask) finishedTask {
	return finishedTask{
		project: t.ProjectID,
		taskID:  t.TaskID,
		path:    t.Path,
		title:   t.Title,
		runtime: time.Since(t.StartedAt),
	}
}

// collectOwned reaps finished owned workers and finalizes each.
func (r *Runner) collectOwned(ctx context.Context) {
	for _, res := range r.procs.CheckCompletion() {
		r.finalizeOwned(ctx, res)
	}
}

// finalizeOwned routes one owner-process exit through completion
// handling. During shutdown only successes finalize; interrupted workers
// are recorded for resume so their tasks stay in_progress and the stats
// counters stay at their pre-shutdown values.
func (r *Runner) finalizeOwned(ctx context.Context, res Result) {
	if r.shuttingDown.Load() && !res.Success {
		r.log.Info("worker interrupted by shutdown, leaving task in progress",
			"project", res.ProjectID,
			"task_id", res.TaskID,
		)
		r.mu.Lock()
		r.interrupted = append(r.interrupted, state.RunningTask{
			TaskID:    res.TaskID,
			ProjectID: res.ProjectID,
			Path:      res.Path,
			Title:     res.Title,
			PID:       res.PID,
			StartedAt: res.StartedAt,
			IsResume:  true,
		})
		r.mu.Unlock()
		return
	}

	kind := kindCompleted
	reason := ""
	switch {
	case res.TimedOut:
		kind = kindTimeout
		reason = fmt.Sprintf("exceeded the %s task timeout", r.cfg.TaskTimeout)
	case res.Crashed:
		kind = kindCrashed
		reason = "worker process died"
	case !res.Success:
		kind = kindCrashed
		reason = exitReason(res.ExitErr)
	}

	r.finalizeTask(ctx, finishedTask{
		project: res.ProjectID,
		taskID:  res.TaskID,
		path:    res.Path,
		title:   res.Title,
		runtime: res.Runtime,
	}, kind, reason, false)
}

// finalizeTask applies the completion effects shared by owned and
// session workers: stats, best-effort server mutations, release,
// artifact cleanup, the terminal event, and the state_saved persist.
// serverKnows skips the status/note writes for terminal statuses the
// server already holds (observed session completions and cancellations).
func (r *Runner) finalizeTask(ctx context.Context, t finishedTask, kind completionKind, reason string, serverKnows bool) {
	succeeded := kind == kindCompleted
	r.addStats(t.project, succeeded, t.runtime)

	if !serverKnows {
		switch kind {
		case kindTimeout, kindCrashed:
			status := brain.Status(r.cfg.FailureStatus)
			if err := r.client.UpdateStatus(ctx, t.path, status); err != nil {
				r.log.Warn("failure status update failed", "path", t.path, "error", err)
			}
			if err := r.client.AppendBody(ctx, t.path, r.failureNote(kind, reason, t.runtime)); err != nil {
				r.log.Warn("failure note append failed", "path", t.path, "error", err)
			}
		case kindCancelled:
			if err := r.client.UpdateStatus(ctx, t.path, brain.StatusCancelled); err != nil {
				r.log.Warn("cancelled status update failed", "path", t.path, "error", err)
			}
			if err := r.client.AppendBody(ctx, t.path, r.cancelNote()); err != nil {
				r.log.Warn("cancel note append failed", "path", t.path, "error", err)
			}
		}
	}

	if err := r.client.Release(ctx, t.project, t.taskID); err != nil {
		r.log.Warn("release failed", "project", t.project, "task_id", t.taskID, "error", err)
	}
	r.launcher.Cleanup(t.project, t.taskID)

	evType := events.TypeTaskFailed
	switch kind {
	case kindCompleted:
		evType = events.TypeTaskCompleted
	case kindCancelled:
		evType = events.TypeTaskCancelled
	}
	ev := events.New(evType, t.project, t.taskID)
	ev.Title = t.title
	ev.RuntimeMS = t.runtime.Milliseconds()
	if evType == events.TypeTaskFailed {
		ev.Error = reason
	}
	r.emit(ev)

	r.log.Info("task finished",
		"project", t.project,
		"task_id", t.taskID,
		"outcome", evType,
		"runtime", t.runtime.Round(time.Second),
		"reason", reason,
	)
	r.persistAndMark(t.project)
}

// CancelTask cancels one in-flight task: kills the owned worker or tears
// down its session window, marks the task cancelled server-side, and
// counts it failed. Invoked from the control socket.
func (r *Runner) CancelTask(ctx context.Context, project, taskID string) error {
	if entry, ok := r.procs.Cancel(project, taskID); ok {
		r.log.Info("cancelling owned worker",
			"project", project,
			"task_id", taskID,
			"pid", entry.Task.PID,
		)
		r.finalizeTask(ctx, finishedFromRunning(entry.Task), kindCancelled, "cancelled", false)
		return nil
	}

	key := state.TaskKey(project, taskID)
	r.mu.Lock()
	s, ok := r.sessions[key]
	if ok {
		delete(r.sessions, key)
	}
	r.mu.Unlock()
	if !ok {
		return fmt.Errorf("task %s is not in flight", key)
	}

	if err := r.launcher.KillSessionWindow(ctx, s.task); err != nil {
		r.log.Warn("killing session window failed", "window", s.task.WindowName, "error", err)
	}
	r.finalizeTask(ctx, finishedFromRunning(s.task), kindCancelled, "cancelled", false)
	return nil
}

func exitReason(err error) string {
	if err == nil {
		return "worker exited non-zero"
	}
	return err.Error()
}

func kindName(kind completionKind) string {
	switch kind {
	case kindTimeout:
		return "timeout"
	case kindCrashed:
		return "crashed"
	case kindCancelled:
		return "cancelled"
	default:
		return "completed"
	}
}

// failureNote is appended to a task's body when the runner marks it
// failed, naming the precise kind so a reader can tell a timeout from a
// crash.
func (r *Runner) failureNote(kind completionKind, reason string, runtime time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Runner: task %s (%s)\n\n", kindName(kind), time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- Reason: %s\n", reason)
	fmt.Fprintf(&b, "- Runtime: %s\n", runtime.Round(time.Second))
	fmt.Fprintf(&b, "- Status set to %q by runner %s\n", r.cfg.FailureStatus, r.runnerID)
	return b.String()
}

func (r *Runner) cancelNote() string {
	return fmt.Sprintf("\n## Runner: task cancelled (%s)\n\n- Cancelled via the runner control socket\n- Runner: %s\n",
		time.Now().UTC().Format(time.RFC3339), r.runnerID)
}

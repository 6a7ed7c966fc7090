package daemon

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/state"
)

// sessionView is a point-in-time copy of one session for a supervision
// pass. I/O runs against the copy; mutations re-find the live entry by
// key so a concurrent cancel cannot be resurrected.
type sessionView struct {
	key           string
	task          state.RunningTask
	serverBlocked bool
	deadProbes    int
}

func (r *Runner) sessionViews() map[string][]sessionView {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string][]sessionView)
	for key, s := range r.sessions {
		out[s.task.ProjectID] = append(out[s.task.ProjectID], sessionView{
			key:           key,
			task:          s.task,
			serverBlocked: s.serverBlocked,
			deadProbes:    s.deadProbes,
		})
	}
	for _, views := range out {
		sort.Slice(views, func(i, j int) bool { return views[i].key < views[j].key })
	}
	return out
}

// mutateSession applies fn to the live session for key, if it still
// exists. Returns false when the session is gone.
func (r *Runner) mutateSession(key string, fn func(*session)) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return false
	}
	fn(s)
	return true
}

// takeSession removes and returns the session for key.
func (r *Runner) takeSession(key string) (state.RunningTask, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[key]
	if !ok {
		return state.RunningTask{}, false
	}
	delete(r.sessions, key)
	return s.task, true
}

// checkSessions supervises externally hosted workers: reap sessions
// whose task the server has finished, collect dead sessions, run the
// idle machine over live in-progress sessions and the unblock sweep
// over live blocked ones.
func (r *Runner) checkSessions(ctx context.Context) {
	byProject := r.sessionViews()
	if len(byProject) == 0 {
		return
	}

	projects := make([]string, 0, len(byProject))
	for p := range byProject {
		projects = append(projects, p)
	}
	sort.Strings(projects)

	for _, project := range projects {
		views := byProject[project]
		ids := make([]string, 0, len(views))
		for _, v := range views {
			ids = append(ids, v.task.TaskID)
		}

		statusOf := make(map[string]brain.Status)
		statusKnown := false
		if report, err := r.client.TaskStatuses(ctx, project, ids); err != nil {
			r.log.Warn("batched status fetch failed", "project", project, "error", err)
		} else {
			statusKnown = true
			for _, e := range report.Tasks {
				statusOf[e.ID] = e.Status
			}
		}

		for _, v := range views {
			if statusKnown {
				switch statusOf[v.task.TaskID] {
				case brain.StatusCompleted, brain.StatusValidated:
					r.reapSession(ctx, v, kindCompleted, "")
					continue
				case brain.StatusCancelled:
					r.reapSession(ctx, v, kindCancelled, "")
					continue
				}
				v.serverBlocked = statusOf[v.task.TaskID] == brain.StatusBlocked
				r.mutateSession(v.key, func(s *session) { s.serverBlocked = v.serverBlocked })
			}

			if !r.pidAlive(v.task.PID) {
				r.deadSessionStep(ctx, v)
				continue
			}
			r.mutateSession(v.key, func(s *session) { s.deadProbes = 0 })

			if v.serverBlocked {
				r.unblockStep(ctx, v)
			} else {
				r.idleStep(ctx, v)
			}
		}
	}
}

// reapSession finalizes a session whose task reached a terminal status
// on the server. The window is torn down best-effort: the worker is
// done (or cancelled) and an abandoned pane would pile up in tmux.
func (r *Runner) reapSession(ctx context.Context, v sessionView, kind completionKind, reason string) {
	task, ok := r.takeSession(v.key)
	if !ok {
		return
	}
	if err := r.launcher.KillSessionWindow(ctx, task); err != nil {
		r.log.Warn("killing session window failed", "window", task.WindowName, "error", err)
	}
	r.finalizeTask(ctx, finishedFromRunning(task), kind, reason, true)
}

// deadSessionStep handles a session whose PID probed dead. Two probes in
// a row are required, same as the process manager, to avoid racing an
// exit that is still being recorded. A dead session for a blocked task
// is dropped without server mutations: the task was already handed back
// with a note, and resurrecting it is a human's call.
func (r *Runner) deadSessionStep(ctx context.Context, v sessionView) {
	first := v.deadProbes == 0
	if first {
		r.mutateSession(v.key, func(s *session) { s.deadProbes++ })
		return
	}

	task, ok := r.takeSession(v.key)
	if !ok {
		return
	}
	if err := r.launcher.KillSessionWindow(ctx, task); err != nil {
		r.log.Debug("killing dead session window failed", "window", task.WindowName, "error", err)
	}
	if v.serverBlocked {
		r.log.Warn("blocked session worker died, leaving task blocked",
			"project", task.ProjectID,
			"task_id", task.TaskID,
			"pid", task.PID,
		)
		return
	}
	r.finalizeTask(ctx, finishedFromRunning(task), kindCrashed, "worker session died", false)
}

// idleStep advances the idle state machine for one live in-progress
// session: discover the endpoint if needed, probe it, and when the
// session has been continuously idle past the threshold, mark the task
// blocked server-side without killing the worker.
func (r *Runner) idleStep(ctx context.Context, v sessionView) {
	port, ok := r.sessionPort(ctx, v)
	if !ok {
		return
	}

	switch r.probe.CheckStatus(ctx, port) {
	case SessionBusy:
		r.mutateSession(v.key, func(s *session) { s.task.IdleSince = time.Time{} })

	case SessionUnavailable:
		// Transient; keep the idle clock as it stands.

	case SessionIdle:
		now := time.Now()
		if v.task.IdleSince.IsZero() {
			r.mutateSession(v.key, func(s *session) { s.task.IdleSince = now })
			return
		}
		idleFor := now.Sub(v.task.IdleSince)
		if idleFor < r.cfg.IdleThreshold {
			return
		}
		// Keep IdleSince on failure so the mark retries next tick; the
		// serverBlocked flip below is what makes the mark once-per-episode.
		if err := r.client.UpdateStatus(ctx, v.task.Path, brain.StatusBlocked); err != nil {
			r.log.Warn("blocked status update failed",
				"project", v.task.ProjectID,
				"task_id", v.task.TaskID,
				"error", err,
			)
			return
		}
		if err := r.client.AppendBody(ctx, v.task.Path, blockedNote(v.task.WindowName, idleFor)); err != nil {
			r.log.Warn("blocked note append failed", "path", v.task.Path, "error", err)
		}
		r.mutateSession(v.key, func(s *session) {
			s.task.IdleSince = time.Time{}
			s.serverBlocked = true
		})
		r.log.Info("worker idle, task marked blocked",
			"project", v.task.ProjectID,
			"task_id", v.task.TaskID,
			"idle_for", idleFor.Round(time.Second),
			"window", v.task.WindowName,
		)
	}
}

// unblockStep probes a live session whose task is blocked server-side
// and restores in_progress when the worker reports busy again (someone
// interacted with it).
func (r *Runner) unblockStep(ctx context.Context, v sessionView) {
	port, ok := r.sessionPort(ctx, v)
	if !ok {
		return
	}
	if r.probe.CheckStatus(ctx, port) != SessionBusy {
		return
	}
	if err := r.client.UpdateStatus(ctx, v.task.Path, brain.StatusInProgress); err != nil {
		r.log.Warn("in_progress restore failed",
			"project", v.task.ProjectID,
			"task_id", v.task.TaskID,
			"error", err,
		)
		return
	}
	if err := r.client.AppendBody(ctx, v.task.Path, resumeNote()); err != nil {
		r.log.Warn("resume note append failed", "path", v.task.Path, "error", err)
	}
	r.mutateSession(v.key, func(s *session) {
		s.task.IdleSince = time.Time{}
		s.serverBlocked = false
	})
	r.log.Info("blocked worker busy again, task resumed",
		"project", v.task.ProjectID,
		"task_id", v.task.TaskID,
	)
}

// sessionPort returns the session's worker endpoint, discovering and
// caching it on first use. False means no endpoint is listening yet;
// the caller skips this tick and retries on the next.
func (r *Runner) sessionPort(ctx context.Context, v sessionView) (int, bool) {
	if v.task.WorkerPort != 0 {
		return v.task.WorkerPort, true
	}
	port, ok := r.probe.DiscoverEndpoint(ctx, v.task.PID)
	if !ok {
		return 0, false
	}
	r.mutateSession(v.key, func(s *session) { s.task.WorkerPort = port })
	return port, true
}

// blockedNote is appended when the idle machine hands a task back. It
// tells the reader how to resume: interact with the still-running
// worker session.
func blockedNote(window string, idleFor time.Duration) string {
	var b strings.Builder
	fmt.Fprintf(&b, "\n## Runner: worker idle, task blocked (%s)\n\n", time.Now().UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "- The worker reported idle for %s and likely needs input\n", idleFor.Round(time.Second))
	if window != "" {
		fmt.Fprintf(&b, "- The session is still running: attach with `tmux select-window -t %s` and reply\n", window)
	}
	b.WriteString("- The runner restores in_progress once the session reports busy again\n")
	return b.String()
}

func resumeNote() string {
	return fmt.Sprintf("\n## Runner: worker busy again, task resumed (%s)\n",
		time.Now().UTC().Format(time.RFC3339))
}

package daemon

import (
	"context"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/state"
)

// recoverCrashed re-attaches work left behind by a previous incarnation.
// Runs once, before the first poll:
//
//  1. Restore per-project stats from the persisted RunnerState.
//  2. Adopt snapshot entries whose PID is still alive: sessions go back
//     to the session map, owned workers into the process manager.
//  3. Resume orphans: tasks the server reports in_progress that nothing
//     local tracks. No claim and no status write on this path; the task
//     is already ours as far as the server is concerned.
//  4. Resume snapshot leftovers (dead PID), skipping anything step 3
//     already handled.
//
// Paused projects are left alone: resuming is spawning, and the pause
// has to hold across restarts.
func (r *Runner) recoverCrashed(ctx context.Context) {
	r.mu.Lock()
	projects := append([]string(nil), r.projects...)
	r.mu.Unlock()

	resumed := make(map[string]bool)
	leftovers := make(map[string][]state.RunningTask)

	for _, project := range projects {
		if st, err := r.store.LoadState(project); err != nil {
			r.log.Warn("loading state snapshot failed", "project", project, "error", err)
		} else if st != nil {
			stats := st.Stats
			r.mu.Lock()
			r.stats[project] = &stats
			r.mu.Unlock()
			r.log.Info("restored stats",
				"project", project,
				"completed", stats.Completed,
				"failed", stats.Failed,
			)
		}

		running, err := r.store.LoadRunning(project)
		if err != nil {
			r.log.Warn("loading running snapshot failed", "project", project, "error", err)
			continue
		}
		for _, t := range running {
			if t.PID > 0 && r.pidAlive(t.PID) {
				r.adoptRunning(t)
				resumed[t.Key()] = true
				continue
			}
			leftovers[project] = append(leftovers[project], t)
		}
	}

	for _, project := range projects {
		if r.isPaused(project) {
			r.log.Info("project paused, skipping orphan recovery", "project", project)
			continue
		}
		tasks, err := r.client.ListInProgress(ctx, project)
		if err != nil {
			r.log.Warn("listing in-progress tasks failed", "project", project, "error", err)
			continue
		}
		for _, task := range tasks {
			key := state.TaskKey(project, task.ID)
			if resumed[key] || r.inFlight(project, task.ID) {
				continue
			}
			if r.runningCount() >= r.cfg.MaxParallel {
				r.log.Info("at capacity, deferring orphan resume",
					"project", project,
					"task_id", task.ID,
				)
				continue
			}
			if r.spawn(ctx, project, task, true) {
				resumed[key] = true
				r.log.Info("resumed orphaned task", "project", project, "task_id", task.ID)
			}
		}
	}

	for _, project := range projects {
		if r.isPaused(project) {
			continue
		}
		for _, t := range leftovers[project] {
			if resumed[t.Key()] || r.inFlight(t.ProjectID, t.TaskID) {
				continue
			}
			if r.runningCount() >= r.cfg.MaxParallel {
				r.log.Info("at capacity, deferring snapshot resume",
					"project", project,
					"task_id", t.TaskID,
				)
				continue
			}
			task := brain.Task{
				ID:       t.TaskID,
				Path:     t.Path,
				Title:    t.Title,
				Priority: brain.Priority(t.Priority),
				Workdir:  t.Workdir,
			}
			if r.spawn(ctx, project, task, true) {
				resumed[t.Key()] = true
				r.log.Info("resumed task from snapshot",
					"project", project,
					"task_id", t.TaskID,
					"dead_pid", t.PID,
				)
			}
		}
	}
}

// adoptRunning re-attaches one still-alive worker from a snapshot.
func (r *Runner) adoptRunning(t state.RunningTask) {
	if t.WindowName != "" || t.PaneID != "" {
		r.mu.Lock()
		r.sessions[t.Key()] = &session{task: t}
		r.mu.Unlock()
		r.log.Info("adopted live worker session",
			"project", t.ProjectID,
			"task_id", t.TaskID,
			"window", t.WindowName,
			"pid", t.PID,
		)
		return
	}
	if err := r.procs.Adopt(t); err != nil {
		r.log.Warn("adopting worker failed",
			"project", t.ProjectID,
			"task_id", t.TaskID,
			"pid", t.PID,
			"error", err,
		)
	}
}

package daemon

import (
	"context"
	"errors"
	"fmt"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/events"
)

// Pause suspends polling for one project. Already-running tasks finish
// normally. The pause always takes effect locally; the server sentinel
// write (so the pause survives a restart) is attempted after, and its
// failure is returned without undoing the local pause.
func (r *Runner) Pause(ctx context.Context, project string) error {
	if !r.hasProject(project) {
		return fmt.Errorf("project %s is not configured", project)
	}

	r.mu.Lock()
	if r.paused[project] {
		r.mu.Unlock()
		return nil
	}
	r.paused[project] = true
	r.mu.Unlock()

	r.log.Info("project paused", "project", project)
	r.emit(events.New(events.TypeProjectPaused, project, ""))

	if err := r.writePauseSentinel(ctx, project, true); err != nil {
		r.log.Warn("pause sentinel write failed, pause is local only",
			"project", project,
			"error", err,
		)
		return err
	}
	return nil
}

// Resume lifts a pause. Mirror of Pause.
func (r *Runner) Resume(ctx context.Context, project string) error {
	if !r.hasProject(project) {
		return fmt.Errorf("project %s is not configured", project)
	}

	r.mu.Lock()
	if !r.paused[project] {
		r.mu.Unlock()
		return nil
	}
	delete(r.paused, project)
	r.mu.Unlock()

	r.log.Info("project resumed", "project", project)
	r.emit(events.New(events.TypeProjectResumed, project, ""))

	if err := r.writePauseSentinel(ctx, project, false); err != nil {
		r.log.Warn("resume sentinel write failed",
			"project", project,
			"error", err,
		)
		return err
	}
	return nil
}

// PauseAll pauses every configured project, then emits all_paused.
func (r *Runner) PauseAll(ctx context.Context) error {
	var errs []error
	r.mu.Lock()
	projects := append([]string(nil), r.projects...)
	r.mu.Unlock()
	for _, p := range projects {
		if err := r.Pause(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	r.emit(events.New(events.TypeAllPaused, "", ""))
	return errors.Join(errs...)
}

// ResumeAll resumes every configured project, then emits all_resumed.
func (r *Runner) ResumeAll(ctx context.Context) error {
	var errs []error
	r.mu.Lock()
	projects := append([]string(nil), r.projects...)
	r.mu.Unlock()
	for _, p := range projects {
		if err := r.Resume(ctx, p); err != nil {
			errs = append(errs, err)
		}
	}
	r.emit(events.New(events.TypeAllResumed, "", ""))
	return errors.Join(errs...)
}

// writePauseSentinel persists pause state on the server by setting the
// project's root task to blocked (paused) or pending (resumed).
func (r *Runner) writePauseSentinel(ctx context.Context, project string, paused bool) error {
	root, err := r.findRootTask(ctx, project)
	if err != nil {
		return err
	}
	status := brain.StatusPending
	if paused {
		status = brain.StatusBlocked
	}
	if err := r.client.UpdateStatus(ctx, root.Path, status); err != nil {
		return fmt.Errorf("updating root task %s: %w", root.Path, err)
	}
	return nil
}

// findRootTask locates the project's sentinel: the task whose title
// equals the project ID and that has no prerequisites.
func (r *Runner) findRootTask(ctx context.Context, project string) (*brain.Task, error) {
	list, err := r.client.ListAll(ctx, project)
	if err != nil {
		return nil, fmt.Errorf("listing %s tasks: %w", project, err)
	}
	for i := range list.Tasks {
		t := &list.Tasks[i]
		if t.Title == project && len(t.DependsOn) == 0 {
			return t, nil
		}
	}
	return nil, fmt.Errorf("project %s has no root task", project)
}

// rebuildPauseSet restores the local pause cache from the server-side
// sentinels so a pause survives runner restarts. Read failures leave
// the project unpaused and are logged; no events are emitted, this is
// restoration rather than a state change.
func (r *Runner) rebuildPauseSet(ctx context.Context) {
	r.mu.Lock()
	projects := append([]string(nil), r.projects...)
	r.mu.Unlock()

	for _, p := range projects {
		root, err := r.findRootTask(ctx, p)
		if err != nil {
			r.log.Debug("pause sentinel lookup failed", "project", p, "error", err)
			continue
		}
		if root.Status == brain.StatusBlocked {
			r.mu.Lock()
			r.paused[p] = true
			r.mu.Unlock()
			r.log.Info("restored pause from sentinel", "project", p)
		}
	}
}

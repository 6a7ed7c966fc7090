package daemon

import (
	"context"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/events"
)

// pollTick runs one full scheduling pass: reap finished work, supervise
// sessions, then look for ready tasks and spawn up to the shared budget.
// Any panic is contained here so one bad tick never kills the loop.
func (r *Runner) pollTick(ctx context.Context) {
	defer r.recoverTick("poll")

	health := r.client.Health(ctx)
	if !health.OK() {
		r.log.Warn("task service not healthy, skipping poll",
			"status", health.Status,
			"tasks_ok", health.TasksOK,
			"index_ok", health.IndexOK,
		)
		r.emitPollComplete(0, 0)
		return
	}

	r.collectOwned(ctx)
	r.checkSessions(ctx)

	running := r.runningCount()
	capacity := r.cfg.MaxParallel - running
	if capacity <= 0 {
		r.emitPollComplete(0, 0)
		return
	}
	if pct := r.cfg.MemoryThresholdPct(); pct > 0 {
		if avail, ok := r.memAvail(); ok && avail < pct {
			r.log.Warn("available memory below threshold, deferring spawns",
				"available_pct", avail,
				"threshold_pct", pct,
			)
			r.emitPollComplete(0, 0)
			return
		}
	}

	active := r.activeProjects()
	if len(active) == 0 {
		r.emitPollComplete(0, 0)
		return
	}

	merged := r.mergeReady(active, r.fetchReady(ctx, active))
	readyCount := len(merged)

	candidates := merged[:0]
	for _, c := range merged {
		if !r.inFlight(c.project, c.task.ID) {
			candidates = append(candidates, c)
		}
	}
	if len(candidates) > capacity {
		candidates = candidates[:capacity]
	}

	spawned := 0
	for _, c := range candidates {
		if r.shuttingDown.Load() {
			break
		}
		if r.claimAndSpawn(ctx, c.project, c.task) {
			spawned++
		}
	}

	r.persistAll()
	r.emitPollComplete(readyCount, spawned)
}

// taskTick supervises in-flight work between polls: reaps owned exits
// and runs the session state machines. It never spawns.
func (r *Runner) taskTick(ctx context.Context) {
	defer r.recoverTick("task")
	r.collectOwned(ctx)
	r.checkSessions(ctx)
}

func (r *Runner) recoverTick(kind string) {
	if p := recover(); p != nil {
		r.log.Error("tick panicked",
			"tick", kind,
			"panic", p,
			"stack", string(debug.Stack()),
		)
	}
}

func (r *Runner) emitPollComplete(ready, spawned int) {
	ev := events.New(events.TypePollComplete, "", "")
	ev.Ready = ready
	ev.Spawned = spawned
	ev.Running = r.runningCount()
	r.emit(ev)
}

// activeProjects is the configured set minus the pause set, in the
// configured order.
func (r *Runner) activeProjects() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.projects))
	for _, p := range r.projects {
		if !r.paused[p] {
			out = append(out, p)
		}
	}
	return out
}

// fetchReady asks every active project for its ready list concurrently.
// A failed project yields an empty list for this tick and is logged;
// the tick proceeds with whatever arrived.
func (r *Runner) fetchReady(ctx context.Context, projects []string) [][]brain.Task {
	lists := make([][]brain.Task, len(projects))
	var g errgroup.Group
	for i, p := range projects {
		i, p := i, p
		g.Go(func() error {
			tasks, err := r.client.ListReady(ctx, p)
			if err != nil {
				r.log.Warn("listing ready tasks failed", "project", p, "error", err)
				return nil
			}
			lists[i] = tasks
			return nil
		})
	}
	_ = g.Wait()
	return lists
}

// candidate pairs a ready task with its project for the merged queue.
type candidate struct {
	project string
	task    brain.Task
}

// mergeReady interleaves the per-project ready lists round-robin,
// rotating which project goes first each tick so no project with deep
// queues can monopolize the budget across ticks. The server's priority
// order within each project is preserved.
func (r *Runner) mergeReady(projects []string, lists [][]brain.Task) []candidate {
	total := 0
	for _, l := range lists {
		total += len(l)
	}
	if total == 0 {
		return nil
	}

	offset := r.nextOffset(len(projects))
	merged := make([]candidate, 0, total)
	for depth := 0; len(merged) < total; depth++ {
		for i := range projects {
			j := (offset + i) % len(projects)
			if depth < len(lists[j]) {
				merged = append(merged, candidate{project: projects[j], task: lists[j][depth]})
			}
		}
	}
	return merged
}

func (r *Runner) nextOffset(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	off := r.rrOffset % n
	r.rrOffset++
	return off
}

package daemon

import (
	"context"
	"strings"
	"testing"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/config"
	"github.com/venzell/taskrunner/internal/events"
)

// rootTask builds a project's pause sentinel: title equals the project
// ID and there are no prerequisites.
func rootTask(project string, status brain.Status) brain.Task {
	return brain.Task{
		ID:       project + "-root",
		Path:     "tasks/" + project + "-root.md",
		Title:    project,
		Priority: brain.PriorityHigh,
		Status:   status,
	}
}

func rootPath(project string) string {
	return "tasks/" + project + "-root.md"
}

func TestPauseSkipsProjectInPoll(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBrain(t, "web", "api")
	fb.setAll("web", rootTask("web", brain.StatusPending))
	fb.setReady("web", readyTask("w-1", "Web work"))
	fb.setReady("api", readyTask("a-1", "API work"))
	fx := newTestRunner(t, fb, nil)
	fx.mustStartup(t)

	if err := fx.r.Pause(ctx, "web"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	if got := fb.statusWrites(rootPath("web")); len(got) != 1 || got[0] != "blocked" {
		t.Errorf("sentinel writes = %v, want [blocked]", got)
	}
	if countType(fx.r.EventsSince(0), events.TypeProjectPaused) != 1 {
		t.Error("pause did not emit project_paused")
	}

	fx.r.pollTick(ctx)

	if got := fx.starter.spawned(); len(got) != 1 || got[0] != "api/a-1" {
		t.Errorf("spawned = %v, want only the unpaused project's task", got)
	}
}

func TestResumeRestoresPolling(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBrain(t, "web")
	fb.setAll("web", rootTask("web", brain.StatusPending))
	fb.setReady("web", readyTask("w-1", "Web work"))
	fx := newTestRunner(t, fb, nil)
	fx.mustStartup(t)

	if err := fx.r.Pause(ctx, "web"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	fx.r.pollTick(ctx)
	if got := fx.starter.spawned(); len(got) != 0 {
		t.Fatalf("spawned while paused = %v, want none", got)
	}

	if err := fx.r.Resume(ctx, "web"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := fb.statusWrites(rootPath("web")); len(got) != 2 || got[1] != "pending" {
		t.Errorf("sentinel writes = %v, want [blocked pending]", got)
	}
	if countType(fx.r.EventsSince(0), events.TypeProjectResumed) != 1 {
		t.Error("resume did not emit project_resumed")
	}

	fx.r.pollTick(ctx)
	if got := fx.starter.spawned(); len(got) != 1 || got[0] != "web/w-1" {
		t.Errorf("spawned after resume = %v, want [web/w-1]", got)
	}
}

func TestPauseIdempotent(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBrain(t, "web")
	fb.setAll("web", rootTask("web", brain.StatusPending))
	fx := newTestRunner(t, fb, nil)
	fx.mustStartup(t)

	if err := fx.r.Pause(ctx, "web"); err != nil {
		t.Fatalf("first Pause() error = %v", err)
	}
	if err := fx.r.Pause(ctx, "web"); err != nil {
		t.Fatalf("second Pause() error = %v", err)
	}

	if got := fb.statusWrites(rootPath("web")); len(got) != 1 {
		t.Errorf("sentinel writes = %v, want a single write", got)
	}
	if got := countType(fx.r.EventsSince(0), events.TypeProjectPaused); got != 1 {
		t.Errorf("project_paused events = %d, want 1", got)
	}
}

func TestResumeWithoutPauseNoops(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBrain(t, "web")
	fb.setAll("web", rootTask("web", brain.StatusPending))
	fx := newTestRunner(t, fb, nil)
	fx.mustStartup(t)

	if err := fx.r.Resume(ctx, "web"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := fb.statusWrites(rootPath("web")); len(got) != 0 {
		t.Errorf("sentinel writes = %v, want none", got)
	}
	if countType(fx.r.EventsSince(0), events.TypeProjectResumed) != 0 {
		t.Error("no-op resume emitted project_resumed")
	}
}

func TestPauseUnknownProjectRejected(t *testing.T) {
	fb := newFakeBrain(t, "web")
	fx := newTestRunner(t, fb, nil)
	fx.mustStartup(t)

	err := fx.r.Pause(context.Background(), "ghost")
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("Pause(ghost) error = %v, want not-configured rejection", err)
	}
	if countType(fx.r.EventsSince(0), events.TypeProjectPaused) != 0 {
		t.Error("rejected pause emitted project_paused")
	}
}

func TestPauseSentinelFailureKeepsLocalPause(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBrain(t, "web")
	fb.setReady("web", readyTask("w-1", "Web work"))
	// No root task registered, so the sentinel write cannot find one.
	fx := newTestRunner(t, fb, nil)
	fx.mustStartup(t)

	err := fx.r.Pause(ctx, "web")
	if err == nil || !strings.Contains(err.Error(), "no root task") {
		t.Fatalf("Pause() error = %v, want root-task lookup failure", err)
	}
	if !fx.r.isPaused("web") {
		t.Error("sentinel failure undid the local pause")
	}
	if countType(fx.r.EventsSince(0), events.TypeProjectPaused) != 1 {
		t.Error("locally-effective pause did not emit project_paused")
	}

	fx.r.pollTick(ctx)
	if got := fx.starter.spawned(); len(got) != 0 {
		t.Errorf("spawned = %v, want none under a local-only pause", got)
	}
}

func TestPauseAllAndResumeAll(t *testing.T) {
	ctx := context.Background()
	fb := newFakeBrain(t, "web", "api")
	fb.setAll("web", rootTask("web", brain.StatusPending))
	fb.setAll("api", rootTask("api", brain.StatusPending))
	fx := newTestRunner(t, fb, nil)
	fx.mustStartup(t)

	if err := fx.r.PauseAll(ctx); err != nil {
		t.Fatalf("PauseAll() error = %v", err)
	}
	for _, p := range []string{"web", "api"} {
		if !fx.r.isPaused(p) {
			t.Errorf("%s not paused after PauseAll", p)
		}
	}
	if countType(fx.r.EventsSince(0), events.TypeAllPaused) != 1 {
		t.Error("PauseAll did not emit all_paused")
	}

	if err := fx.r.ResumeAll(ctx); err != nil {
		t.Fatalf("ResumeAll() error = %v", err)
	}
	for _, p := range []string{"web", "api"} {
		if fx.r.isPaused(p) {
			t.Errorf("%s still paused after ResumeAll", p)
		}
	}
	if countType(fx.r.EventsSince(0), events.TypeAllResumed) != 1 {
		t.Error("ResumeAll did not emit all_resumed")
	}
}

func TestStartupRestoresPauseFromSentinel(t *testing.T) {
	fb := newFakeBrain(t, "web")
	fb.setAll("web", rootTask("web", brain.StatusBlocked))
	fx := newTestRunner(t, fb, nil)
	fx.mustStartup(t)

	if !fx.r.isPaused("web") {
		t.Error("blocked sentinel did not restore the pause")
	}
	// Restoration is not a state change.
	if countType(fx.r.EventsSince(0), events.TypeProjectPaused) != 0 {
		t.Error("sentinel restoration emitted project_paused")
	}
}

func TestStartPausedPausesAllProjects(t *testing.T) {
	fb := newFakeBrain(t, "web", "api")
	fb.setAll("web", rootTask("web", brain.StatusPending))
	fb.setAll("api", rootTask("api", brain.StatusPending))
	fx := newTestRunner(t, fb, func(cfg *config.Config) {
		cfg.StartPaused = true
	})
	fx.mustStartup(t)

	for _, p := range []string{"web", "api"} {
		if !fx.r.isPaused(p) {
			t.Errorf("%s not paused under start_paused", p)
		}
	}
	if got := fb.statusWrites(rootPath("web")); len(got) != 1 || got[0] != "blocked" {
		t.Errorf("web sentinel writes = %v, want [blocked]", got)
	}
	if countType(fx.r.EventsSince(0), events.TypeAllPaused) != 1 {
		t.Error("start_paused did not emit all_paused")
	}
}

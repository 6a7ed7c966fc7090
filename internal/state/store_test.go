package state

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"testing"
	"time"
)

func testStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestStoreSaveLoadState(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	st := &RunnerState{
		ProjectID: "web-app",
		Status:    StatusProcessing,
		RunningTasks: []RunningTask{
			{TaskID: "t-1", ProjectID: "web-app", Path: "tasks/t-1.md", Title: "Add login", PID: 4242, StartedAt: time.Now().Add(-time.Minute), Workdir: "/srv/web-app"},
		},
		Stats:     Stats{Completed: 3, Failed: 1, TotalRuntime: 95_000},
		StartedAt: time.Now().Add(-time.Hour),
	}
	if err := s.SaveState(st); err != nil {
		t.Fatalf("SaveState() error = %v", err)
	}
	if st.UpdatedAt.IsZero() {
		t.Fatal("SaveState() should refresh UpdatedAt")
	}

	got, err := s.LoadState("web-app")
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if got == nil {
		t.Fatal("LoadState() = nil, want snapshot")
	}
	if got.ProjectID != "web-app" || got.Status != StatusProcessing {
		t.Errorf("LoadState() = %+v, want projectId web-app status processing", got)
	}
	if len(got.RunningTasks) != 1 || got.RunningTasks[0].TaskID != "t-1" || got.RunningTasks[0].PID != 4242 {
		t.Errorf("RunningTasks = %+v, want one entry for t-1 pid 4242", got.RunningTasks)
	}
	if got.Stats.Completed != 3 || got.Stats.Failed != 1 || got.Stats.TotalRuntime != 95_000 {
		t.Errorf("Stats = %+v, want {3 1 95000}", got.Stats)
	}
}

func TestStoreLoadStateMissing(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	got, err := s.LoadState("nope")
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if got != nil {
		t.Fatalf("LoadState() = %+v, want nil for missing file", got)
	}
}

func TestStoreLoadStateCorrupt(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if err := os.WriteFile(s.StatePath("web-app"), []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadState("web-app")
	if err != nil {
		t.Fatalf("LoadState() error = %v, corrupt files should be treated as missing", err)
	}
	if got != nil {
		t.Fatalf("LoadState() = %+v, want nil for corrupt file", got)
	}
}

func TestStoreLoadStateFutureSchema(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if err := os.WriteFile(s.StatePath("web-app"), []byte(`{"schemaVersion":99,"projectId":"web-app"}`), 0o600); err != nil {
		t.Fatal(err)
	}
	got, err := s.LoadState("web-app")
	if err != nil {
		t.Fatalf("LoadState() error = %v", err)
	}
	if got != nil {
		t.Fatalf("LoadState() = %+v, want nil for future schema version", got)
	}
}

func TestStoreSaveLoadRunning(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	idleAt := time.Now().Add(-30 * time.Second).Truncate(time.Millisecond)
	tasks := []RunningTask{
		{TaskID: "t-1", ProjectID: "api", Path: "tasks/t-1.md", PID: 100, StartedAt: time.Now()},
		{TaskID: "t-2", ProjectID: "api", Path: "tasks/t-2.md", WindowName: "api-t-2", PaneID: "%5", WorkerPort: 8123, IdleSince: idleAt},
	}
	if err := s.SaveRunning("api", tasks); err != nil {
		t.Fatalf("SaveRunning() error = %v", err)
	}

	got, err := s.LoadRunning("api")
	if err != nil {
		t.Fatalf("LoadRunning() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("LoadRunning() returned %d tasks, want 2", len(got))
	}
	if got[0].TaskID != "t-1" || got[0].PID != 100 {
		t.Errorf("tasks[0] = %+v, want t-1 pid 100", got[0])
	}
	if got[1].WindowName != "api-t-2" || got[1].PaneID != "%5" || got[1].WorkerPort != 8123 {
		t.Errorf("tasks[1] = %+v, want session fields preserved", got[1])
	}
	if !got[1].IdleSince.Equal(idleAt) {
		t.Errorf("tasks[1].IdleSince = %v, want %v", got[1].IdleSince, idleAt)
	}
}

func TestStoreLoadRunningMissing(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	got, err := s.LoadRunning("nope")
	if err != nil {
		t.Fatalf("LoadRunning() error = %v", err)
	}
	if got != nil {
		t.Fatalf("LoadRunning() = %+v, want nil for missing file", got)
	}
}

func TestStoreAcquirePID(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	neverAlive := func(int) bool { return false }
	if err := s.AcquirePID("web-app", 1000, neverAlive); err != nil {
		t.Fatalf("AcquirePID() error = %v", err)
	}
	pid, err := s.ReadPID("web-app")
	if err != nil {
		t.Fatalf("ReadPID() error = %v", err)
	}
	if pid != 1000 {
		t.Fatalf("ReadPID() = %d, want 1000", pid)
	}

	// A dead holder gets replaced.
	if err := s.AcquirePID("web-app", 2000, neverAlive); err != nil {
		t.Fatalf("AcquirePID() over dead holder error = %v", err)
	}
	if pid, _ := s.ReadPID("web-app"); pid != 2000 {
		t.Fatalf("ReadPID() = %d, want 2000", pid)
	}

	// A live holder blocks the acquire.
	err = s.AcquirePID("web-app", 3000, func(int) bool { return true })
	if err == nil {
		t.Fatal("AcquirePID() error = nil, want AlreadyRunningError")
	}
	var already *AlreadyRunningError
	if !errors.As(err, &already) {
		t.Fatalf("expected AlreadyRunningError, got %T (%v)", err, err)
	}
	if already.PID != 2000 {
		t.Errorf("AlreadyRunningError.PID = %d, want 2000", already.PID)
	}
	if !IsAlreadyRunning(err) {
		t.Error("expected IsAlreadyRunning(err) == true")
	}
}

func TestStoreReadPIDMalformed(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if err := os.WriteFile(s.PIDPath("web-app"), []byte("not-a-pid\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	pid, err := s.ReadPID("web-app")
	if err != nil {
		t.Fatalf("ReadPID() error = %v", err)
	}
	if pid != 0 {
		t.Fatalf("ReadPID() = %d, want 0 for malformed file", pid)
	}
	if _, err := os.Stat(s.PIDPath("web-app")); !os.IsNotExist(err) {
		t.Error("malformed pid file should have been removed")
	}
}

func TestStoreCleanStale(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if err := s.WritePID("alive-project", 100); err != nil {
		t.Fatal(err)
	}
	if err := s.WritePID("dead-project", 200); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRunning("dead-project", []RunningTask{{TaskID: "t-1"}}); err != nil {
		t.Fatal(err)
	}

	cleaned, err := s.CleanStale(func(pid int) bool { return pid == 100 })
	if err != nil {
		t.Fatalf("CleanStale() error = %v", err)
	}
	if len(cleaned) != 1 || cleaned[0] != "dead-project" {
		t.Fatalf("CleanStale() = %v, want [dead-project]", cleaned)
	}
	if pid, _ := s.ReadPID("alive-project"); pid != 100 {
		t.Errorf("alive-project pid = %d, want 100 (must not be cleaned)", pid)
	}
	if pid, _ := s.ReadPID("dead-project"); pid != 0 {
		t.Errorf("dead-project pid = %d, want 0 after clean", pid)
	}
	if tasks, _ := s.LoadRunning("dead-project"); tasks != nil {
		t.Errorf("dead-project running snapshot = %+v, want removed", tasks)
	}
}

func TestStorePurgeProject(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	if err := s.SaveState(&RunnerState{ProjectID: "api"}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveRunning("api", nil); err != nil {
		t.Fatal(err)
	}
	if err := s.WritePID("api", 1); err != nil {
		t.Fatal(err)
	}
	for _, path := range []string{s.PromptPath("api", "t-1"), s.OutputPath("api", "t-1")} {
		if err := os.WriteFile(path, []byte("x"), 0o600); err != nil {
			t.Fatal(err)
		}
	}
	// A second project that must survive the purge.
	if err := s.SaveState(&RunnerState{ProjectID: "web"}); err != nil {
		t.Fatal(err)
	}

	if err := s.PurgeProject("api"); err != nil {
		t.Fatalf("PurgeProject() error = %v", err)
	}
	for _, path := range []string{
		s.StatePath("api"), s.RunningPath("api"), s.PIDPath("api"),
		s.PromptPath("api", "t-1"), s.OutputPath("api", "t-1"),
	} {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("%s still exists after purge", path)
		}
	}
	if got, _ := s.LoadState("web"); got == nil {
		t.Error("purge removed state for an unrelated project")
	}
}

func TestStorePruneArtifacts(t *testing.T) {
	t.Parallel()
	s := testStore(t)

	oldPrompt := s.PromptPath("api", "old")
	freshOutput := s.OutputPath("api", "fresh")
	if err := os.WriteFile(oldPrompt, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(freshOutput, []byte("x"), 0o600); err != nil {
		t.Fatal(err)
	}
	stale := time.Now().Add(-49 * time.Hour)
	if err := os.Chtimes(oldPrompt, stale, stale); err != nil {
		t.Fatal(err)
	}

	removed, err := s.PruneArtifacts(48 * time.Hour)
	if err != nil {
		t.Fatalf("PruneArtifacts() error = %v", err)
	}
	if removed != 1 {
		t.Fatalf("PruneArtifacts() = %d, want 1", removed)
	}
	if _, err := os.Stat(oldPrompt); !os.IsNotExist(err) {
		t.Error("stale prompt should have been removed")
	}
	if _, err := os.Stat(freshOutput); err != nil {
		t.Error("fresh output should have been kept")
	}
}

package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const (
	stateSchemaVersion = 1
	fileLockTimeout    = 5 * time.Second
)

// AlreadyRunningError reports that a live runner already holds the PID
// file for a project.
type AlreadyRunningError struct {
	Project string
	PID     int
}

func (e *AlreadyRunningError) Error() string {
	return fmt.Sprintf("runner for project %s is already running (pid %d)", e.Project, e.PID)
}

// IsAlreadyRunning reports whether err is an AlreadyRunningError.
func IsAlreadyRunning(err error) bool {
	var target *AlreadyRunningError
	return errors.As(err, &target)
}

// Store reads and writes runner state files in a single directory.
type Store struct {
	dir string
	log *slog.Logger
}

// Open prepares the state directory and returns a store for it.
func Open(dir string, log *slog.Logger) (*Store, error) {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolving home dir: %w", err)
		}
		dir = filepath.Join(home, ".taskrunner", "state")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating state dir %s: %w", dir, err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Store{dir: dir, log: log.With("component", "state")}, nil
}

// Dir returns the state directory.
func (s *Store) Dir() string { return s.dir }

// StatePath returns the runner snapshot path for a project.
func (s *Store) StatePath(project string) string {
	return filepath.Join(s.dir, "runner-"+project+".json")
}

// RunningPath returns the running-task snapshot path for a project.
func (s *Store) RunningPath(project string) string {
	return filepath.Join(s.dir, "running-"+project+".json")
}

// PIDPath returns the PID file path for a project.
func (s *Store) PIDPath(project string) string {
	return filepath.Join(s.dir, "runner-"+project+".pid")
}

// PromptPath returns where the rendered prompt for a task is persisted.
func (s *Store) PromptPath(project, taskID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("prompt_%s_%s.txt", project, taskID))
}

// OutputPath returns the worker output log path for a task.
func (s *Store) OutputPath(project, taskID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("output_%s_%s.log", project, taskID))
}

type stateFile struct {
	SchemaVersion int `json:"schemaVersion"`
	RunnerState
}

type runningFile struct {
	SchemaVersion int           `json:"schemaVersion"`
	Tasks         []RunningTask `json:"tasks"`
}

// SaveState atomically persists a runner snapshot, refreshing UpdatedAt.
func (s *Store) SaveState(st *RunnerState) error {
	if st.ProjectID == "" {
		return errors.New("projectId is required")
	}
	st.UpdatedAt = time.Now()

	path := s.StatePath(st.ProjectID)
	unlock, err := lockFile(path)
	if err != nil {
		return err
	}
	defer unlock()

	return s.writeJSON(path, stateFile{SchemaVersion: stateSchemaVersion, RunnerState: *st})
}

// LoadState reads the runner snapshot for a project. A missing file is
// not an error. A corrupt or future-versioned file is logged and treated
// as missing so a restart never wedges on bad state.
func (s *Store) LoadState(project string) (*RunnerState, error) {
	path := s.StatePath(project)
	unlock, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading runner state: %w", err)
	}

	var f stateFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Warn("corrupt runner state, starting fresh", "project", project, "path", path, "error", err)
		return nil, nil
	}
	if f.SchemaVersion > stateSchemaVersion {
		s.log.Warn("runner state from a newer version, starting fresh", "project", project, "schemaVersion", f.SchemaVersion)
		return nil, nil
	}
	st := f.RunnerState
	return &st, nil
}

// SaveRunning atomically persists the running-task snapshot used for
// crash recovery. Called on every spawn and exit.
func (s *Store) SaveRunning(project string, tasks []RunningTask) error {
	path := s.RunningPath(project)
	unlock, err := lockFile(path)
	if err != nil {
		return err
	}
	defer unlock()

	return s.writeJSON(path, runningFile{SchemaVersion: stateSchemaVersion, Tasks: tasks})
}

// LoadRunning reads the running-task snapshot for a project. Missing or
// corrupt files yield an empty snapshot.
func (s *Store) LoadRunning(project string) ([]RunningTask, error) {
	path := s.RunningPath(project)
	unlock, err := lockFile(path)
	if err != nil {
		return nil, err
	}
	defer unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading running snapshot: %w", err)
	}

	var f runningFile
	if err := json.Unmarshal(data, &f); err != nil {
		s.log.Warn("corrupt running snapshot, ignoring", "project", project, "path", path, "error", err)
		return nil, nil
	}
	return f.Tasks, nil
}

// RemoveRunning deletes the running-task snapshot.
func (s *Store) RemoveRunning(project string) error {
	err := os.Remove(s.RunningPath(project))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing running snapshot: %w", err)
	}
	return nil
}

// AcquirePID claims the per-project PID file. If another live process
// already holds it, an AlreadyRunningError identifies the holder. A PID
// file left behind by a dead process is overwritten.
func (s *Store) AcquirePID(project string, pid int, alive func(int) bool) error {
	existing, err := s.ReadPID(project)
	if err != nil {
		return err
	}
	if existing != 0 && existing != pid && alive(existing) {
		return &AlreadyRunningError{Project: project, PID: existing}
	}
	return s.WritePID(project, pid)
}

// WritePID records the runner's PID for a project.
func (s *Store) WritePID(project string, pid int) error {
	if err := os.WriteFile(s.PIDPath(project), []byte(strconv.Itoa(pid)+"\n"), 0o600); err != nil {
		return fmt.Errorf("writing pid file: %w", err)
	}
	return nil
}

// ReadPID returns the recorded PID for a project, or 0 when absent.
// A malformed PID file is removed and treated as absent.
func (s *Store) ReadPID(project string) (int, error) {
	path := s.PIDPath(project)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("reading pid file: %w", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		s.log.Warn("malformed pid file, removing", "project", project, "path", path)
		_ = os.Remove(path)
		return 0, nil
	}
	return pid, nil
}

// RemovePID deletes the PID file for a project.
func (s *Store) RemovePID(project string) error {
	err := os.Remove(s.PIDPath(project))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing pid file: %w", err)
	}
	return nil
}

// Stale lists projects whose PID file points at a dead runner. Scan-only;
// CleanStale is the mutating variant.
func (s *Store) Stale(alive func(int) bool) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("listing state dir: %w", err)
	}

	var stale []string
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, "runner-") || !strings.HasSuffix(name, ".pid") {
			continue
		}
		project := strings.TrimSuffix(strings.TrimPrefix(name, "runner-"), ".pid")
		pid, err := s.ReadPID(project)
		if err != nil {
			return stale, err
		}
		if pid != 0 && alive(pid) {
			continue
		}
		stale = append(stale, project)
	}
	return stale, nil
}

// CleanStale removes PID files and running snapshots left behind by dead
// runners. Returns the project IDs that were cleaned.
func (s *Store) CleanStale(alive func(int) bool) ([]string, error) {
	stale, err := s.Stale(alive)
	if err != nil {
		return nil, err
	}

	var cleaned []string
	for _, project := range stale {
		if err := s.RemovePID(project); err != nil {
			return cleaned, err
		}
		if err := s.RemoveRunning(project); err != nil {
			return cleaned, err
		}
		cleaned = append(cleaned, project)
	}
	return cleaned, nil
}

// PurgeProject removes every state file for a project: snapshot, running
// snapshot, PID file, prompts, and output logs.
func (s *Store) PurgeProject(project string) error {
	for _, path := range []string{
		s.StatePath(project), s.StatePath(project) + ".lock",
		s.RunningPath(project), s.RunningPath(project) + ".lock",
		s.PIDPath(project),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("removing %s: %w", path, err)
		}
	}
	for _, pattern := range []string{
		fmt.Sprintf("prompt_%s_*.txt", project),
		fmt.Sprintf("output_%s_*.log", project),
	} {
		matches, err := filepath.Glob(filepath.Join(s.dir, pattern))
		if err != nil {
			return fmt.Errorf("globbing %s: %w", pattern, err)
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("removing %s: %w", m, err)
			}
		}
	}
	return nil
}

// PruneArtifacts deletes prompt and output files older than maxAge.
// Returns how many files were removed.
func (s *Store) PruneArtifacts(maxAge time.Duration) (int, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, fmt.Errorf("listing state dir: %w", err)
	}

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for _, e := range entries {
		name := e.Name()
		isArtifact := (strings.HasPrefix(name, "prompt_") && strings.HasSuffix(name, ".txt")) ||
			(strings.HasPrefix(name, "output_") && strings.HasSuffix(name, ".log"))
		if !isArtifact {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, name)); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("removing %s: %w", name, err)
		}
		removed++
	}
	return removed, nil
}

func (s *Store) writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", filepath.Base(path), err)
	}
	tmp, err := os.CreateTemp(s.dir, "."+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("writing temp state file: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("chmod temp state file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("sync temp state file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("closing temp state file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("renaming state file: %w", err)
	}
	return syncDir(s.dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("open dir for sync: %w", err)
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("sync dir: %w", err)
	}
	return nil
}

// lockFile takes an exclusive advisory lock on path's sibling .lock file,
// spinning with backoff until the deadline. The returned func releases it.
func lockFile(path string) (func(), error) {
	f, err := os.OpenFile(path+".lock", os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening state lock file: %w", err)
	}

	deadline := time.Now().Add(fileLockTimeout)
	backoff := 5 * time.Millisecond
	for {
		err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB)
		if err == nil {
			break
		}
		if !errors.Is(err, syscall.EWOULDBLOCK) {
			_ = f.Close()
			return nil, fmt.Errorf("locking state file: %w", err)
		}
		if time.Now().After(deadline) {
			_ = f.Close()
			return nil, fmt.Errorf("timed out acquiring state lock after %s (another process may be stuck)", fileLockTimeout)
		}
		time.Sleep(backoff)
		backoff = min(backoff*2, 200*time.Millisecond)
	}

	return func() {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		_ = f.Close()
	}, nil
}

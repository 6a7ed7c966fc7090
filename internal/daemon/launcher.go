package daemon

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/config"
	"github.com/venzell/taskrunner/internal/state"
)

// tmuxSession is the session externally hosted workers are placed in.
const tmuxSession = "taskrunner"

// Launch bundles everything the runner needs to track a worker it owns.
type Launch struct {
	Task   state.RunningTask
	Proc   Process
	Output io.Closer
}

// Launcher prepares and starts workers for claimed tasks: it resolves the
// working directory, renders and persists the prompt, opens the output
// log, and spawns either an owned child process or a tmux-hosted session.
type Launcher struct {
	cfg     *config.Config
	store   *state.Store
	starter ProcessStarter
	runner  CommandRunner
	log     *slog.Logger
}

// NewLauncher creates a launcher. starter and runner default to the real
// process and command implementations.
func NewLauncher(cfg *config.Config, store *state.Store, starter ProcessStarter, runner CommandRunner, log *slog.Logger) *Launcher {
	if starter == nil {
		starter = ExecProcessStarter
	}
	if runner == nil {
		runner = ExecCommandRunner
	}
	return &Launcher{
		cfg:     cfg,
		store:   store,
		starter: starter,
		runner:  runner,
		log:     log.With("component", "launcher"),
	}
}

// ResolveWorkdir picks the working directory for a task's worker:
// worktree first, then workdir, then the service-resolved path, then the
// configured default. Worktree and workdir are taken relative to the
// user's home directory unless already absolute. A candidate that does
// not exist as a directory falls through to the next; resolution never
// fails.
func (l *Launcher) ResolveWorkdir(task brain.Task) string {
	home, _ := os.UserHomeDir()
	for _, dir := range []string{underHome(home, task.Worktree), underHome(home, task.Workdir), task.ResolvedWorkdir} {
		if dir != "" && dirExists(dir) {
			return dir
		}
	}
	return l.cfg.WorkDir
}

// underHome joins a relative path onto the home directory. Absolute
// paths, empty paths, and an undetermined home pass through unchanged.
func underHome(home, path string) string {
	if path == "" || home == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(home, path)
}

func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}

// RenderPrompt renders the embedded new-task or resume template with the
// task's identity and original request filled in.
func RenderPrompt(projectID string, task brain.Task, resume bool) (string, error) {
	name := "prompts/new.md"
	if resume {
		name = "prompts/resume.md"
	}
	data, err := promptsFS.ReadFile(name)
	if err != nil {
		return "", fmt.Errorf("reading prompt template %s: %w", name, err)
	}

	request := task.UserOriginalRequest
	if request == "" {
		request = task.Title
	}
	repl := strings.NewReplacer(
		"{{task_id}}", task.ID,
		"{{task_path}}", task.Path,
		"{{task_title}}", task.Title,
		"{{project_id}}", projectID,
		"{{user_request}}", request,
	)
	return repl.Replace(string(data)), nil
}

// Start launches an owned worker process for a claimed task. The rendered
// prompt is persisted before spawning so a later resume or a debugging
// session can see exactly what the worker was told.
func (l *Launcher) Start(ctx context.Context, projectID string, task brain.Task, resume bool) (*Launch, error) {
	workdir := l.ResolveWorkdir(task)
	prompt, err := RenderPrompt(projectID, task, resume)
	if err != nil {
		return nil, err
	}

	promptPath := l.store.PromptPath(projectID, task.ID)
	if err := os.WriteFile(promptPath, []byte(prompt), 0o600); err != nil {
		return nil, fmt.Errorf("persisting prompt: %w", err)
	}

	output, err := openOutputLog(l.store.OutputPath(projectID, task.ID))
	if err != nil {
		return nil, err
	}

	proc, err := l.starter(ctx, l.cfg.SpawnCmd, prompt, workdir, l.workerEnv(projectID, task), output)
	if err != nil {
		_ = output.Close()
		return nil, fmt.Errorf("spawning worker: %w", err)
	}

	rt := state.RunningTask{
		TaskID:    task.ID,
		ProjectID: projectID,
		Path:      task.Path,
		Title:     task.Title,
		Priority:  string(task.Priority),
		PID:       proc.PID(),
		StartedAt: time.Now(),
		IsResume:  resume,
		Workdir:   workdir,
	}
	l.log.Info("worker spawned",
		"task_id", task.ID,
		"project", projectID,
		"pid", rt.PID,
		"workdir", workdir,
		"resume", resume,
	)
	return &Launch{Task: rt, Proc: proc, Output: output}, nil
}

// StartSession launches a worker inside a tmux window. The runner does
// not own the process; the returned task records the window, pane, and
// pane PID so the session can be probed and the window torn down later.
// The worker reads its prompt from the persisted prompt file.
func (l *Launcher) StartSession(ctx context.Context, projectID string, task brain.Task, resume bool) (state.RunningTask, error) {
	workdir := l.ResolveWorkdir(task)
	prompt, err := RenderPrompt(projectID, task, resume)
	if err != nil {
		return state.RunningTask{}, err
	}

	promptPath := l.store.PromptPath(projectID, task.ID)
	if err := os.WriteFile(promptPath, []byte(prompt), 0o600); err != nil {
		return state.RunningTask{}, fmt.Errorf("persisting prompt: %w", err)
	}

	if _, err := l.runner(ctx, "tmux", "has-session", "-t", tmuxSession); err != nil {
		if _, err := l.runner(ctx, "tmux", "new-session", "-d", "-s", tmuxSession); err != nil {
			return state.RunningTask{}, fmt.Errorf("creating tmux session: %w", err)
		}
	}

	windowName := sessionWindowName(projectID, task.ID)
	out, err := l.runner(ctx, "tmux", "new-window",
		"-t", tmuxSession, "-d",
		"-n", windowName,
		"-P", "-F", "#{pane_id} #{pane_pid}",
		"-c", workdir,
	)
	if err != nil {
		return state.RunningTask{}, fmt.Errorf("creating tmux window: %w", err)
	}
	paneID, panePID, err := parsePaneInfo(string(out))
	if err != nil {
		return state.RunningTask{}, err
	}

	cmd := fmt.Sprintf(`%s "$(cat '%s')"`, l.cfg.SpawnCmd, promptPath)
	if _, err := l.runner(ctx, "tmux", "send-keys", "-t", paneID, cmd, "Enter"); err != nil {
		_, _ = l.runner(ctx, "tmux", "kill-window", "-t", tmuxSession+":"+windowName)
		return state.RunningTask{}, fmt.Errorf("starting worker in tmux pane %s: %w", paneID, err)
	}

	rt := state.RunningTask{
		TaskID:     task.ID,
		ProjectID:  projectID,
		Path:       task.Path,
		Title:      task.Title,
		Priority:   string(task.Priority),
		PID:        panePID,
		StartedAt:  time.Now(),
		IsResume:   resume,
		Workdir:    workdir,
		WindowName: windowName,
		PaneID:     paneID,
	}
	l.log.Info("session worker started",
		"task_id", task.ID,
		"project", projectID,
		"window", windowName,
		"pane", paneID,
		"pane_pid", panePID,
	)
	return rt, nil
}

// KillSessionWindow tears down the tmux window hosting a session worker.
func (l *Launcher) KillSessionWindow(ctx context.Context, task state.RunningTask) error {
	if task.WindowName == "" {
		return nil
	}
	if _, err := l.runner(ctx, "tmux", "kill-window", "-t", tmuxSession+":"+task.WindowName); err != nil {
		return fmt.Errorf("killing tmux window %s: %w", task.WindowName, err)
	}
	return nil
}

// Cleanup removes a finished task's persisted prompt and output log.
// Missing files are not errors.
func (l *Launcher) Cleanup(projectID, taskID string) {
	for _, path := range []string{
		l.store.PromptPath(projectID, taskID),
		l.store.OutputPath(projectID, taskID),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			l.log.Warn("failed to remove task artifact", "path", path, "error", err)
		}
	}
}

func (l *Launcher) workerEnv(projectID string, task brain.Task) []string {
	return []string{
		"TASK_ID=" + task.ID,
		"TASK_PATH=" + task.Path,
		"PROJECT_ID=" + projectID,
		"BRAIN_API_URL=" + l.cfg.APIBaseURL,
	}
}

// openOutputLog opens a task's output log for appending. Owner-only
// permissions since worker output may contain sensitive data.
func openOutputLog(path string) (*os.File, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening output log %s: %w", path, err)
	}
	return f, nil
}

// sessionWindowName builds a tmux window name from project and task IDs,
// truncated to stay readable in status bars.
func sessionWindowName(projectID, taskID string) string {
	name := projectID + "-" + taskID
	if len(name) > 50 {
		name = name[:50]
	}
	return name
}

func parsePaneInfo(out string) (paneID string, panePID int, err error) {
	fields := strings.Fields(strings.TrimSpace(out))
	if len(fields) != 2 {
		return "", 0, fmt.Errorf("unexpected tmux new-window output %q", out)
	}
	pid, err := strconv.Atoi(fields[1])
	if err != nil {
		return "", 0, fmt.Errorf("parsing pane pid from %q: %w", out, err)
	}
	return fields[0], pid, nil
}

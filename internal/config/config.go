// Package config assembles runner configuration from environment
// variables, an optional YAML config file, and CLI flags.
//
// Priority order:
//  1. CLI flags (highest)
//  2. Environment variables
//  3. Config file
//  4. Defaults (lowest)
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"gopkg.in/yaml.v3"

	"github.com/venzell/taskrunner/internal/protocol"
)

// Worker hosting modes. Background owns the worker as a child process;
// tui and dashboard hand workers to an external tmux session host.
const (
	ModeBackground = "background"
	ModeTUI        = "tui"
	ModeDashboard  = "dashboard"
)

const (
	DefaultAPIBaseURL       = "http://localhost:3333"
	DefaultPollInterval     = 30 * time.Second
	DefaultTaskPollInterval = 5 * time.Second
	DefaultMaxParallel      = 2
	DefaultMaxTotal         = 10
	DefaultMemoryThreshold  = 10
	DefaultIdleThreshold    = 60 * time.Second
	DefaultAPITimeout       = 5 * time.Second
	DefaultTaskTimeout      = 30 * time.Minute
	DefaultGracefulTimeout  = 30 * time.Second
	DefaultForceKillTimeout = 5 * time.Second
	DefaultSpawnCmd         = "worker run"
	DefaultFailureStatus    = "blocked"
	DefaultMode             = ModeBackground
)

// validProjectName restricts project IDs to safe characters for use in
// state file names and socket paths. Rejects slashes, spaces, and other
// characters that could cause path traversal issues.
var validProjectName = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]*$`)

// Config holds runner configuration.
type Config struct {
	// APIBaseURL is the base URL of the brain task service.
	APIBaseURL string `yaml:"api_base_url"`

	// Projects is the ordered list of projects to poll. Empty means
	// discover all projects from the service (then Include/Exclude apply).
	Projects []string `yaml:"projects"`

	// Include and Exclude are glob patterns applied to the project list.
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`

	// PollInterval is how often the runner looks for ready work.
	PollInterval time.Duration `yaml:"poll_interval"`

	// TaskPollInterval is how often in-flight task state is re-checked
	// (owned-process reaping, session probing).
	TaskPollInterval time.Duration `yaml:"task_poll_interval"`

	// MaxParallel is the global bound on simultaneously active workers
	// across all projects.
	MaxParallel int `yaml:"max_parallel"`

	// MaxTotalProcesses caps every process the runner may hold, including
	// exited-but-unreaped entries. Must be >= MaxParallel.
	MaxTotalProcesses int `yaml:"max_total_processes"`

	// MemoryThreshold is the minimum available system memory (percent)
	// required before new workers are spawned. 0 disables the check.
	// Pointer so an explicit 0 survives the merge stages.
	MemoryThreshold *int `yaml:"memory_threshold"`

	// IdleThreshold is how long an externally-hosted worker session must
	// continuously report idle before its task is marked blocked.
	IdleThreshold time.Duration `yaml:"idle_threshold"`

	// StateDir holds runner snapshots, PID files, prompt payloads, and
	// per-task worker output logs.
	StateDir string `yaml:"state_dir"`

	// LogDir is where the runner writes its own log file when not
	// attached to a terminal.
	LogDir string `yaml:"log_dir"`

	// WorkDir is the fallback working directory for workers whose task
	// names no existing worktree or workdir.
	WorkDir string `yaml:"work_dir"`

	// APITimeout bounds each task-service HTTP request.
	APITimeout time.Duration `yaml:"api_timeout"`

	// TaskTimeout is the per-task wall-clock budget; owned processes
	// running longer are killed and finalized as timed out.
	TaskTimeout time.Duration `yaml:"task_timeout"`

	// GracefulTimeout is how long shutdown waits for in-flight work
	// before force-killing. ForceKillTimeout bounds the wait after that.
	GracefulTimeout  time.Duration `yaml:"graceful_timeout"`
	ForceKillTimeout time.Duration `yaml:"force_kill_timeout"`

	// SpawnCmd is the worker command; the rendered prompt is appended as
	// the final argument.
	SpawnCmd string `yaml:"spawn_cmd"`

	// Mode selects how workers are hosted: background (owned child
	// process), tui, or dashboard (external session host).
	Mode string `yaml:"mode"`

	// FailureStatus is the server-side status written for tasks that end
	// in timeout or crash. The service shares one "blocked" bucket for
	// these by default; point this at another status to separate them.
	FailureStatus string `yaml:"failure_status"`

	// StartPaused pre-populates the pause set with every project at
	// startup (multi-project mode).
	StartPaused bool `yaml:"start_paused"`

	// SocketPath is the control socket location. Defaults to
	// runner.sock inside StateDir.
	SocketPath string `yaml:"socket_path"`

	// Debug enables debug-level logging.
	Debug bool `yaml:"debug"`
}

// ApplyDefaults fills in zero-valued fields.
func (c *Config) ApplyDefaults() {
	if c.APIBaseURL == "" {
		c.APIBaseURL = DefaultAPIBaseURL
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.TaskPollInterval == 0 {
		c.TaskPollInterval = DefaultTaskPollInterval
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = DefaultMaxParallel
	}
	if c.MaxTotalProcesses == 0 {
		c.MaxTotalProcesses = DefaultMaxTotal
	}
	if c.MemoryThreshold == nil {
		v := DefaultMemoryThreshold
		c.MemoryThreshold = &v
	}
	if c.IdleThreshold == 0 {
		c.IdleThreshold = DefaultIdleThreshold
	}
	if c.APITimeout == 0 {
		c.APITimeout = DefaultAPITimeout
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = DefaultTaskTimeout
	}
	if c.GracefulTimeout == 0 {
		c.GracefulTimeout = DefaultGracefulTimeout
	}
	if c.ForceKillTimeout == 0 {
		c.ForceKillTimeout = DefaultForceKillTimeout
	}
	if c.SpawnCmd == "" {
		c.SpawnCmd = DefaultSpawnCmd
	}
	if c.Mode == "" {
		c.Mode = DefaultMode
	}
	if c.FailureStatus == "" {
		c.FailureStatus = DefaultFailureStatus
	}

	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	if c.StateDir == "" {
		c.StateDir = filepath.Join(home, ".taskrunner", "state")
	}
	if c.LogDir == "" {
		c.LogDir = filepath.Join(home, ".taskrunner", "logs")
	}
	if c.WorkDir == "" {
		c.WorkDir = home
	}
	if c.SocketPath == "" {
		c.SocketPath = protocol.SocketPathIn(c.StateDir)
	}
}

// Validate checks configuration values. Call after ApplyDefaults.
// Validation failures are fatal at startup.
func (c *Config) Validate() error {
	if c.APIBaseURL == "" {
		return fmt.Errorf("api base URL must not be empty")
	}
	if !strings.HasPrefix(c.APIBaseURL, "http://") && !strings.HasPrefix(c.APIBaseURL, "https://") {
		return fmt.Errorf("api base URL %q must be http or https", c.APIBaseURL)
	}
	if c.MaxParallel < 1 || c.MaxParallel > 100 {
		return fmt.Errorf("max-parallel must be between 1 and 100, got %d", c.MaxParallel)
	}
	if c.MaxTotalProcesses < 1 || c.MaxTotalProcesses > 100 {
		return fmt.Errorf("max-total-processes must be between 1 and 100, got %d", c.MaxTotalProcesses)
	}
	if c.MaxTotalProcesses < c.MaxParallel {
		return fmt.Errorf("max-total-processes (%d) must be >= max-parallel (%d)", c.MaxTotalProcesses, c.MaxParallel)
	}
	if v := c.MemoryThresholdPct(); v < 0 || v > 100 {
		return fmt.Errorf("memory-threshold must be between 0 and 100, got %d", v)
	}
	if c.PollInterval < time.Second {
		return fmt.Errorf("poll-interval must be at least 1s, got %v", c.PollInterval)
	}
	if c.TaskPollInterval < time.Second {
		return fmt.Errorf("task-poll-interval must be at least 1s, got %v", c.TaskPollInterval)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"api-timeout", c.APITimeout},
		{"task-timeout", c.TaskTimeout},
		{"idle-threshold", c.IdleThreshold},
		{"graceful-timeout", c.GracefulTimeout},
		{"force-kill-timeout", c.ForceKillTimeout},
	} {
		if d.val < 0 {
			return fmt.Errorf("%s must be non-negative, got %v", d.name, d.val)
		}
	}
	for _, p := range c.Projects {
		if !validProjectName.MatchString(p) {
			return fmt.Errorf("project name %q contains invalid characters (allowed: letters, digits, hyphens, underscores, dots)", p)
		}
	}
	for _, pat := range append(append([]string{}, c.Include...), c.Exclude...) {
		if !doublestar.ValidatePattern(pat) {
			return fmt.Errorf("invalid glob pattern %q", pat)
		}
	}
	switch c.Mode {
	case ModeBackground, ModeTUI, ModeDashboard:
	default:
		return fmt.Errorf("mode must be background, tui, or dashboard, got %q", c.Mode)
	}
	switch c.FailureStatus {
	case "pending", "in_progress", "completed", "blocked", "cancelled", "validated":
	default:
		return fmt.Errorf("failure-status %q is not a valid task status", c.FailureStatus)
	}
	if c.SpawnCmd == "" {
		return fmt.Errorf("spawn-cmd must not be empty")
	}

	// Resolve directories to absolute paths so a daemonized runner does
	// not depend on its starting cwd.
	for _, dir := range []*string{&c.StateDir, &c.LogDir, &c.WorkDir} {
		if !filepath.IsAbs(*dir) {
			abs, err := filepath.Abs(*dir)
			if err != nil {
				return fmt.Errorf("resolving %q: %w", *dir, err)
			}
			*dir = abs
		}
	}
	return nil
}

// MemoryThresholdPct returns the configured memory threshold, falling back
// to the default when unset.
func (c *Config) MemoryThresholdPct() int {
	if c.MemoryThreshold == nil {
		return DefaultMemoryThreshold
	}
	return *c.MemoryThreshold
}

// FromEnv returns a Config populated from the environment. Unset variables
// leave fields zero so later merge stages can fill them. Malformed values
// are errors: a typo'd interval should stop the runner, not silently fall
// back to a default.
func FromEnv() (*Config, error) {
	c := &Config{}
	var err error

	c.APIBaseURL = os.Getenv("BRAIN_API_URL")
	c.StateDir = os.Getenv("RUNNER_STATE_DIR")
	c.LogDir = os.Getenv("RUNNER_LOG_DIR")
	c.WorkDir = os.Getenv("RUNNER_WORK_DIR")
	c.FailureStatus = os.Getenv("RUNNER_FAILURE_STATUS")

	if c.PollInterval, err = envSeconds("RUNNER_POLL_INTERVAL"); err != nil {
		return nil, err
	}
	if c.TaskPollInterval, err = envSeconds("RUNNER_TASK_POLL_INTERVAL"); err != nil {
		return nil, err
	}
	if c.MaxParallel, err = envInt("RUNNER_MAX_PARALLEL"); err != nil {
		return nil, err
	}
	if c.MaxTotalProcesses, err = envInt("RUNNER_MAX_TOTAL_PROCESSES"); err != nil {
		return nil, err
	}
	if c.MemoryThreshold, err = envIntPtr("RUNNER_MEMORY_THRESHOLD"); err != nil {
		return nil, err
	}
	if c.IdleThreshold, err = envMillis("RUNNER_IDLE_THRESHOLD"); err != nil {
		return nil, err
	}
	if c.APITimeout, err = envMillis("RUNNER_API_TIMEOUT"); err != nil {
		return nil, err
	}
	if c.TaskTimeout, err = envMillis("RUNNER_TASK_TIMEOUT"); err != nil {
		return nil, err
	}

	if v := os.Getenv("DEBUG"); v != "" && v != "0" && !strings.EqualFold(v, "false") {
		c.Debug = true
	}
	return c, nil
}

func envInt(name string) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s=%q is not an integer", name, v)
	}
	return n, nil
}

func envIntPtr(name string) (*int, error) {
	if os.Getenv(name) == "" {
		return nil, nil
	}
	n, err := envInt(name)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func envSeconds(name string) (time.Duration, error) {
	n, err := envInt(name)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Second, nil
}

func envMillis(name string) (time.Duration, error) {
	n, err := envInt(name)
	if err != nil {
		return 0, err
	}
	return time.Duration(n) * time.Millisecond, nil
}

// LoadFile reads a YAML config file and merges it into the config.
// Only zero-valued fields are overwritten, so flags and env (set on the
// config before merge) take precedence. A missing file is not an error.
func LoadFile(path string, into *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file %s: %w", path, err)
	}

	var file Config
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parsing config file %s: %w", path, err)
	}

	Merge(&file, into)
	return nil
}

// Merge copies non-zero fields from src into dst, but only where dst has
// the zero value. Merging env config into flag config and then file config
// into the result yields the documented precedence.
func Merge(src, dst *Config) {
	if dst.APIBaseURL == "" {
		dst.APIBaseURL = src.APIBaseURL
	}
	if len(dst.Projects) == 0 {
		dst.Projects = src.Projects
	}
	if len(dst.Include) == 0 {
		dst.Include = src.Include
	}
	if len(dst.Exclude) == 0 {
		dst.Exclude = src.Exclude
	}
	if dst.PollInterval == 0 {
		dst.PollInterval = src.PollInterval
	}
	if dst.TaskPollInterval == 0 {
		dst.TaskPollInterval = src.TaskPollInterval
	}
	if dst.MaxParallel == 0 {
		dst.MaxParallel = src.MaxParallel
	}
	if dst.MaxTotalProcesses == 0 {
		dst.MaxTotalProcesses = src.MaxTotalProcesses
	}
	if dst.MemoryThreshold == nil {
		dst.MemoryThreshold = src.MemoryThreshold
	}
	if dst.IdleThreshold == 0 {
		dst.IdleThreshold = src.IdleThreshold
	}
	if dst.StateDir == "" {
		dst.StateDir = src.StateDir
	}
	if dst.LogDir == "" {
		dst.LogDir = src.LogDir
	}
	if dst.WorkDir == "" {
		dst.WorkDir = src.WorkDir
	}
	if dst.APITimeout == 0 {
		dst.APITimeout = src.APITimeout
	}
	if dst.TaskTimeout == 0 {
		dst.TaskTimeout = src.TaskTimeout
	}
	if dst.GracefulTimeout == 0 {
		dst.GracefulTimeout = src.GracefulTimeout
	}
	if dst.ForceKillTimeout == 0 {
		dst.ForceKillTimeout = src.ForceKillTimeout
	}
	if dst.SpawnCmd == "" {
		dst.SpawnCmd = src.SpawnCmd
	}
	if dst.Mode == "" {
		dst.Mode = src.Mode
	}
	if dst.FailureStatus == "" {
		dst.FailureStatus = src.FailureStatus
	}
	if dst.SocketPath == "" {
		dst.SocketPath = src.SocketPath
	}
	// Bools merge one way: a true from a lower-priority source sticks
	// unless a higher-priority source already set it.
	if src.StartPaused && !dst.StartPaused {
		dst.StartPaused = true
	}
	if src.Debug && !dst.Debug {
		dst.Debug = true
	}
}

var (
	cacheMu    sync.Mutex
	cached     *Config
	cachedPath string
)

// Load assembles the effective configuration: environment over the YAML
// file at path (if any), with defaults filled and validation applied.
// The result is cached; Invalidate drops the cache so the next Load
// re-reads everything (the SIGHUP reload path).
func Load(path string) (*Config, error) {
	cacheMu.Lock()
	defer cacheMu.Unlock()

	if cached != nil && cachedPath == path {
		cp := *cached
		return &cp, nil
	}

	c, err := FromEnv()
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := LoadFile(path, c); err != nil {
			return nil, err
		}
	}
	c.ApplyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cached = c
	cachedPath = path
	cp := *c
	return &cp, nil
}

// Invalidate clears the cached configuration.
func Invalidate() {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	cached = nil
	cachedPath = ""
}

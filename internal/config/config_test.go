package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/venzell/taskrunner/internal/protocol"
)

// envVars is every variable FromEnv reads. Tests that assemble full
// configs blank them all so the host environment cannot leak in.
var envVars = []string{
	"BRAIN_API_URL",
	"RUNNER_POLL_INTERVAL",
	"RUNNER_TASK_POLL_INTERVAL",
	"RUNNER_MAX_PARALLEL",
	"RUNNER_MAX_TOTAL_PROCESSES",
	"RUNNER_MEMORY_THRESHOLD",
	"RUNNER_IDLE_THRESHOLD",
	"RUNNER_STATE_DIR",
	"RUNNER_LOG_DIR",
	"RUNNER_WORK_DIR",
	"RUNNER_API_TIMEOUT",
	"RUNNER_TASK_TIMEOUT",
	"RUNNER_FAILURE_STATUS",
	"DEBUG",
}

func clearEnv(t *testing.T) {
	t.Helper()
	for _, v := range envVars {
		t.Setenv(v, "")
	}
}

func intp(n int) *int { return &n }

func TestConfigApplyDefaults(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()

	if cfg.APIBaseURL != DefaultAPIBaseURL {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, DefaultAPIBaseURL)
	}
	if cfg.PollInterval != DefaultPollInterval {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, DefaultPollInterval)
	}
	if cfg.TaskPollInterval != DefaultTaskPollInterval {
		t.Errorf("TaskPollInterval = %v, want %v", cfg.TaskPollInterval, DefaultTaskPollInterval)
	}
	if cfg.MaxParallel != DefaultMaxParallel {
		t.Errorf("MaxParallel = %d, want %d", cfg.MaxParallel, DefaultMaxParallel)
	}
	if cfg.MaxTotalProcesses != DefaultMaxTotal {
		t.Errorf("MaxTotalProcesses = %d, want %d", cfg.MaxTotalProcesses, DefaultMaxTotal)
	}
	if got := cfg.MemoryThresholdPct(); got != DefaultMemoryThreshold {
		t.Errorf("MemoryThresholdPct() = %d, want %d", got, DefaultMemoryThreshold)
	}
	if cfg.IdleThreshold != DefaultIdleThreshold {
		t.Errorf("IdleThreshold = %v, want %v", cfg.IdleThreshold, DefaultIdleThreshold)
	}
	if cfg.APITimeout != DefaultAPITimeout {
		t.Errorf("APITimeout = %v, want %v", cfg.APITimeout, DefaultAPITimeout)
	}
	if cfg.TaskTimeout != DefaultTaskTimeout {
		t.Errorf("TaskTimeout = %v, want %v", cfg.TaskTimeout, DefaultTaskTimeout)
	}
	if cfg.GracefulTimeout != DefaultGracefulTimeout {
		t.Errorf("GracefulTimeout = %v, want %v", cfg.GracefulTimeout, DefaultGracefulTimeout)
	}
	if cfg.ForceKillTimeout != DefaultForceKillTimeout {
		t.Errorf("ForceKillTimeout = %v, want %v", cfg.ForceKillTimeout, DefaultForceKillTimeout)
	}
	if cfg.SpawnCmd != DefaultSpawnCmd {
		t.Errorf("SpawnCmd = %q, want %q", cfg.SpawnCmd, DefaultSpawnCmd)
	}
	if cfg.Mode != DefaultMode {
		t.Errorf("Mode = %q, want %q", cfg.Mode, DefaultMode)
	}
	if cfg.FailureStatus != DefaultFailureStatus {
		t.Errorf("FailureStatus = %q, want %q", cfg.FailureStatus, DefaultFailureStatus)
	}
	if cfg.StateDir == "" {
		t.Error("StateDir should not be empty after ApplyDefaults")
	}
	if want := protocol.SocketPathIn(cfg.StateDir); cfg.SocketPath != want {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, want)
	}
}

func TestConfigApplyDefaultsPreservesExisting(t *testing.T) {
	cfg := Config{
		APIBaseURL:      "http://brain:4444",
		PollInterval:    time.Minute,
		MaxParallel:     7,
		MemoryThreshold: intp(0),
		StateDir:        "/custom/state",
		SocketPath:      "/custom/runner.sock",
		SpawnCmd:        "custom-worker go",
		FailureStatus:   "cancelled",
	}
	cfg.ApplyDefaults()

	if cfg.APIBaseURL != "http://brain:4444" {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, "http://brain:4444")
	}
	if cfg.PollInterval != time.Minute {
		t.Errorf("PollInterval = %v, want %v", cfg.PollInterval, time.Minute)
	}
	if cfg.MaxParallel != 7 {
		t.Errorf("MaxParallel = %d, want %d", cfg.MaxParallel, 7)
	}
	if got := cfg.MemoryThresholdPct(); got != 0 {
		t.Errorf("MemoryThresholdPct() = %d, want 0 (explicit zero must survive defaults)", got)
	}
	if cfg.StateDir != "/custom/state" {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, "/custom/state")
	}
	if cfg.SocketPath != "/custom/runner.sock" {
		t.Errorf("SocketPath = %q, want %q", cfg.SocketPath, "/custom/runner.sock")
	}
	if cfg.SpawnCmd != "custom-worker go" {
		t.Errorf("SpawnCmd = %q, want %q", cfg.SpawnCmd, "custom-worker go")
	}
	if cfg.FailureStatus != "cancelled" {
		t.Errorf("FailureStatus = %q, want %q", cfg.FailureStatus, "cancelled")
	}
}

func TestConfigValidate(t *testing.T) {
	base := func() Config {
		var c Config
		c.ApplyDefaults()
		return c
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "valid defaults",
			mutate:  func(c *Config) {},
			wantErr: "",
		},
		{
			name:    "empty api url",
			mutate:  func(c *Config) { c.APIBaseURL = "" },
			wantErr: "api base URL must not be empty",
		},
		{
			name:    "api url without scheme",
			mutate:  func(c *Config) { c.APIBaseURL = "localhost:3333" },
			wantErr: "must be http or https",
		},
		{
			name:    "max-parallel zero",
			mutate:  func(c *Config) { c.MaxParallel = 0 },
			wantErr: "max-parallel must be between 1 and 100",
		},
		{
			name:    "max-parallel over limit",
			mutate:  func(c *Config) { c.MaxParallel = 101; c.MaxTotalProcesses = 100 },
			wantErr: "max-parallel must be between 1 and 100",
		},
		{
			name:    "max-total-processes over limit",
			mutate:  func(c *Config) { c.MaxTotalProcesses = 250 },
			wantErr: "max-total-processes must be between 1 and 100",
		},
		{
			name:    "total below parallel",
			mutate:  func(c *Config) { c.MaxParallel = 5; c.MaxTotalProcesses = 3 },
			wantErr: "must be >= max-parallel",
		},
		{
			name:    "memory threshold negative",
			mutate:  func(c *Config) { c.MemoryThreshold = intp(-1) },
			wantErr: "memory-threshold must be between 0 and 100",
		},
		{
			name:    "memory threshold over 100",
			mutate:  func(c *Config) { c.MemoryThreshold = intp(101) },
			wantErr: "memory-threshold must be between 0 and 100",
		},
		{
			name:    "poll interval below a second",
			mutate:  func(c *Config) { c.PollInterval = 500 * time.Millisecond },
			wantErr: "poll-interval must be at least 1s",
		},
		{
			name:    "task poll interval below a second",
			mutate:  func(c *Config) { c.TaskPollInterval = 200 * time.Millisecond },
			wantErr: "task-poll-interval must be at least 1s",
		},
		{
			name:    "negative api timeout",
			mutate:  func(c *Config) { c.APITimeout = -time.Second },
			wantErr: "api-timeout must be non-negative",
		},
		{
			name:    "negative task timeout",
			mutate:  func(c *Config) { c.TaskTimeout = -time.Minute },
			wantErr: "task-timeout must be non-negative",
		},
		{
			name:    "project name with slash",
			mutate:  func(c *Config) { c.Projects = []string{"ok-project", "../escape"} },
			wantErr: "contains invalid characters",
		},
		{
			name:    "project name with space",
			mutate:  func(c *Config) { c.Projects = []string{"my project"} },
			wantErr: "contains invalid characters",
		},
		{
			name:    "bad include glob",
			mutate:  func(c *Config) { c.Include = []string{"web-["} },
			wantErr: "invalid glob pattern",
		},
		{
			name:    "bad exclude glob",
			mutate:  func(c *Config) { c.Exclude = []string{"["} },
			wantErr: "invalid glob pattern",
		},
		{
			name:    "unknown mode",
			mutate:  func(c *Config) { c.Mode = "interactive" },
			wantErr: "mode must be background, tui, or dashboard",
		},
		{
			name:    "unknown failure status",
			mutate:  func(c *Config) { c.FailureStatus = "exploded" },
			wantErr: "not a valid task status",
		},
		{
			name:    "empty spawn cmd",
			mutate:  func(c *Config) { c.SpawnCmd = "" },
			wantErr: "spawn-cmd must not be empty",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatal("expected error, got nil")
			}
			if got := err.Error(); !strings.Contains(got, tt.wantErr) {
				t.Errorf("error = %q, want to contain %q", got, tt.wantErr)
			}
		})
	}
}

func TestConfigValidateResolvesRelativeDirs(t *testing.T) {
	var cfg Config
	cfg.ApplyDefaults()
	cfg.StateDir = "relative/state"
	cfg.LogDir = "relative/logs"
	cfg.WorkDir = "relative/work"

	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	for name, dir := range map[string]string{
		"StateDir": cfg.StateDir,
		"LogDir":   cfg.LogDir,
		"WorkDir":  cfg.WorkDir,
	} {
		if !filepath.IsAbs(dir) {
			t.Errorf("%s = %q, want absolute path", name, dir)
		}
	}
}

func TestFromEnv(t *testing.T) {
	clearEnv(t)
	t.Setenv("BRAIN_API_URL", "http://brain:9999")
	t.Setenv("RUNNER_POLL_INTERVAL", "60")
	t.Setenv("RUNNER_TASK_POLL_INTERVAL", "10")
	t.Setenv("RUNNER_MAX_PARALLEL", "4")
	t.Setenv("RUNNER_MAX_TOTAL_PROCESSES", "20")
	t.Setenv("RUNNER_MEMORY_THRESHOLD", "0")
	t.Setenv("RUNNER_IDLE_THRESHOLD", "120000")
	t.Setenv("RUNNER_STATE_DIR", "/tmp/runner-state")
	t.Setenv("RUNNER_LOG_DIR", "/tmp/runner-logs")
	t.Setenv("RUNNER_WORK_DIR", "/tmp/runner-work")
	t.Setenv("RUNNER_API_TIMEOUT", "2500")
	t.Setenv("RUNNER_TASK_TIMEOUT", "60000")
	t.Setenv("RUNNER_FAILURE_STATUS", "cancelled")
	t.Setenv("DEBUG", "1")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIBaseURL != "http://brain:9999" {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, "http://brain:9999")
	}
	if cfg.PollInterval != 60*time.Second {
		t.Errorf("PollInterval = %v, want 60s (value is in seconds)", cfg.PollInterval)
	}
	if cfg.TaskPollInterval != 10*time.Second {
		t.Errorf("TaskPollInterval = %v, want 10s", cfg.TaskPollInterval)
	}
	if cfg.MaxParallel != 4 {
		t.Errorf("MaxParallel = %d, want 4", cfg.MaxParallel)
	}
	if cfg.MaxTotalProcesses != 20 {
		t.Errorf("MaxTotalProcesses = %d, want 20", cfg.MaxTotalProcesses)
	}
	if cfg.MemoryThreshold == nil || *cfg.MemoryThreshold != 0 {
		t.Errorf("MemoryThreshold = %v, want explicit 0", cfg.MemoryThreshold)
	}
	if cfg.IdleThreshold != 2*time.Minute {
		t.Errorf("IdleThreshold = %v, want 2m (value is in milliseconds)", cfg.IdleThreshold)
	}
	if cfg.StateDir != "/tmp/runner-state" {
		t.Errorf("StateDir = %q, want %q", cfg.StateDir, "/tmp/runner-state")
	}
	if cfg.APITimeout != 2500*time.Millisecond {
		t.Errorf("APITimeout = %v, want 2.5s", cfg.APITimeout)
	}
	if cfg.TaskTimeout != time.Minute {
		t.Errorf("TaskTimeout = %v, want 1m", cfg.TaskTimeout)
	}
	if cfg.FailureStatus != "cancelled" {
		t.Errorf("FailureStatus = %q, want %q", cfg.FailureStatus, "cancelled")
	}
	if !cfg.Debug {
		t.Error("Debug should be true for DEBUG=1")
	}
}

func TestFromEnvDebugValues(t *testing.T) {
	tests := []struct {
		val  string
		want bool
	}{
		{"", false},
		{"0", false},
		{"false", false},
		{"FALSE", false},
		{"1", true},
		{"true", true},
		{"yes", true},
	}
	for _, tt := range tests {
		t.Run("DEBUG="+tt.val, func(t *testing.T) {
			clearEnv(t)
			t.Setenv("DEBUG", tt.val)
			cfg, err := FromEnv()
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.Debug != tt.want {
				t.Errorf("Debug = %v, want %v", cfg.Debug, tt.want)
			}
		})
	}
}

func TestFromEnvMalformed(t *testing.T) {
	clearEnv(t)
	t.Setenv("RUNNER_MAX_PARALLEL", "lots")

	if _, err := FromEnv(); err == nil {
		t.Fatal("expected error for non-integer RUNNER_MAX_PARALLEL, got nil")
	} else if !strings.Contains(err.Error(), "not an integer") {
		t.Errorf("error = %q, want to contain %q", err.Error(), "not an integer")
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".taskrunner.yaml")

	yaml := `api_base_url: http://brain:8080
projects: [web-app, api-server]
include: ["web-*"]
poll_interval: 45s
max_parallel: 3
memory_threshold: 25
spawn_cmd: worker run --fast
mode: dashboard
start_paused: true
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.APIBaseURL != "http://brain:8080" {
		t.Errorf("APIBaseURL = %q, want %q", cfg.APIBaseURL, "http://brain:8080")
	}
	if len(cfg.Projects) != 2 || cfg.Projects[0] != "web-app" || cfg.Projects[1] != "api-server" {
		t.Errorf("Projects = %v, want [web-app api-server]", cfg.Projects)
	}
	if len(cfg.Include) != 1 || cfg.Include[0] != "web-*" {
		t.Errorf("Include = %v, want [web-*]", cfg.Include)
	}
	if cfg.PollInterval != 45*time.Second {
		t.Errorf("PollInterval = %v, want 45s", cfg.PollInterval)
	}
	if cfg.MaxParallel != 3 {
		t.Errorf("MaxParallel = %d, want 3", cfg.MaxParallel)
	}
	if cfg.MemoryThreshold == nil || *cfg.MemoryThreshold != 25 {
		t.Errorf("MemoryThreshold = %v, want 25", cfg.MemoryThreshold)
	}
	if cfg.SpawnCmd != "worker run --fast" {
		t.Errorf("SpawnCmd = %q, want %q", cfg.SpawnCmd, "worker run --fast")
	}
	if cfg.Mode != "dashboard" {
		t.Errorf("Mode = %q, want %q", cfg.Mode, "dashboard")
	}
	if !cfg.StartPaused {
		t.Error("StartPaused should be true")
	}
}

func TestLoadFileFlagOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".taskrunner.yaml")

	yaml := `max_parallel: 10
spawn_cmd: file-cmd
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	// Simulate CLI flags by pre-setting some values.
	cfg := Config{MaxParallel: 7}

	if err := LoadFile(path, &cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.MaxParallel != 7 {
		t.Errorf("MaxParallel = %d, want 7 (flag should override file)", cfg.MaxParallel)
	}
	if cfg.SpawnCmd != "file-cmd" {
		t.Errorf("SpawnCmd = %q, want %q (should come from file)", cfg.SpawnCmd, "file-cmd")
	}
}

func TestLoadFileMissing(t *testing.T) {
	var cfg Config
	if err := LoadFile("/nonexistent/.taskrunner.yaml", &cfg); err != nil {
		t.Fatalf("missing file should not error, got: %v", err)
	}
}

func TestLoadFileInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".taskrunner.yaml")

	if err := os.WriteFile(path, []byte("{{invalid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	var cfg Config
	if err := LoadFile(path, &cfg); err == nil {
		t.Fatal("expected error for invalid YAML, got nil")
	}
}

func TestMergePrecedence(t *testing.T) {
	flags := Config{MaxParallel: 5}
	env := Config{MaxParallel: 3, PollInterval: 10 * time.Second}
	file := Config{MaxParallel: 1, PollInterval: time.Second, SpawnCmd: "file-cmd"}

	Merge(&env, &flags)
	Merge(&file, &flags)

	if flags.MaxParallel != 5 {
		t.Errorf("MaxParallel = %d, want 5 (flag wins)", flags.MaxParallel)
	}
	if flags.PollInterval != 10*time.Second {
		t.Errorf("PollInterval = %v, want 10s (env beats file)", flags.PollInterval)
	}
	if flags.SpawnCmd != "file-cmd" {
		t.Errorf("SpawnCmd = %q, want %q (file fills the gap)", flags.SpawnCmd, "file-cmd")
	}
}

func TestMergeExplicitZeroThreshold(t *testing.T) {
	dst := Config{MemoryThreshold: intp(0)}
	src := Config{MemoryThreshold: intp(50)}

	Merge(&src, &dst)

	if dst.MemoryThreshold == nil || *dst.MemoryThreshold != 0 {
		t.Errorf("MemoryThreshold = %v, want explicit 0 to survive merge", dst.MemoryThreshold)
	}
}

func TestLoadCachesUntilInvalidate(t *testing.T) {
	clearEnv(t)
	Invalidate()
	t.Cleanup(Invalidate)

	t.Setenv("RUNNER_MAX_PARALLEL", "7")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxParallel != 7 {
		t.Fatalf("MaxParallel = %d, want 7", cfg.MaxParallel)
	}

	// The cache serves the next Load even though the environment changed.
	t.Setenv("RUNNER_MAX_PARALLEL", "9")
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxParallel != 7 {
		t.Errorf("MaxParallel = %d, want 7 (cached)", cfg.MaxParallel)
	}

	Invalidate()
	cfg, err = Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.MaxParallel != 9 {
		t.Errorf("MaxParallel = %d, want 9 after Invalidate", cfg.MaxParallel)
	}
}

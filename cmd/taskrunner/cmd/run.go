package cmd

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/venzell/taskrunner/internal/config"
	"github.com/venzell/taskrunner/internal/daemon"
	"github.com/venzell/taskrunner/internal/term"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the runner in the foreground",
	Long: `Start the runner. It polls the task service for ready work, claims
tasks, and spawns workers until stopped.

Configuration comes from environment variables, an optional YAML file
(--config), and these flags; flags win. With no --projects the runner
discovers projects from the service and applies --include/--exclude.

The runner keeps running in the foreground; use a process manager or a
terminal multiplexer to keep it alive. SIGINT or SIGTERM (or "taskrunner
stop") begins a graceful shutdown: in-flight workers get the configured
grace period before being force-killed.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := config.Load(cfgPath)
		if err != nil {
			Fatal("%v", err)
		}
		applyRunFlags(cmd, cfg)
		if err := cfg.Validate(); err != nil {
			Fatal("%v", err)
		}

		log, closeLog := newRunnerLogger(cfg)

		runner, err := daemon.NewRunner(cfg, daemon.Deps{}, log)
		if err != nil {
			Fatal("%v", err)
		}
		sup := daemon.NewSupervisor(runner, cfg, log)
		control := daemon.NewControlServer(runner, sup, cfg.SocketPath, log)
		if err := control.Listen(); err != nil {
			Fatal("%v", err)
		}

		ctx := context.Background()
		go control.Serve(ctx)

		runErr := make(chan error, 1)
		go func() { runErr <- runner.Start(ctx) }()

		code := sup.Run(runErr)
		control.Close()
		closeLog()
		os.Exit(code)
	},
}

// applyRunFlags overrides the merged config with explicitly set flags.
func applyRunFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("projects") {
		cfg.Projects, _ = cmd.Flags().GetStringSlice("projects")
	}
	if cmd.Flags().Changed("include") {
		cfg.Include, _ = cmd.Flags().GetStringSlice("include")
	}
	if cmd.Flags().Changed("exclude") {
		cfg.Exclude, _ = cmd.Flags().GetStringSlice("exclude")
	}
	if cmd.Flags().Changed("paused") {
		cfg.StartPaused, _ = cmd.Flags().GetBool("paused")
	}
	if cmd.Flags().Changed("mode") {
		cfg.Mode, _ = cmd.Flags().GetString("mode")
	}
}

// newRunnerLogger builds the runner's logger: text to stderr, debug level
// when configured, teed into a file under LogDir when stderr is not a
// terminal (the daemonized case).
func newRunnerLogger(cfg *config.Config) (*slog.Logger, func()) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	var w io.Writer = os.Stderr
	closeLog := func() {}
	if !term.IsTerminal(os.Stderr) {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err == nil {
			path := filepath.Join(cfg.LogDir, "runner.log")
			if f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600); err == nil {
				w = io.MultiWriter(os.Stderr, f)
				closeLog = func() { _ = f.Close() }
			}
		}
	}

	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})), closeLog
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSlice("projects", nil, "Projects to poll (skips discovery)")
	runCmd.Flags().StringSlice("include", nil, "Glob patterns to keep when discovering projects")
	runCmd.Flags().StringSlice("exclude", nil, "Glob patterns to drop when discovering projects")
	runCmd.Flags().Bool("paused", false, "Start with every project paused (multi-project runs)")
	runCmd.Flags().String("mode", "", "Worker hosting mode: background, tui, or dashboard")
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/daemon"
	"github.com/venzell/taskrunner/internal/state"
	"github.com/venzell/taskrunner/internal/term"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check the runner's environment",
	Long: `Run environment checks before starting the runner: task-service
reachability, worker command on PATH, state directory writable, and
stale snapshots left behind by dead runners.

Exits non-zero when any check fails.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		failed := false

		report := func(name string, err error, detail string) {
			if err != nil {
				failed = true
				fmt.Printf("%s %s: %v\n", term.Red("✗"), name, err)
				return
			}
			if detail != "" {
				detail = " " + term.Dim(detail)
			}
			fmt.Printf("%s %s%s\n", term.Green("✓"), name, detail)
		}

		// Task service reachable and healthy.
		quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		health := brain.New(cfg.APIBaseURL, cfg.APITimeout, quiet).Health(context.Background())
		var healthErr error
		if !health.OK() {
			healthErr = fmt.Errorf("service at %s reports %s (tasks_ok=%v index_ok=%v)",
				cfg.APIBaseURL, health.Status, health.TasksOK, health.IndexOK)
		}
		report("task service", healthErr, fmt.Sprintf("(%s)", cfg.APIBaseURL))

		// Worker command resolvable.
		workerBin := strings.Fields(cfg.SpawnCmd)[0]
		binPath, lookErr := exec.LookPath(workerBin)
		report("worker command", lookErr, fmt.Sprintf("(%s)", binPath))

		// State dir exists and is writable.
		report("state dir writable", checkWritable(cfg.StateDir), fmt.Sprintf("(%s)", cfg.StateDir))

		// Stale snapshots from dead runners.
		if st, err := state.Open(cfg.StateDir, quiet); err != nil {
			report("stale snapshots", err, "")
		} else if stale, err := st.Stale(daemon.PidAlive); err != nil {
			report("stale snapshots", err, "")
		} else if len(stale) > 0 {
			fmt.Printf("%s stale snapshots: %s %s\n",
				term.Yellow("!"),
				strings.Join(stale, ", "),
				term.Dim("(run: taskrunner clean)"),
			)
		} else {
			report("stale snapshots", nil, "(none)")
		}

		if failed {
			os.Exit(1)
		}
	},
}

// checkWritable verifies dir exists (creating it if needed) and accepts
// a write.
func checkWritable(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	probe := filepath.Join(dir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o600); err != nil {
		return err
	}
	return os.Remove(probe)
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/venzell/taskrunner/internal/daemon"
	"github.com/venzell/taskrunner/internal/state"
)

var cleanCmd = &cobra.Command{
	Use:   "clean",
	Short: "Remove stale runner state",
	Long: `Remove PID files and running snapshots left behind by runners that
died without shutting down, plus prompt and output artifacts older than
--max-age. Never touches state owned by a live runner.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)
		maxAge, _ := cmd.Flags().GetDuration("max-age")

		quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		st, err := state.Open(cfg.StateDir, quiet)
		if err != nil {
			Fatal("%v", err)
		}

		cleaned, err := st.CleanStale(daemon.PidAlive)
		if err != nil {
			Fatal("%v", err)
		}
		pruned, err := st.PruneArtifacts(maxAge)
		if err != nil {
			Fatal("%v", err)
		}

		if len(cleaned) == 0 && pruned == 0 {
			fmt.Println("nothing to clean")
			return
		}
		if len(cleaned) > 0 {
			fmt.Printf("cleaned stale state: %s\n", strings.Join(cleaned, ", "))
		}
		if pruned > 0 {
			fmt.Printf("pruned %d old artifacts\n", pruned)
		}
	},
}

func init() {
	rootCmd.AddCommand(cleanCmd)

	cleanCmd.Flags().Duration("max-age", 7*24*time.Hour, "Prune prompt/output files older than this")
}

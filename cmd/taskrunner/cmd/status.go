package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/venzell/taskrunner/internal/protocol"
	"github.com/venzell/taskrunner/internal/term"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show runner status",
	Long: `Show the state of a running runner: projects, pause set, in-flight
tasks, and per-project completion counters.

Requires a running runner (taskrunner run).`,
	Run: func(cmd *cobra.Command, args []string) {
		asJSON, _ := cmd.Flags().GetBool("json")

		status, err := dialRunner(cmd).Status()
		if err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			fmt.Fprintf(os.Stderr, "\nIs the runner running? Start it with: taskrunner run\n")
			os.Exit(1)
		}

		if asJSON {
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			_ = enc.Encode(status)
			return
		}

		printStatus(status)
	},
}

// Column widths for the running-task table. PadRight pads visible content
// before wrapping in color so ANSI codes don't throw off alignment.
const (
	colProject = 16
	colTask    = 12
	colPID     = 7
	colUptime  = 7
)

func printStatus(s *protocol.StatusResult) {
	header := term.Greenf("%d/%d running", len(s.Running), s.MaxParallel)
	if len(s.Running) == 0 {
		header = term.Dimf("0/%d running", s.MaxParallel)
	}
	fmt.Printf("%s %s", term.Bold("Runner:"), header)
	if s.ShuttingDown {
		fmt.Printf("  %s", term.Yellowf("[shutting down]"))
	}
	fmt.Printf("  %s\n", term.Dimf("(%s, up %s)", s.RunnerID, formatUptime(s.StartedAt)))

	paused := make(map[string]bool, len(s.Paused))
	for _, p := range s.Paused {
		paused[p] = true
	}

	fmt.Printf("%s ", term.Bold("Projects:"))
	parts := make([]string, 0, len(s.Projects))
	for _, p := range s.Projects {
		if paused[p] {
			parts = append(parts, term.Yellowf("%s (paused)", p))
		} else {
			parts = append(parts, term.Blue(p))
		}
	}
	fmt.Println(strings.Join(parts, ", "))

	fmt.Println()
	if len(s.Running) > 0 {
		for _, t := range s.Running {
			kind := term.Dim("session")
			if t.Owned {
				kind = term.Dim("owned")
			}
			extra := ""
			if t.Resume {
				extra = " " + term.Yellow("resumed")
			}
			if !t.IdleSince.IsZero() {
				extra += " " + term.Yellowf("idle %s", formatUptime(t.IdleSince))
			}
			fmt.Printf("  %s %s %s %s %s%s %s\n",
				term.PadRight(t.Project, colProject, term.Blue),
				term.PadRight(t.TaskID, colTask, term.Cyan),
				term.PadLeft(fmt.Sprintf("%d", t.PID), colPID, term.Dim),
				term.PadLeft(formatUptime(t.StartedAt), colUptime, term.Green),
				kind, extra,
				term.Dim(quote(truncate(t.Title, 40))),
			)
		}
	} else {
		fmt.Printf("  %s\n", term.Dim("no tasks in flight"))
	}

	if len(s.Stats) > 0 {
		fmt.Println()
		fmt.Println(term.Bold("Completed this run:"))
		projects := make([]string, 0, len(s.Stats))
		for p := range s.Stats {
			projects = append(projects, p)
		}
		sort.Strings(projects)
		for _, p := range projects {
			st := s.Stats[p]
			if st.Completed == 0 && st.Failed == 0 {
				continue
			}
			line := fmt.Sprintf("  %s %s",
				term.PadRight(p, colProject, term.Blue),
				term.Greenf("%d done", st.Completed),
			)
			if st.Failed > 0 {
				line += " " + term.Redf("%d failed", st.Failed)
			}
			if st.TotalRuntimeMS > 0 {
				line += " " + term.Dimf("(%s total)", (time.Duration(st.TotalRuntimeMS)*time.Millisecond).Round(time.Second))
			}
			fmt.Println(line)
		}
	}
}

// formatUptime returns a human-readable duration since t.
func formatUptime(t time.Time) string {
	if t.IsZero() {
		return "?"
	}
	d := time.Since(t)

	switch {
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m == 0 {
			return fmt.Sprintf("%dh", h)
		}
		return fmt.Sprintf("%dh%dm", h, m)
	default:
		days := int(d.Hours()) / 24
		h := int(d.Hours()) % 24
		return fmt.Sprintf("%dd%dh", days, h)
	}
}

// truncate shortens s to max runes, appending an ellipsis if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}

// quote wraps a non-empty string in double quotes for display.
func quote(s string) string {
	if s == "" {
		return ""
	}
	return `"` + s + `"`
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().Bool("json", false, "Output raw JSON")
}

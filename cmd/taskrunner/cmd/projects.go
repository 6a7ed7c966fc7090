package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/venzell/taskrunner/internal/brain"
	"github.com/venzell/taskrunner/internal/filter"
	"github.com/venzell/taskrunner/internal/term"
)

var projectsCmd = &cobra.Command{
	Use:   "projects",
	Short: "List projects the runner would poll",
	Long: `List projects from the task service with the configured
include/exclude patterns applied: a preview of what "taskrunner run"
would poll. Talks to the task service directly, not to a running runner.`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg := loadConfig(cmd)

		if len(cfg.Projects) > 0 {
			for _, p := range cfg.Projects {
				fmt.Println(p)
			}
			fmt.Fprintln(os.Stderr, term.Dim("(explicit project list; discovery and filters skipped)"))
			return
		}

		quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		c := brain.New(cfg.APIBaseURL, cfg.APITimeout, quiet)
		all, err := c.ListProjects(context.Background())
		if err != nil {
			Fatal("%v", err)
		}

		f, err := filter.New(cfg.Include, cfg.Exclude)
		if err != nil {
			Fatal("%v", err)
		}
		kept := f.Apply(all)
		for _, p := range kept {
			fmt.Println(p)
		}
		if dropped := len(all) - len(kept); dropped > 0 {
			fmt.Fprintln(os.Stderr, term.Dimf("(%d filtered out)", dropped))
		}
	},
}

func init() {
	rootCmd.AddCommand(projectsCmd)
}

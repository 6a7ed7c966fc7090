package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var pauseCmd = &cobra.Command{
	Use:   "pause [project]",
	Short: "Pause dispatch for a project",
	Long: `Stop claiming new tasks for a project. In-flight tasks run to
completion; only new dispatch stops.

The pause is persisted on the project's root task, so a restarted runner
comes back paused. Use --all to pause every configured project.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		c := dialRunner(cmd)

		if all {
			if len(args) != 0 {
				Fatal("--all takes no project argument")
			}
			if err := c.PauseAll(); err != nil {
				Fatal("%v", err)
			}
			fmt.Println("all projects paused")
			return
		}

		if len(args) != 1 {
			Fatal("project name required (or --all)")
		}
		if err := c.Pause(args[0]); err != nil {
			Fatal("%v", err)
		}
		fmt.Printf("%s paused\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(pauseCmd)

	pauseCmd.Flags().Bool("all", false, "Pause every configured project")
}

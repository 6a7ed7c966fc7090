package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var resumeCmd = &cobra.Command{
	Use:   "resume [project]",
	Short: "Resume dispatch for a project",
	Long: `Re-enable claiming for a paused project and clear its persisted
pause sentinel. Use --all to resume every configured project.`,
	Args: cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		all, _ := cmd.Flags().GetBool("all")
		c := dialRunner(cmd)

		if all {
			if len(args) != 0 {
				Fatal("--all takes no project argument")
			}
			if err := c.ResumeAll(); err != nil {
				Fatal("%v", err)
			}
			fmt.Println("all projects resumed")
			return
		}

		if len(args) != 1 {
			Fatal("project name required (or --all)")
		}
		if err := c.Resume(args[0]); err != nil {
			Fatal("%v", err)
		}
		fmt.Printf("%s resumed\n", args[0])
	},
}

func init() {
	rootCmd.AddCommand(resumeCmd)

	resumeCmd.Flags().Bool("all", false, "Resume every configured project")
}

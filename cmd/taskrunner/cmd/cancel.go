package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var cancelCmd = &cobra.Command{
	Use:   "cancel <project> <task-id>",
	Short: "Cancel an in-flight task",
	Long: `Kill the worker for an in-flight task and mark the task cancelled on
the server. The task does not count as completed or failed.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		if err := dialRunner(cmd).Cancel(args[0], args[1]); err != nil {
			Fatal("%v", err)
		}
		fmt.Printf("%s/%s cancelled\n", args[0], args[1])
	},
}

func init() {
	rootCmd.AddCommand(cancelCmd)
}

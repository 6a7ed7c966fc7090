package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the runner gracefully",
	Long: `Ask the running runner to shut down. In-flight workers get the
configured grace period to finish; stragglers are force-killed. State is
persisted so a later run resumes interrupted work.`,
	Run: func(cmd *cobra.Command, args []string) {
		if err := dialRunner(cmd).Shutdown(); err != nil {
			Fatal("%v", err)
		}
		fmt.Println("shutdown requested")
	},
}

func init() {
	rootCmd.AddCommand(stopCmd)
}

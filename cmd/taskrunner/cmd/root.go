package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/venzell/taskrunner/internal/client"
	"github.com/venzell/taskrunner/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "taskrunner",
	Short: "Distributed task runner for brain projects",
	Long: `taskrunner polls the brain task service for ready work, claims tasks,
and spawns worker processes to execute them. A single runner serves many
projects under one shared parallelism budget.

Start the runner with "taskrunner run". The other commands talk to a
running runner over its control socket.`,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion wires the build version into the root command.
func SetVersion(v string) {
	rootCmd.Version = v
}

func init() {
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (YAML; env vars take precedence)")
}

// Fatal prints an error and exits.
func Fatal(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+msg+"\n", args...)
	os.Exit(1)
}

// loadConfig assembles the effective configuration, honoring the
// persistent --config flag. Exits on invalid configuration.
func loadConfig(cmd *cobra.Command) *config.Config {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		Fatal("%v", err)
	}
	return cfg
}

// dialRunner returns a control-socket client for the configured runner.
func dialRunner(cmd *cobra.Command) *client.Client {
	return client.New(loadConfig(cmd).SocketPath)
}

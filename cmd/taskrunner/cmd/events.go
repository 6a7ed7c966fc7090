package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/venzell/taskrunner/internal/client"
	"github.com/venzell/taskrunner/internal/events"
	"github.com/venzell/taskrunner/internal/term"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Show recent runner events",
	Long: `Dump the runner's recent-event buffer: task starts and completions,
poll summaries, pause changes, shutdown.

With --since, only events newer than the given unix-millisecond stamp are
shown. With --project, only that project's events. With --follow, keeps
polling for new events until interrupted.`,
	Run: func(cmd *cobra.Command, args []string) {
		since, _ := cmd.Flags().GetInt64("since")
		project, _ := cmd.Flags().GetString("project")
		asJSON, _ := cmd.Flags().GetBool("json")
		follow, _ := cmd.Flags().GetBool("follow")

		c := dialRunner(cmd)

		evs, err := c.EventsSince(since, project)
		if err != nil {
			Fatal("%v", err)
		}
		printEvents(evs, asJSON)

		if !follow {
			return
		}
		if asJSON {
			Fatal("--follow and --json cannot be combined")
		}
		followEvents(c, project, lastStamp(evs, since))
	},
}

// followEvents polls for new events every two seconds until interrupted.
func followEvents(c *client.Client, project string, since int64) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-sigCh:
			fmt.Println()
			return
		case <-ticker.C:
			evs, err := c.EventsSince(since, project)
			if err != nil {
				Fatal("%v", err)
			}
			printEvents(evs, false)
			since = lastStamp(evs, since)
		}
	}
}

func lastStamp(evs []events.Event, fallback int64) int64 {
	if len(evs) == 0 {
		return fallback
	}
	return evs[len(evs)-1].Timestamp
}

func printEvents(evs []events.Event, asJSON bool) {
	if asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		_ = enc.Encode(evs)
		return
	}
	for _, ev := range evs {
		stamp := time.UnixMilli(ev.Timestamp).Format("15:04:05")
		fmt.Printf("%s %s %s\n",
			term.Dim(stamp),
			term.PadRight(string(ev.Type), 16, term.Magenta),
			eventDetail(ev),
		)
	}
}

// eventDetail renders the per-type payload of an event.
func eventDetail(ev events.Event) string {
	subject := ev.Project
	if ev.TaskID != "" {
		subject = ev.Project + "/" + ev.TaskID
	}

	switch ev.Type {
	case events.TypeTaskStarted:
		return fmt.Sprintf("%s %s", term.Cyan(subject), term.Dim(quote(truncate(ev.Title, 50))))
	case events.TypeTaskCompleted:
		return fmt.Sprintf("%s %s", term.Cyan(subject), term.Greenf("in %s", time.Duration(ev.RuntimeMS)*time.Millisecond))
	case events.TypeTaskFailed:
		return fmt.Sprintf("%s %s", term.Cyan(subject), term.Red(ev.Error))
	case events.TypeTaskCancelled:
		return term.Cyan(subject)
	case events.TypePollComplete:
		return term.Dimf("ready=%d spawned=%d running=%d", ev.Ready, ev.Spawned, ev.Running)
	case events.TypeShutdown:
		return term.Yellow(ev.Reason)
	default:
		if subject == "" {
			return ""
		}
		return term.Blue(subject)
	}
}

func init() {
	rootCmd.AddCommand(eventsCmd)

	eventsCmd.Flags().Int64("since", 0, "Only events newer than this unix-ms timestamp")
	eventsCmd.Flags().String("project", "", "Only events for this project")
	eventsCmd.Flags().Bool("json", false, "Output raw JSON")
	eventsCmd.Flags().BoolP("follow", "f", false, "Keep polling for new events")
}

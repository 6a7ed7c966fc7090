package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/venzell/taskrunner/internal/state"
)

var logsCmd = &cobra.Command{
	Use:   "logs <project> <task-id>",
	Short: "Tail a task's worker output",
	Long: `Print the output log of a task's worker. Works for running tasks and
for tasks a dead runner left behind; a cleanly finished task's log is
removed along with its prompt.

By default shows the last 20 lines. Use -n to change the count and -f to
follow new output as it is written. Reads the log file directly; no
running runner required.`,
	Args: cobra.ExactArgs(2),
	Run: func(cmd *cobra.Command, args []string) {
		follow, _ := cmd.Flags().GetBool("follow")
		lines, _ := cmd.Flags().GetInt("lines")

		cfg := loadConfig(cmd)
		quiet := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
		st, err := state.Open(cfg.StateDir, quiet)
		if err != nil {
			Fatal("%v", err)
		}

		if err := tailFile(st.OutputPath(args[0], args[1]), lines, follow); err != nil {
			Fatal("%v", err)
		}
	},
}

const defaultTailLines = 20

// tailLines returns the last n lines read from r, or every line when
// n <= 0.
func tailLines(r io.Reader, n int) ([]string, error) {
	var lines []string
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading log: %w", err)
	}
	if n > 0 && n < len(lines) {
		lines = lines[len(lines)-n:]
	}
	return lines, nil
}

// tailFile prints the last n lines of a file, optionally following new
// output.
func tailFile(path string, n int, follow bool) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no output log at %s (task never ran here, or finished and was cleaned up)", path)
		}
		return err
	}
	defer f.Close()

	// Worker logs are bounded by task length; reading everything to
	// find the tail is fine.
	lines, err := tailLines(f, n)
	if err != nil {
		return err
	}
	for _, line := range lines {
		fmt.Println(line)
	}

	if !follow {
		return nil
	}
	return followFile(f)
}

const followPollInterval = 200 * time.Millisecond

// followFile polls for new lines until interrupted. The file is already
// positioned past the initial tail.
func followFile(f *os.File) error {
	fmt.Fprintf(os.Stderr, "following %s (ctrl-c to stop)\n", f.Name())

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	reader := bufio.NewReader(f)
	ticker := time.NewTicker(followPollInterval)
	defer ticker.Stop()

	for {
		// Drain whatever is available before waiting.
		for {
			line, err := reader.ReadString('\n')
			if len(line) > 0 {
				fmt.Print(line)
				if line[len(line)-1] != '\n' {
					fmt.Println()
				}
			}
			if err != nil {
				if err != io.EOF {
					return fmt.Errorf("reading log during follow: %w", err)
				}
				break
			}
		}

		select {
		case <-sigCh:
			fmt.Println()
			return nil
		case <-ticker.C:
		}
	}
}

func init() {
	rootCmd.AddCommand(logsCmd)

	logsCmd.Flags().BoolP("follow", "f", false, "Follow new output as it's written")
	logsCmd.Flags().IntP("lines", "n", defaultTailLines, "Number of initial lines to show")
}

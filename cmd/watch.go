package main

import (
	"fmt"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospector/internal/poller"
)

var (
	watchServer   string
	watchKey      string
	watchInterval time.Duration
)

var watchCmd = &cobra.Command{
	Use:   "watch <job-id>",
	Short: "Stream a job's results from the API as they land",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if watchKey == "" {
			return eris.New("--key is required")
		}

		p := poller.New(watchServer, watchKey, poller.WithInterval(watchInterval))

		var failed bool
		for ev := range p.Watch(cmd.Context(), args[0]) {
			fmt.Fprintln(os.Stdout, formatEvent(ev))
			if ev.Type == poller.EventFailed || ev.Type == poller.EventConnectionLost ||
				ev.Type == poller.EventExpired || ev.Type == poller.EventAuthExpired {
				failed = true
			}
		}

		if failed {
			return eris.New("job did not complete")
		}
		return nil
	},
}

func formatEvent(ev poller.Event) string {
	switch ev.Type {
	case poller.EventItem:
		return fmt.Sprintf("item %d: %s", ev.Position, ev.Payload)
	case poller.EventProgress:
		return fmt.Sprintf("progress: %d/%d", ev.Completed, ev.Total)
	case poller.EventCompleted:
		return fmt.Sprintf("completed: %d/%d items", ev.Completed, ev.Total)
	case poller.EventFailed:
		return fmt.Sprintf("failed: %s", ev.Message)
	case poller.EventConnectionLost:
		return fmt.Sprintf("connection lost: %s", ev.Message)
	case poller.EventExpired:
		return "job not found; it may have expired"
	case poller.EventAuthExpired:
		return "authentication rejected; check the API key"
	default:
		return string(ev.Type)
	}
}

func init() {
	watchCmd.Flags().StringVar(&watchServer, "server", "http://localhost:8080", "API server base URL")
	watchCmd.Flags().StringVar(&watchKey, "key", "", "account API key")
	watchCmd.Flags().DurationVar(&watchInterval, "interval", 2*time.Second, "poll interval")
	rootCmd.AddCommand(watchCmd)
}

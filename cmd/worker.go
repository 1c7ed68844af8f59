package main

import (
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/enrich"
	"github.com/sells-group/prospector/internal/workflow"
	"github.com/sells-group/prospector/pkg/anthropic"
	"github.com/sells-group/prospector/pkg/reviews"
)

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Start the enrichment pipeline worker",
	Long:  "Polls the Temporal task queue and executes enrichment workflows and activities.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := cfg.Validate("worker"); err != nil {
			return err
		}

		st, led, err := initLedgerStore(cmd.Context())
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		rc := reviews.NewClient(cfg.Reviews.Key,
			reviews.WithBaseURL(cfg.Reviews.BaseURL),
			reviews.WithRateLimit(cfg.Reviews.RateLimit))

		enricher := enrich.NewClaude(anthropic.NewClient(cfg.Anthropic.Key),
			enrich.WithModel(cfg.Anthropic.Model))

		tc, err := client.Dial(client.Options{
			HostPort:  cfg.Temporal.HostPort,
			Namespace: cfg.Temporal.Namespace,
		})
		if err != nil {
			return eris.Wrap(err, "dial temporal")
		}
		defer tc.Close()

		w := workflow.NewWorker(tc, workflow.NewActivities(st, led, rc, enricher))

		zap.L().Info("worker starting",
			zap.String("task_queue", workflow.TaskQueue),
			zap.String("temporal", cfg.Temporal.HostPort),
		)
		if err := w.Run(sdkworker.InterruptCh()); err != nil {
			return eris.Wrap(err, "run worker")
		}

		return nil
	},
}

func init() {
	rootCmd.AddCommand(workerCmd)
}

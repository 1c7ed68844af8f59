package main

import (
	"fmt"
	"os"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/prospector/internal/export"
)

var (
	exportAccount string
	exportOut     string
)

var exportCmd = &cobra.Command{
	Use:   "export <job-id>",
	Short: "Write a job's results to an xlsx file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		if exportAccount == "" {
			return eris.New("--account is required")
		}

		st, _, err := initLedgerStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		jobID := args[0]

		// Filename needs the job's metadata, so resolve the default path
		// after loading the job when no --out was given.
		path := exportOut
		if path == "" {
			job, err := st.GetJob(ctx, jobID, exportAccount)
			if err != nil {
				return eris.Wrap(err, "load job")
			}
			path = export.Filename(job)
		}

		job, n, err := export.WriteJob(ctx, st, jobID, exportAccount, path)
		if err != nil {
			return eris.Wrap(err, "export job")
		}

		fmt.Fprintf(os.Stdout, "Wrote %d of %d results to %s (job %s, status %s).\n",
			n, job.TotalCount, path, job.ID, job.Status)
		return nil
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportAccount, "account", "", "account ID that owns the job")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "output path (default derived from the job)")
	rootCmd.AddCommand(exportCmd)
}

package workflow

import (
	"context"
	"fmt"

	"github.com/rotisserie/eris"
	"go.temporal.io/sdk/client"
	"go.uber.org/zap"
)

// Starter launches enrichment workflows. The api package depends on this
// interface so handler tests can stub the Temporal client away.
type Starter interface {
	StartEnrichment(ctx context.Context, input EnrichmentInput) (runID string, err error)
}

type temporalStarter struct {
	tc        client.Client
	taskQueue string
}

// NewStarter wraps a Temporal client as a Starter.
func NewStarter(tc client.Client) Starter {
	return &temporalStarter{tc: tc, taskQueue: TaskQueue}
}

// StartEnrichment starts one workflow per job. The workflow ID is derived
// from the job ID, so a duplicate start for the same job is rejected by
// the server instead of running the pipeline twice.
func (s *temporalStarter) StartEnrichment(ctx context.Context, input EnrichmentInput) (string, error) {
	run, err := s.tc.ExecuteWorkflow(ctx, client.StartWorkflowOptions{
		ID:        WorkflowID(input.JobID),
		TaskQueue: s.taskQueue,
	}, EnrichmentWorkflow, input)
	if err != nil {
		return "", eris.Wrap(err, fmt.Sprintf("workflow: start enrichment for job %s", input.JobID))
	}

	zap.L().Info("enrichment workflow started",
		zap.String("job_id", input.JobID),
		zap.String("workflow_id", run.GetID()),
		zap.String("run_id", run.GetRunID()),
	)
	return run.GetRunID(), nil
}

// WorkflowID derives the deterministic workflow ID for a job.
func WorkflowID(jobID string) string {
	return "enrich-" + jobID
}

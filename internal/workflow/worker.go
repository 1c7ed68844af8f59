package workflow

import (
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// NewWorker builds a Temporal worker on the pipeline task queue with the
// workflow and all activities registered.
func NewWorker(tc client.Client, a *Activities) worker.Worker {
	w := worker.New(tc, TaskQueue, worker.Options{})
	w.RegisterWorkflow(EnrichmentWorkflow)
	w.RegisterActivity(a)
	return w
}

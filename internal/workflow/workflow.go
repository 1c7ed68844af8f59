// Package workflow implements the durable enrichment pipeline on Temporal.
// Each step runs as an activity so a worker crash resumes from the last
// completed step instead of restarting the job, and a failed job unwinds
// through a compensation activity that refunds unprocessed credits.
package workflow

import (
	"fmt"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/pkg/reviews"
)

// TaskQueue is the Temporal task queue shared by starters and workers.
const TaskQueue = "prospector-enrichment"

// Activity timeout constants.
const (
	statusActivityTimeout = 30 * time.Second
	submitActivityTimeout = 2 * time.Minute
	pollActivityTimeout   = 1 * time.Minute
	enrichActivityTimeout = 5 * time.Minute
)

// PipelineOptions tune the pipeline. Zero values take defaults; they ride
// inside the workflow input so replays see the same values.
type PipelineOptions struct {
	// WarmupSeconds is the pause between submitting lookups and the first
	// poll. The provider rarely has anything before this.
	WarmupSeconds int `json:"warmup_seconds,omitempty" yaml:"warmup_seconds" mapstructure:"warmup_seconds"`
	// PollIntervalSeconds is the pause between polling passes.
	PollIntervalSeconds int `json:"poll_interval_seconds,omitempty" yaml:"poll_interval_seconds" mapstructure:"poll_interval_seconds"`
	// PollMaxAttempts caps polling passes before still-pending lookups
	// degrade to defaulted review data.
	PollMaxAttempts int `json:"poll_max_attempts,omitempty" yaml:"poll_max_attempts" mapstructure:"poll_max_attempts"`
	// BatchSize is how many businesses are analyzed per checkpointed
	// enrichment step.
	BatchSize int `json:"batch_size,omitempty" yaml:"batch_size" mapstructure:"batch_size"`
}

func (o PipelineOptions) withDefaults() PipelineOptions {
	if o.WarmupSeconds <= 0 {
		o.WarmupSeconds = 5
	}
	if o.PollIntervalSeconds <= 0 {
		o.PollIntervalSeconds = 3
	}
	if o.PollMaxAttempts <= 0 {
		o.PollMaxAttempts = 8
	}
	if o.BatchSize <= 0 {
		o.BatchSize = 10
	}
	return o
}

// EnrichmentInput starts one enrichment job.
type EnrichmentInput struct {
	JobID      string
	AccountID  string
	Businesses []model.Business
	Category   string
	Location   string
	Options    PipelineOptions
}

// EnrichmentResult is the final tally of a completed job.
type EnrichmentResult struct {
	JobID        string
	Processed    int
	ItemFailures int
	Defaulted    int
}

// EnrichmentWorkflow drives one job through the pipeline:
//
//  1. Mark the job processing
//  2. Submit every review lookup in one provider call
//  3. Poll until all lookups resolve or the budget runs out; leftovers
//     degrade to defaulted review data
//  4. Per batch: analyze, persist results, advance progress
//  5. Mark the job completed
//
// Any step failure routes through CompensateFailure, which refunds the
// credits for unprocessed items and marks the job failed.
func EnrichmentWorkflow(ctx workflow.Context, input EnrichmentInput) (*EnrichmentResult, error) {
	logger := workflow.GetLogger(ctx)
	opts := input.Options.withDefaults()

	var a *Activities

	statusCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: statusActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    500 * time.Millisecond,
			BackoffCoefficient: 2.0,
			MaximumInterval:    10 * time.Second,
			MaximumAttempts:    5,
		},
	})

	submitCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: submitActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	pollCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: pollActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    1 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    3,
		},
	})

	enrichCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: enrichActivityTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    2 * time.Second,
			BackoffCoefficient: 2.0,
			MaximumInterval:    1 * time.Minute,
			MaximumAttempts:    3,
		},
	})

	// handleFailure compensates on a disconnected context so the refund
	// still runs when the workflow context is already dead.
	handleFailure := func(originalErr error) (*EnrichmentResult, error) {
		logger.Error("pipeline failed, compensating", "error", originalErr)

		dctx, _ := workflow.NewDisconnectedContext(ctx)
		compCtx := workflow.WithActivityOptions(dctx, workflow.ActivityOptions{
			StartToCloseTimeout: statusActivityTimeout,
			RetryPolicy: &temporal.RetryPolicy{
				InitialInterval:    500 * time.Millisecond,
				BackoffCoefficient: 2.0,
				MaximumInterval:    10 * time.Second,
				MaximumAttempts:    5,
			},
		})
		compErr := workflow.ExecuteActivity(compCtx, a.CompensateFailure, CompensateInput{
			JobID:     input.JobID,
			AccountID: input.AccountID,
			Reason:    originalErr.Error(),
		}).Get(compCtx, nil)
		if compErr != nil {
			logger.Error("compensation failed, credits not refunded",
				"job_id", input.JobID, "error", compErr)
		}

		return nil, originalErr
	}

	if err := workflow.ExecuteActivity(statusCtx, a.MarkJobProcessing, MarkJobInput{
		JobID: input.JobID,
	}).Get(ctx, nil); err != nil {
		return handleFailure(fmt.Errorf("mark processing: %w", err))
	}

	result := &EnrichmentResult{JobID: input.JobID}

	// One provider submission covers the whole job. A submission failure
	// lands here before any enrichment has run, so compensation refunds
	// everything.
	var hs []reviews.Handle
	err := workflow.ExecuteActivity(submitCtx, a.SubmitReviewBatch, SubmitBatchInput{
		Businesses: input.Businesses,
		Location:   input.Location,
	}).Get(ctx, &hs)
	if err != nil {
		return handleFailure(fmt.Errorf("submit lookups: %w", err))
	}

	if err := workflow.Sleep(ctx, time.Duration(opts.WarmupSeconds)*time.Second); err != nil {
		return handleFailure(fmt.Errorf("warmup sleep: %w", err))
	}

	// Poll until every handle resolves or the budget runs out.
	ready := make(map[int]model.ReviewData, len(hs))
	pending := hs
	for attempt := 0; attempt < opts.PollMaxAttempts && len(pending) > 0; attempt++ {
		if attempt > 0 {
			if err := workflow.Sleep(ctx, time.Duration(opts.PollIntervalSeconds)*time.Second); err != nil {
				return handleFailure(fmt.Errorf("poll sleep: %w", err))
			}
		}

		var out PollBatchOutput
		err := workflow.ExecuteActivity(pollCtx, a.PollReviewBatch, PollBatchInput{
			Handles: pending,
		}).Get(ctx, &out)
		if err != nil {
			return handleFailure(fmt.Errorf("poll lookups: %w", err))
		}
		for pos, data := range out.Ready {
			ready[pos] = data
		}
		pending = out.Pending
	}
	if n := len(pending); n > 0 {
		logger.Warn("poll budget exhausted, defaulting remaining lookups",
			"job_id", input.JobID, "defaulted", n)
		for _, h := range pending {
			ready[h.Position] = model.ReviewData{Defaulted: true}
		}
	}

	// Enrich in fixed-size batches. Each batch is one checkpointed
	// activity, so a worker restart resumes at the first unfinished batch
	// and the idempotent result upsert absorbs a replayed one.
	batchSize := opts.BatchSize
	for start := 0; start < len(input.Businesses); start += batchSize {
		end := min(start+batchSize, len(input.Businesses))
		batch := input.Businesses[start:end]

		items := make([]EnrichItem, len(batch))
		for i, biz := range batch {
			pos := start + i
			review, ok := ready[pos]
			if !ok {
				review = model.ReviewData{Defaulted: true}
			}
			if review.Defaulted {
				result.Defaulted++
			}
			items[i] = EnrichItem{Position: pos, Business: biz, Review: review}
		}

		var enriched EnrichBatchOutput
		err := workflow.ExecuteActivity(enrichCtx, a.EnrichBatch, EnrichBatchInput{
			JobID: input.JobID,
			Items: items,
		}).Get(ctx, &enriched)
		if err != nil {
			return handleFailure(fmt.Errorf("enrich batch at %d: %w", start, err))
		}
		result.Processed += enriched.Processed
		result.ItemFailures += enriched.Failed
	}

	if err := workflow.ExecuteActivity(statusCtx, a.MarkJobCompleted, MarkJobInput{
		JobID: input.JobID,
	}).Get(ctx, nil); err != nil {
		return handleFailure(fmt.Errorf("mark completed: %w", err))
	}

	logger.Info("enrichment job completed",
		"job_id", input.JobID,
		"processed", result.Processed,
		"item_failures", result.ItemFailures,
		"defaulted", result.Defaulted,
	)
	return result, nil
}

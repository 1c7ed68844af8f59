package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/prospector/internal/enrich"
	"github.com/sells-group/prospector/internal/ledger"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
	"github.com/sells-group/prospector/pkg/reviews"
)

const enrichConcurrency = 5

// Activities holds the dependencies for all pipeline activity methods.
type Activities struct {
	store    store.Store
	ledger   *ledger.Service
	reviews  reviews.Client
	enricher enrich.Enricher
}

// NewActivities wires the pipeline activities.
func NewActivities(st store.Store, led *ledger.Service, rc reviews.Client, en enrich.Enricher) *Activities {
	return &Activities{
		store:    st,
		ledger:   led,
		reviews:  rc,
		enricher: en,
	}
}

// MarkJobInput identifies the job for status transitions.
type MarkJobInput struct {
	JobID string
}

// MarkJobProcessing transitions the job out of pending.
func (a *Activities) MarkJobProcessing(ctx context.Context, in MarkJobInput) error {
	return a.store.SetJobStatus(ctx, in.JobID, model.JobStatusProcessing, "")
}

// MarkJobCompleted transitions the job to its terminal success state.
func (a *Activities) MarkJobCompleted(ctx context.Context, in MarkJobInput) error {
	return a.store.SetJobStatus(ctx, in.JobID, model.JobStatusCompleted, "")
}

// SubmitBatchInput carries every business in the job, in position order.
type SubmitBatchInput struct {
	Businesses []model.Business
	Location   string
}

// SubmitReviewBatch submits all lookups in one provider call and returns
// one handle per business, each tagged with its job position.
func (a *Activities) SubmitReviewBatch(ctx context.Context, in SubmitBatchInput) ([]reviews.Handle, error) {
	queries := make([]reviews.Query, len(in.Businesses))
	for i, biz := range in.Businesses {
		location := in.Location
		if biz.City != "" {
			location = biz.FullAddress()
		}
		queries[i] = reviews.Query{
			Name:     biz.Name,
			Location: location,
			Position: i,
		}
	}
	return a.reviews.Submit(ctx, queries)
}

// PollBatchInput carries the handles still awaiting results.
type PollBatchInput struct {
	Handles []reviews.Handle
}

// PollBatchOutput splits one polling pass into results that arrived and
// handles that need another pass.
type PollBatchOutput struct {
	Ready   map[int]model.ReviewData
	Pending []reviews.Handle
}

// PollReviewBatch polls each handle once. Handles the provider has not
// finished come back in Pending; lookups the provider itself failed come
// back as defaulted data rather than blocking the batch.
func (a *Activities) PollReviewBatch(ctx context.Context, in PollBatchInput) (*PollBatchOutput, error) {
	out := &PollBatchOutput{Ready: make(map[int]model.ReviewData)}

	for _, h := range in.Handles {
		result, err := a.reviews.Poll(ctx, h)
		if errors.Is(err, reviews.ErrNotReady) {
			out.Pending = append(out.Pending, h)
			continue
		}
		if err != nil {
			if isLookupFailure(err) {
				zap.L().Warn("review lookup failed, defaulting",
					zap.String("handle", h.ID),
					zap.Int("position", h.Position),
					zap.Error(err))
				out.Ready[h.Position] = model.ReviewData{Defaulted: true}
				continue
			}
			return nil, eris.Wrap(err, fmt.Sprintf("workflow: poll handle %s", h.ID))
		}
		out.Ready[h.Position] = model.ReviewData{
			Rating:      result.Rating,
			ReviewCount: result.ReviewCount,
			Source:      result.Source,
			Snippets:    result.Snippets,
		}
	}

	return out, nil
}

// isLookupFailure reports whether the provider rejected this specific
// lookup for good, as opposed to a transport error worth retrying. Gone
// handles and provider-side lookup failures qualify; 429s and 5xx do not.
func isLookupFailure(err error) bool {
	var apiErr *reviews.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound || apiErr.StatusCode == http.StatusGone
	}
	return strings.Contains(err.Error(), "lookup") && strings.Contains(err.Error(), "failed")
}

// EnrichItem is one business with its review signal, ready for analysis.
type EnrichItem struct {
	Position int
	Business model.Business
	Review   model.ReviewData
}

// EnrichBatchInput carries one batch of items through analysis and persistence.
type EnrichBatchInput struct {
	JobID string
	Items []EnrichItem
}

// EnrichBatchOutput reports how the batch fared. Failed counts items that
// got sentinel fields; they still count as processed.
type EnrichBatchOutput struct {
	Processed int
	Failed    int
}

// EnrichBatch analyzes each item, persists one result row per position,
// and advances job progress by the batch size. Per-item analysis errors
// degrade that item to sentinel fields; only persistence errors fail the
// batch.
func (a *Activities) EnrichBatch(ctx context.Context, in EnrichBatchInput) (*EnrichBatchOutput, error) {
	out := &EnrichBatchOutput{}
	fields := make([]*model.EnrichmentFields, len(in.Items))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(enrichConcurrency)
	for i, item := range in.Items {
		g.Go(func() error {
			f, err := a.enricher.Enrich(gctx, item.Business, item.Review)
			if err != nil {
				zap.L().Warn("item analysis failed, recording sentinel",
					zap.String("job_id", in.JobID),
					zap.Int("position", item.Position),
					zap.Error(err))
				f = enrich.FailedFields(err)
			}
			fields[i] = f
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "workflow: enrich batch")
	}

	for i, item := range in.Items {
		if fields[i].Failed {
			out.Failed++
		}
		payload, err := json.Marshal(model.Enrichment{
			Business: item.Business,
			Review:   item.Review,
			Fields:   *fields[i],
		})
		if err != nil {
			return nil, eris.Wrap(err, "workflow: marshal result payload")
		}
		if err := a.store.SaveJobResult(ctx, in.JobID, item.Position, payload); err != nil {
			return nil, eris.Wrap(err, fmt.Sprintf("workflow: save result %d", item.Position))
		}
		out.Processed++
	}

	if err := a.store.IncrementJobProgress(ctx, in.JobID, len(in.Items)); err != nil {
		return nil, eris.Wrap(err, "workflow: advance progress")
	}

	return out, nil
}

// CompensateInput carries what the failure handler needs to unwind a job.
type CompensateInput struct {
	JobID     string
	AccountID string
	Reason    string
}

// CompensateFailure refunds credits for unprocessed items and marks the
// job failed. A job that already reached a terminal state is left alone,
// which keeps a retried compensation from refunding twice.
func (a *Activities) CompensateFailure(ctx context.Context, in CompensateInput) error {
	job, err := a.store.GetJob(ctx, in.JobID, in.AccountID)
	if err != nil {
		return eris.Wrap(err, "workflow: load job for compensation")
	}
	if job.Status.Terminal() {
		zap.L().Info("job already terminal, skipping compensation",
			zap.String("job_id", in.JobID),
			zap.String("status", string(job.Status)))
		return nil
	}

	// The refund lands before the status write. A retry after a failed
	// status write must find the earlier refund on the ledger instead of
	// issuing it again.
	refunded := 0
	if unprocessed := job.TotalCount - job.CompletedCount; unprocessed > 0 {
		already, err := a.refundExists(ctx, in.AccountID, in.JobID)
		if err != nil {
			return eris.Wrap(err, "workflow: check refund history")
		}
		if already {
			zap.L().Info("refund already on ledger, skipping",
				zap.String("job_id", in.JobID))
		} else {
			desc := fmt.Sprintf("refund for job %s: %d of %d items unprocessed",
				in.JobID, unprocessed, job.TotalCount)
			if _, err := a.ledger.Refund(ctx, in.AccountID, unprocessed, desc); err != nil {
				return eris.Wrap(err, "workflow: refund unprocessed credits")
			}
		}
		refunded = unprocessed
	}

	msg := fmt.Sprintf("%d/%d items processed before failure: %s",
		job.CompletedCount, job.TotalCount, in.Reason)
	if refunded > 0 {
		msg = fmt.Sprintf("%d/%d items processed before failure; %d credits refunded: %s",
			job.CompletedCount, job.TotalCount, refunded, in.Reason)
	}
	if err := a.store.SetJobStatus(ctx, in.JobID, model.JobStatusFailed, msg); err != nil {
		if errors.Is(err, store.ErrJobFinal) {
			return nil
		}
		return eris.Wrap(err, "workflow: mark job failed")
	}
	return nil
}

const refundLookback = 100

// refundExists reports whether a refund for the job is already recorded.
// Refund descriptions embed the job ID, so a scan of the account's recent
// transactions is enough to deduplicate a retried compensation.
func (a *Activities) refundExists(ctx context.Context, accountID, jobID string) (bool, error) {
	txs, err := a.store.ListLedgerTransactions(ctx, accountID, refundLookback)
	if err != nil {
		return false, err
	}
	marker := "refund for job " + jobID
	for _, tx := range txs {
		if tx.Kind == model.TransactionRefund && strings.Contains(tx.Description, marker) {
			return true, nil
		}
	}
	return false, nil
}

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/ledger"
	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/store"
	"github.com/sells-group/prospector/internal/workflow"
)

type createJobRequest struct {
	Businesses []model.Business         `json:"businesses"`
	Category   string                   `json:"category,omitempty"`
	Location   string                   `json:"location,omitempty"`
	Options    workflow.PipelineOptions `json:"options"`
}

type createJobResponse struct {
	JobID            string `json:"job_id"`
	Status           string `json:"status"`
	TotalCount       int    `json:"total_count"`
	CreditsDeducted  int    `json:"credits_deducted"`
	CreditsRemaining int    `json:"credits_remaining"`
}

type insufficientCreditsResponse struct {
	Error            string `json:"error"`
	CreditsRequired  int    `json:"credits_required"`
	CreditsRemaining int    `json:"credits_remaining"`
}

type jobResponse struct {
	ID              string          `json:"id"`
	Status          model.JobStatus `json:"status"`
	TotalCount      int             `json:"total_count"`
	CompletedCount  int             `json:"completed_count"`
	CreditsReserved int             `json:"credits_reserved"`
	Category        string          `json:"category,omitempty"`
	Location        string          `json:"location,omitempty"`
	Error           string          `json:"error,omitempty"`
	Results         []resultItem    `json:"results"`
}

type resultItem struct {
	Position int             `json:"position"`
	Payload  json.RawMessage `json:"payload"`
}

// handleCreateJob reserves credits, records the job, and starts the
// pipeline. One credit per business; the whole reservation happens before
// the job exists so a job is never created unfunded.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}
	if len(req.Businesses) == 0 {
		writeError(w, http.StatusBadRequest, "businesses must not be empty")
		return
	}
	if len(req.Businesses) > s.maxJobItems {
		writeError(w, http.StatusBadRequest,
			fmt.Sprintf("job exceeds %d item limit", s.maxJobItems))
		return
	}
	for i, biz := range req.Businesses {
		if biz.Name == "" {
			writeError(w, http.StatusBadRequest,
				fmt.Sprintf("business at index %d has no name", i))
			return
		}
	}

	required := len(req.Businesses)
	remaining, err := s.ledger.Deduct(r.Context(), acct.ID, required,
		fmt.Sprintf("reserve %d credits for enrichment job", required))
	if err != nil {
		if errors.Is(err, ledger.ErrInsufficientCredits) {
			_, balance, checkErr := s.ledger.Check(r.Context(), acct.ID, required)
			if checkErr != nil {
				balance = 0
			}
			writeJSON(w, http.StatusPaymentRequired, insufficientCreditsResponse{
				Error:            "insufficient credits",
				CreditsRequired:  required,
				CreditsRemaining: balance,
			})
			return
		}
		if errors.Is(err, ledger.ErrConcurrentModification) {
			writeError(w, http.StatusConflict, "account busy, retry")
			return
		}
		zap.L().Error("credit deduction failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	job, err := s.store.CreateJob(r.Context(), acct.ID, required, required, model.JobMetadata{
		Category: req.Category,
		Location: req.Location,
	})
	if err != nil {
		s.refundAfterFailure(r, acct.ID, required, "job creation failed")
		zap.L().Error("job creation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "job creation failed; credits refunded")
		return
	}

	_, err = s.starter.StartEnrichment(r.Context(), workflow.EnrichmentInput{
		JobID:      job.ID,
		AccountID:  acct.ID,
		Businesses: req.Businesses,
		Category:   req.Category,
		Location:   req.Location,
		Options:    req.Options,
	})
	if err != nil {
		s.refundAfterFailure(r, acct.ID, required, fmt.Sprintf("workflow start for job %s failed", job.ID))
		if stErr := s.store.SetJobStatus(r.Context(), job.ID, model.JobStatusFailed,
			"pipeline failed to start; credits refunded"); stErr != nil {
			zap.L().Error("failed to mark unstarted job", zap.String("job_id", job.ID), zap.Error(stErr))
		}
		zap.L().Error("workflow start failed", zap.String("job_id", job.ID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "pipeline failed to start; credits refunded")
		return
	}

	writeJSON(w, http.StatusAccepted, createJobResponse{
		JobID:            job.ID,
		Status:           string(job.Status),
		TotalCount:       job.TotalCount,
		CreditsDeducted:  required,
		CreditsRemaining: remaining,
	})
}

func (s *Server) refundAfterFailure(r *http.Request, accountID string, amount int, reason string) {
	if _, err := s.ledger.Refund(r.Context(), accountID, amount, reason); err != nil {
		zap.L().Error("refund after failed submission did not land",
			zap.String("account_id", accountID),
			zap.Int("amount", amount),
			zap.Error(err))
	}
}

// handleGetJob returns job status plus the results after the caller's
// cursor. Jobs belonging to other accounts read as not found.
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	jobID := chi.URLParam(r, "jobID")
	if _, err := uuid.Parse(jobID); err != nil {
		writeError(w, http.StatusBadRequest, "malformed job id")
		return
	}

	after := -1
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "after must be an integer")
			return
		}
		after = n
	}

	job, results, err := s.store.GetJobResultsAfter(r.Context(), jobID, acct.ID, after)
	if err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		zap.L().Error("job read failed", zap.String("job_id", jobID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	resp := jobResponse{
		ID:              job.ID,
		Status:          job.Status,
		TotalCount:      job.TotalCount,
		CompletedCount:  job.CompletedCount,
		CreditsReserved: job.CreditsReserved,
		Category:        job.Category,
		Location:        job.Location,
		Error:           job.ErrorMessage,
		Results:         make([]resultItem, len(results)),
	}
	for i, res := range results {
		resp.Results[i] = resultItem{Position: res.Position, Payload: res.Payload}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListJobs lists the account's jobs, newest first.
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	acct := accountFrom(r.Context())

	filter := store.JobFilter{Limit: 50}
	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = model.JobStatus(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	jobs, err := s.store.ListJobs(r.Context(), acct.ID, filter)
	if err != nil {
		zap.L().Error("job list failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
}

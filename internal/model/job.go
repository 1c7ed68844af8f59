package model

import (
	"encoding/json"
	"time"
)

// JobStatus tracks the lifecycle of a batch enrichment job. Status only
// moves forward; completed and failed are terminal.
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether the status admits no further transitions.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one batch enrichment request and its lifecycle record. Jobs are
// created by the API handler, advanced only by the workflow, and retained
// after completion for audit and export.
type Job struct {
	ID              string     `json:"id"`
	AccountID       string     `json:"account_id"`
	Status          JobStatus  `json:"status"`
	TotalCount      int        `json:"total_count"`
	CompletedCount  int        `json:"completed_count"`
	CreditsReserved int        `json:"credits_reserved"`
	Category        string     `json:"category,omitempty"`
	Location        string     `json:"location,omitempty"`
	ErrorMessage    string     `json:"error,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
}

// JobResult is one enriched item, keyed by its stable 0-based position
// within the job. Written once per position via idempotent upsert; the
// payload is opaque to the pipeline core.
type JobResult struct {
	JobID     string          `json:"job_id"`
	Position  int             `json:"position"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// JobMetadata carries the free-text request fields stored on the job row.
type JobMetadata struct {
	Category string `json:"category,omitempty"`
	Location string `json:"location,omitempty"`
}

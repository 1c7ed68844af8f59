// Package store persists accounts, ledger transactions, jobs, and job
// results behind a driver-agnostic interface with Postgres and SQLite
// implementations.
package store

import (
	"context"

	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/model"
)

// Sentinel errors surfaced to callers. A job owned by a different account
// is reported as not found, never as forbidden, so the API cannot leak
// job existence across accounts.
var (
	ErrAccountNotFound = eris.New("account not found")
	ErrJobNotFound     = eris.New("job not found")
	ErrJobFinal        = eris.New("job already in a terminal state")
)

// JobFilter specifies criteria for listing an account's jobs.
type JobFilter struct {
	Status model.JobStatus `json:"status,omitempty"`
	Limit  int             `json:"limit,omitempty"`
	Offset int             `json:"offset,omitempty"`
}

// Store defines the persistence interface for the credit ledger and the
// enrichment job pipeline.
type Store interface {
	// Accounts and ledger transactions. Balances are only ever written
	// through UpdateAccountBalances, whose conditional write is the
	// optimistic-concurrency primitive the ledger service retries on.
	CreateAccount(ctx context.Context, apiKey string, allowance, purchased int) (*model.Account, error)
	GetAccount(ctx context.Context, accountID string) (*model.Account, error)
	GetAccountByAPIKey(ctx context.Context, apiKey string) (*model.Account, error)
	GetAccountBalances(ctx context.Context, accountID string) (allowance, purchased int, err error)
	// UpdateAccountBalances writes new balances only if the row still holds
	// the previously read values. Returns false when a concurrent writer won.
	UpdateAccountBalances(ctx context.Context, accountID string, oldAllowance, oldPurchased, newAllowance, newPurchased int) (bool, error)
	InsertLedgerTransaction(ctx context.Context, tx model.LedgerTransaction) error
	ListLedgerTransactions(ctx context.Context, accountID string, limit int) ([]model.LedgerTransaction, error)

	// Jobs. Status transitions are forward-only; results are written via
	// idempotent upsert keyed by (job_id, position); progress is capped at
	// total_count.
	CreateJob(ctx context.Context, accountID string, totalCount, creditsReserved int, meta model.JobMetadata) (*model.Job, error)
	SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, errorMessage string) error
	SaveJobResult(ctx context.Context, jobID string, position int, payload []byte) error
	IncrementJobProgress(ctx context.Context, jobID string, byN int) error
	GetJob(ctx context.Context, jobID, accountID string) (*model.Job, error)
	GetJobResultsAfter(ctx context.Context, jobID, accountID string, afterPosition int) (*model.Job, []model.JobResult, error)
	ListJobs(ctx context.Context, accountID string, filter JobFilter) ([]model.Job, error)

	// Lifecycle
	Migrate(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/prospector/internal/db"
	"github.com/sells-group/prospector/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// preparedStatements lists queries to prepare on each new connection for
// faster execution of the hot paths: the poll read and the ledger's
// balance read-modify-write.
var preparedStatements = map[string]string{
	"get_balances":    `SELECT allowance_credits, purchased_credits FROM accounts WHERE id = $1`,
	"update_balances": `UPDATE accounts SET allowance_credits = $2, purchased_credits = $3, updated_at = now() WHERE id = $1 AND allowance_credits = $4 AND purchased_credits = $5`,
	"get_job":         `SELECT id, account_id, status, total_count, completed_count, credits_reserved, category, location, error_message, created_at, completed_at FROM jobs WHERE id = $1 AND account_id = $2`,
	"save_result":     `INSERT INTO job_results (job_id, position, payload, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (job_id, position) DO UPDATE SET payload = $3`,
	"results_after":   `SELECT job_id, position, payload, created_at FROM job_results WHERE job_id = $1 AND position > $2 ORDER BY position ASC`,
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pgxCfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		for name, sql := range preparedStatements {
			if _, err := conn.Prepare(ctx, name, sql); err != nil {
				return eris.Wrapf(err, "postgres: prepare %s", name)
			}
		}
		return nil
	}

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	api_key           TEXT NOT NULL UNIQUE,
	allowance_credits INTEGER NOT NULL DEFAULT 0 CHECK (allowance_credits >= 0),
	purchased_credits INTEGER NOT NULL DEFAULT 0 CHECK (purchased_credits >= 0),
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	amount        INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	balance_after INTEGER NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_ledger_tx_account ON ledger_transactions(account_id, created_at DESC);

CREATE TABLE IF NOT EXISTS jobs (
	id               TEXT PRIMARY KEY,
	account_id       TEXT NOT NULL REFERENCES accounts(id),
	status           TEXT NOT NULL DEFAULT 'pending',
	total_count      INTEGER NOT NULL,
	completed_count  INTEGER NOT NULL DEFAULT 0 CHECK (completed_count <= total_count),
	credits_reserved INTEGER NOT NULL,
	category         TEXT NOT NULL DEFAULT '',
	location         TEXT NOT NULL DEFAULT '',
	error_message    TEXT,
	created_at       TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at     TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_results (
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	payload    JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (job_id, position)
);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

func (s *PostgresStore) CreateAccount(ctx context.Context, apiKey string, allowance, purchased int) (*model.Account, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, api_key, allowance_credits, purchased_credits, created_at, updated_at) VALUES ($1, $2, $3, $4, $5, $6)`,
		id, apiKey, allowance, purchased, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert account")
	}

	return &model.Account{
		ID:               id,
		APIKey:           apiKey,
		AllowanceCredits: allowance,
		PurchasedCredits: purchased,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, api_key, allowance_credits, purchased_credits, created_at, updated_at FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&a.ID, &a.APIKey, &a.AllowanceCredits, &a.PurchasedCredits, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get account %s", accountID)
	}
	return &a, nil
}

func (s *PostgresStore) GetAccountByAPIKey(ctx context.Context, apiKey string) (*model.Account, error) {
	var a model.Account
	err := s.pool.QueryRow(ctx,
		`SELECT id, api_key, allowance_credits, purchased_credits, created_at, updated_at FROM accounts WHERE api_key = $1`,
		apiKey,
	).Scan(&a.ID, &a.APIKey, &a.AllowanceCredits, &a.PurchasedCredits, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, eris.Wrap(err, "postgres: get account by api key")
	}
	return &a, nil
}

func (s *PostgresStore) GetAccountBalances(ctx context.Context, accountID string) (int, int, error) {
	var allowance, purchased int
	err := s.pool.QueryRow(ctx,
		`SELECT allowance_credits, purchased_credits FROM accounts WHERE id = $1`,
		accountID,
	).Scan(&allowance, &purchased)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, eris.Wrapf(err, "postgres: get balances %s", accountID)
	}
	return allowance, purchased, nil
}

func (s *PostgresStore) UpdateAccountBalances(ctx context.Context, accountID string, oldAllowance, oldPurchased, newAllowance, newPurchased int) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE accounts SET allowance_credits = $2, purchased_credits = $3, updated_at = now() WHERE id = $1 AND allowance_credits = $4 AND purchased_credits = $5`,
		accountID, newAllowance, newPurchased, oldAllowance, oldPurchased,
	)
	if err != nil {
		return false, eris.Wrapf(err, "postgres: update balances %s", accountID)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PostgresStore) InsertLedgerTransaction(ctx context.Context, tx model.LedgerTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO ledger_transactions (id, account_id, amount, kind, description, balance_after, created_at) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		tx.ID, tx.AccountID, tx.Amount, string(tx.Kind), tx.Description, tx.BalanceAfter, tx.CreatedAt,
	)
	return eris.Wrap(err, "postgres: insert ledger transaction")
}

func (s *PostgresStore) ListLedgerTransactions(ctx context.Context, accountID string, limit int) ([]model.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, account_id, amount, kind, description, balance_after, created_at FROM ledger_transactions WHERE account_id = $1 ORDER BY created_at DESC LIMIT $2`,
		accountID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ledger transactions")
	}
	defer rows.Close()

	var txs []model.LedgerTransaction
	for rows.Next() {
		var tx model.LedgerTransaction
		var kind string
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &kind, &tx.Description, &tx.BalanceAfter, &tx.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan ledger transaction")
		}
		tx.Kind = model.TransactionKind(kind)
		txs = append(txs, tx)
	}
	return txs, eris.Wrap(rows.Err(), "postgres: list ledger transactions iterate")
}

func (s *PostgresStore) CreateJob(ctx context.Context, accountID string, totalCount, creditsReserved int, meta model.JobMetadata) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, account_id, status, total_count, completed_count, credits_reserved, category, location, created_at) VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $8)`,
		id, accountID, string(model.JobStatusPending), totalCount, creditsReserved, meta.Category, meta.Location, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert job")
	}

	return &model.Job{
		ID:              id,
		AccountID:       accountID,
		Status:          model.JobStatusPending,
		TotalCount:      totalCount,
		CreditsReserved: creditsReserved,
		Category:        meta.Category,
		Location:        meta.Location,
		CreatedAt:       now,
	}, nil
}

func (s *PostgresStore) SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, errorMessage string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $2,
		        error_message = NULLIF($3, ''),
		        completed_at = CASE WHEN $2 IN ('completed', 'failed') THEN now() ELSE completed_at END
		 WHERE id = $1 AND status NOT IN ('completed', 'failed')`,
		jobID, string(status), errorMessage,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: set job status %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		// Either the job does not exist or it already reached a terminal
		// state; transitions out of terminal states are rejected.
		var cur string
		err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, jobID).Scan(&cur)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrJobNotFound
			}
			return eris.Wrapf(err, "postgres: check job status %s", jobID)
		}
		return ErrJobFinal
	}
	return nil
}

func (s *PostgresStore) SaveJobResult(ctx context.Context, jobID string, position int, payload []byte) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO job_results (job_id, position, payload, created_at) VALUES ($1, $2, $3, $4) ON CONFLICT (job_id, position) DO UPDATE SET payload = $3`,
		jobID, position, payload, time.Now().UTC(),
	)
	return eris.Wrapf(err, "postgres: save result %s/%d", jobID, position)
}

func (s *PostgresStore) IncrementJobProgress(ctx context.Context, jobID string, byN int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET completed_count = LEAST(total_count, completed_count + $2) WHERE id = $1`,
		jobID, byN,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: increment progress %s", jobID)
	}
	if tag.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID, accountID string) (*model.Job, error) {
	job, err := scanJob(s.pool.QueryRow(ctx,
		`SELECT id, account_id, status, total_count, completed_count, credits_reserved, category, location, error_message, created_at, completed_at FROM jobs WHERE id = $1 AND account_id = $2`,
		jobID, accountID,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, eris.Wrapf(err, "postgres: get job %s", jobID)
	}
	return job, nil
}

func (s *PostgresStore) GetJobResultsAfter(ctx context.Context, jobID, accountID string, afterPosition int) (*model.Job, []model.JobResult, error) {
	job, err := s.GetJob(ctx, jobID, accountID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT job_id, position, payload, created_at FROM job_results WHERE job_id = $1 AND position > $2 ORDER BY position ASC`,
		jobID, afterPosition,
	)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "postgres: results after %s/%d", jobID, afterPosition)
	}
	defer rows.Close()

	var results []model.JobResult
	for rows.Next() {
		var r model.JobResult
		if err := rows.Scan(&r.JobID, &r.Position, &r.Payload, &r.CreatedAt); err != nil {
			return nil, nil, eris.Wrap(err, "postgres: scan job result")
		}
		results = append(results, r)
	}
	return job, results, eris.Wrap(rows.Err(), "postgres: results iterate")
}

func (s *PostgresStore) ListJobs(ctx context.Context, accountID string, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, account_id, status, total_count, completed_count, credits_reserved, category, location, error_message, created_at, completed_at FROM jobs WHERE account_id = $1`
	args := []any{accountID}
	argIdx := 2

	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argIdx)
		args = append(args, string(filter.Status))
		argIdx++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argIdx)
	args = append(args, limit)
	argIdx++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argIdx)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "postgres: list jobs iterate")
}

func scanJob(row pgx.Row) (*model.Job, error) {
	var j model.Job
	var status string
	var errMsg *string
	var completedAt *time.Time

	err := row.Scan(&j.ID, &j.AccountID, &status, &j.TotalCount, &j.CompletedCount,
		&j.CreditsReserved, &j.Category, &j.Location, &errMsg, &j.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	j.CompletedAt = completedAt
	return &j, nil
}

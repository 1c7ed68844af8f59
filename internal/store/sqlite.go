package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	_ "modernc.org/sqlite"

	"github.com/sells-group/prospector/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite. It backs local
// development and single-node deployments; the conditional balance write
// gives the same optimistic-concurrency semantics as the Postgres store.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
func NewSQLite(dsn string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, eris.Wrapf(err, "sqlite: exec %s", pragma)
		}
	}
	return &SQLiteStore{db: db}, nil
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS accounts (
	id                TEXT PRIMARY KEY,
	api_key           TEXT NOT NULL UNIQUE,
	allowance_credits INTEGER NOT NULL DEFAULT 0 CHECK (allowance_credits >= 0),
	purchased_credits INTEGER NOT NULL DEFAULT 0 CHECK (purchased_credits >= 0),
	created_at        DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at        DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS ledger_transactions (
	id            TEXT PRIMARY KEY,
	account_id    TEXT NOT NULL REFERENCES accounts(id),
	amount        INTEGER NOT NULL,
	kind          TEXT NOT NULL,
	description   TEXT NOT NULL DEFAULT '',
	balance_after INTEGER NOT NULL,
	created_at    DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_ledger_tx_account ON ledger_transactions(account_id, created_at);

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
	created_at       DATETIME NOT NULL DEFAULT (datetime('now')),
	completed_at     DATETIME
);

CREATE INDEX IF NOT EXISTS idx_jobs_account ON jobs(account_id, created_at);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);

CREATE TABLE IF NOT EXISTS job_results (
	job_id     TEXT NOT NULL REFERENCES jobs(id) ON DELETE CASCADE,
	position   INTEGER NOT NULL,
	payload    TEXT NOT NULL,
	created_at DATETIME NOT NULL DEFAULT (datetime('now')),
	PRIMARY KEY (job_id, position)
);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return eris.Wrap(s.db.PingContext(ctx), "sqlite: ping")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) CreateAccount(ctx context.Context, apiKey string, allowance, purchased int) (*model.Account, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO accounts (id, api_key, allowance_credits, purchased_credits, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`,
		id, apiKey, allowance, purchased, now, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert account")
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

func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, allowance_credits, purchased_credits, created_at, updated_at FROM accounts WHERE id = ?`,
		accountID,
	).Scan(&a.ID, &a.APIKey, &a.AllowanceCredits, &a.PurchasedCredits, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get account %s", accountID)
	}
	return &a, nil
}

func (s *SQLiteStore) GetAccountByAPIKey(ctx context.Context, apiKey string) (*model.Account, error) {
	var a model.Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, api_key, allowance_credits, purchased_credits, created_at, updated_at FROM accounts WHERE api_key = ?`,
		apiKey,
	).Scan(&a.ID, &a.APIKey, &a.AllowanceCredits, &a.PurchasedCredits, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, eris.Wrap(err, "sqlite: get account by api key")
	}
	return &a, nil
}

func (s *SQLiteStore) GetAccountBalances(ctx context.Context, accountID string) (int, int, error) {
	var allowance, purchased int
	err := s.db.QueryRowContext(ctx,
		`SELECT allowance_credits, purchased_credits FROM accounts WHERE id = ?`,
		accountID,
	).Scan(&allowance, &purchased)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, 0, ErrAccountNotFound
		}
		return 0, 0, eris.Wrapf(err, "sqlite: get balances %s", accountID)
	}
	return allowance, purchased, nil
}

func (s *SQLiteStore) UpdateAccountBalances(ctx context.Context, accountID string, oldAllowance, oldPurchased, newAllowance, newPurchased int) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET allowance_credits = ?, purchased_credits = ?, updated_at = ? WHERE id = ? AND allowance_credits = ? AND purchased_credits = ?`,
		newAllowance, newPurchased, time.Now().UTC(), accountID, oldAllowance, oldPurchased,
	)
	if err != nil {
		return false, eris.Wrapf(err, "sqlite: update balances %s", accountID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, eris.Wrap(err, "sqlite: rows affected")
	}
	return n == 1, nil
}

func (s *SQLiteStore) InsertLedgerTransaction(ctx context.Context, tx model.LedgerTransaction) error {
	if tx.ID == "" {
		tx.ID = uuid.New().String()
	}
	if tx.CreatedAt.IsZero() {
		tx.CreatedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ledger_transactions (id, account_id, amount, kind, description, balance_after, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		tx.ID, tx.AccountID, tx.Amount, string(tx.Kind), tx.Description, tx.BalanceAfter, tx.CreatedAt,
	)
	return eris.Wrap(err, "sqlite: insert ledger transaction")
}

func (s *SQLiteStore) ListLedgerTransactions(ctx context.Context, accountID string, limit int) ([]model.LedgerTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, account_id, amount, kind, description, balance_after, created_at FROM ledger_transactions WHERE account_id = ? ORDER BY created_at DESC, id DESC LIMIT ?`,
		accountID, limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ledger transactions")
	}
	defer rows.Close()

	var txs []model.LedgerTransaction
	for rows.Next() {
		var tx model.LedgerTransaction
		var kind string
		if err := rows.Scan(&tx.ID, &tx.AccountID, &tx.Amount, &kind, &tx.Description, &tx.BalanceAfter, &tx.CreatedAt); err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ledger transaction")
		}
		tx.Kind = model.TransactionKind(kind)
		txs = append(txs, tx)
	}
	return txs, eris.Wrap(rows.Err(), "sqlite: list ledger transactions iterate")
}

func (s *SQLiteStore) CreateJob(ctx context.Context, accountID string, totalCount, creditsReserved int, meta model.JobMetadata) (*model.Job, error) {
	id := uuid.New().String()
	now := time.Now().UTC()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, account_id, status, total_count, completed_count, credits_reserved, category, location, created_at) VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		id, accountID, string(model.JobStatusPending), totalCount, creditsReserved, meta.Category, meta.Location, now,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert job")
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

func (s *SQLiteStore) SetJobStatus(ctx context.Context, jobID string, status model.JobStatus, errorMessage string) error {
	var errMsg any
	if errorMessage != "" {
		errMsg = errorMessage
	}
	var completedAt any
	if status.Terminal() {
		completedAt = time.Now().UTC()
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET status = ?, error_message = ?, completed_at = COALESCE(?, completed_at) WHERE id = ? AND status NOT IN ('completed', 'failed')`,
		string(status), errMsg, completedAt, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: set job status %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		var cur string
		err := s.db.QueryRowContext(ctx, `SELECT status FROM jobs WHERE id = ?`, jobID).Scan(&cur)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrJobNotFound
			}
			return eris.Wrapf(err, "sqlite: check job status %s", jobID)
		}
		return ErrJobFinal
	}
	return nil
}

func (s *SQLiteStore) SaveJobResult(ctx context.Context, jobID string, position int, payload []byte) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO job_results (job_id, position, payload, created_at) VALUES (?, ?, ?, ?) ON CONFLICT (job_id, position) DO UPDATE SET payload = excluded.payload`,
		jobID, position, string(payload), time.Now().UTC(),
	)
	return eris.Wrapf(err, "sqlite: save result %s/%d", jobID, position)
}

func (s *SQLiteStore) IncrementJobProgress(ctx context.Context, jobID string, byN int) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET completed_count = MIN(total_count, completed_count + ?) WHERE id = ?`,
		byN, jobID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: increment progress %s", jobID)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "sqlite: rows affected")
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, jobID, accountID string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, status, total_count, completed_count, credits_reserved, category, location, error_message, created_at, completed_at FROM jobs WHERE id = ? AND account_id = ?`,
		jobID, accountID,
	)
	job, err := scanJobSQL(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, eris.Wrapf(err, "sqlite: get job %s", jobID)
	}
	return job, nil
}

func (s *SQLiteStore) GetJobResultsAfter(ctx context.Context, jobID, accountID string, afterPosition int) (*model.Job, []model.JobResult, error) {
	job, err := s.GetJob(ctx, jobID, accountID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, position, payload, created_at FROM job_results WHERE job_id = ? AND position > ? ORDER BY position ASC`,
		jobID, afterPosition,
	)
	if err != nil {
		return nil, nil, eris.Wrapf(err, "sqlite: results after %s/%d", jobID, afterPosition)
	}
	defer rows.Close()

	var results []model.JobResult
	for rows.Next() {
		var r model.JobResult
		var payload string
		if err := rows.Scan(&r.JobID, &r.Position, &payload, &r.CreatedAt); err != nil {
			return nil, nil, eris.Wrap(err, "sqlite: scan job result")
		}
		r.Payload = []byte(payload)
		results = append(results, r)
	}
	return job, results, eris.Wrap(rows.Err(), "sqlite: results iterate")
}

func (s *SQLiteStore) ListJobs(ctx context.Context, accountID string, filter JobFilter) ([]model.Job, error) {
	query := `SELECT id, account_id, status, total_count, completed_count, credits_reserved, category, location, error_message, created_at, completed_at FROM jobs WHERE account_id = ?`
	args := []any{accountID}

	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	query += ` ORDER BY created_at DESC, id DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list jobs")
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		job, err := scanJobSQL(rows.Scan)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan job")
		}
		jobs = append(jobs, *job)
	}
	return jobs, eris.Wrap(rows.Err(), "sqlite: list jobs iterate")
}

func scanJobSQL(scan func(dest ...any) error) (*model.Job, error) {
	var j model.Job
	var status string
	var errMsg sql.NullString
	var completedAt sql.NullTime

	err := scan(&j.ID, &j.AccountID, &status, &j.TotalCount, &j.CompletedCount,
		&j.CreditsReserved, &j.Category, &j.Location, &errMsg, &j.CreatedAt, &completedAt)
	if err != nil {
		return nil, err
	}
	j.Status = model.JobStatus(status)
	if errMsg.Valid {
		j.ErrorMessage = errMsg.String
	}
	if completedAt.Valid {
		t := completedAt.Time
		j.CompletedAt = &t
	}
	return &j, nil
}

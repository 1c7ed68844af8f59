// Package ledger implements the credit ledger: atomic check, deduct,
// refund, and grant operations over the two per-account credit pools,
// protected by optimistic concurrency with bounded retry.
package ledger

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/prospector/internal/model"
	"github.com/sells-group/prospector/internal/resilience"
)

// Domain errors. ErrInsufficientCredits is user-facing and never retried;
// ErrConcurrentModification is returned only after the bounded retry loop
// keeps losing the conditional write.
var (
	ErrInsufficientCredits    = eris.New("insufficient credits")
	ErrConcurrentModification = eris.New("concurrent account modification")
)

// Store is the persistence surface the ledger needs. The conditional
// UpdateAccountBalances write is the single concurrency primitive the
// whole ledger relies on.
type Store interface {
	GetAccountBalances(ctx context.Context, accountID string) (allowance, purchased int, err error)
	UpdateAccountBalances(ctx context.Context, accountID string, oldAllowance, oldPurchased, newAllowance, newPurchased int) (bool, error)
	InsertLedgerTransaction(ctx context.Context, tx model.LedgerTransaction) error
}

// Config tunes the optimistic-lock retry loop. Contention on one account
// is rare (same user in two tabs), so a small bound with randomized
// backoff keeps the common case to a single attempt.
type Config struct {
	MaxAttempts    int           `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff time.Duration `yaml:"initial_backoff" mapstructure:"initial_backoff"`
	MaxBackoff     time.Duration `yaml:"max_backoff" mapstructure:"max_backoff"`
}

// DefaultConfig returns the retry tuning used in production.
func DefaultConfig() Config {
	return Config{
		MaxAttempts:    3,
		InitialBackoff: 20 * time.Millisecond,
		MaxBackoff:     250 * time.Millisecond,
	}
}

// Service exposes the ledger operations.
type Service struct {
	store Store
	cfg   Config
}

// New creates a ledger service over the given store.
func New(store Store, cfg Config) *Service {
	if cfg.MaxAttempts <= 0 {
		cfg = DefaultConfig()
	}
	return &Service{store: store, cfg: cfg}
}

// Check reports whether the account can afford amount, and the total
// currently available. Read-only; the authoritative gate is Deduct.
func (s *Service) Check(ctx context.Context, accountID string, amount int) (bool, int, error) {
	allowance, purchased, err := s.store.GetAccountBalances(ctx, accountID)
	if err != nil {
		return false, 0, eris.Wrap(err, "ledger: check")
	}
	available := allowance + purchased
	return available >= amount, available, nil
}

// Deduct atomically consumes amount credits, draining the allowance pool
// first and spilling the remainder into the purchased pool. Returns the
// remaining total. Fails with ErrInsufficientCredits before any mutation,
// or ErrConcurrentModification after the retry budget is spent losing
// races to concurrent writers.
func (s *Service) Deduct(ctx context.Context, accountID string, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, eris.Errorf("ledger: deduct amount must be positive, got %d", amount)
	}

	remaining, err := resilience.DoVal(ctx, s.retryConfig("deduct"), func(ctx context.Context) (int, error) {
		allowance, purchased, err := s.store.GetAccountBalances(ctx, accountID)
		if err != nil {
			return 0, err
		}
		if allowance+purchased < amount {
			return 0, ErrInsufficientCredits
		}

		fromAllowance := min(allowance, amount)
		newAllowance := allowance - fromAllowance
		newPurchased := purchased - (amount - fromAllowance)

		ok, err := s.store.UpdateAccountBalances(ctx, accountID, allowance, purchased, newAllowance, newPurchased)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, resilience.NewConflictError("account " + accountID)
		}

		rem := newAllowance + newPurchased
		return rem, s.append(ctx, accountID, -amount, model.TransactionUsage, description, rem)
	})
	if err != nil {
		if resilience.IsConflict(err) {
			return 0, ErrConcurrentModification
		}
		return 0, eris.Wrap(err, "ledger: deduct")
	}
	return remaining, nil
}

// Refund adds amount back to the purchased pool. Refunds always land in
// the purchased pool so they never expire, even when the original spend
// came from the allowance. The ledger does not deduplicate refunds;
// callers must not refund the same failure twice.
func (s *Service) Refund(ctx context.Context, accountID string, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, eris.Errorf("ledger: refund amount must be positive, got %d", amount)
	}
	return s.credit(ctx, accountID, amount, model.TransactionRefund, description, poolPurchased)
}

// Grant adds purchased or granted credits to the purchased pool. Used by
// the billing integration and the ops CLI.
func (s *Service) Grant(ctx context.Context, accountID string, amount int, kind model.TransactionKind, description string) (int, error) {
	if amount <= 0 {
		return 0, eris.Errorf("ledger: grant amount must be positive, got %d", amount)
	}
	if kind != model.TransactionPurchase && kind != model.TransactionGrant {
		return 0, eris.Errorf("ledger: invalid grant kind %q", kind)
	}
	return s.credit(ctx, accountID, amount, kind, description, poolPurchased)
}

// GrantAllowance adds amount to the allowance pool. Allowance credits are
// consumed before purchased ones and reset on plan renewal, so plan seeding
// and monthly top-ups go through here rather than Grant.
func (s *Service) GrantAllowance(ctx context.Context, accountID string, amount int, description string) (int, error) {
	if amount <= 0 {
		return 0, eris.Errorf("ledger: grant amount must be positive, got %d", amount)
	}
	return s.credit(ctx, accountID, amount, model.TransactionGrant, description, poolAllowance)
}

type creditPool int

const (
	poolPurchased creditPool = iota
	poolAllowance
)

func (s *Service) credit(ctx context.Context, accountID string, amount int, kind model.TransactionKind, description string, pool creditPool) (int, error) {
	remaining, err := resilience.DoVal(ctx, s.retryConfig(string(kind)), func(ctx context.Context) (int, error) {
		allowance, purchased, err := s.store.GetAccountBalances(ctx, accountID)
		if err != nil {
			return 0, err
		}

		newAllowance, newPurchased := allowance, purchased+amount
		if pool == poolAllowance {
			newAllowance, newPurchased = allowance+amount, purchased
		}
		ok, err := s.store.UpdateAccountBalances(ctx, accountID, allowance, purchased, newAllowance, newPurchased)
		if err != nil {
			return 0, err
		}
		if !ok {
			return 0, resilience.NewConflictError("account " + accountID)
		}

		rem := allowance + purchased + amount
		return rem, s.append(ctx, accountID, amount, kind, description, rem)
	})
	if err != nil {
		if resilience.IsConflict(err) {
			return 0, ErrConcurrentModification
		}
		return 0, eris.Wrapf(err, "ledger: %s", kind)
	}
	return remaining, nil
}

func (s *Service) append(ctx context.Context, accountID string, amount int, kind model.TransactionKind, description string, balanceAfter int) error {
	err := s.store.InsertLedgerTransaction(ctx, model.LedgerTransaction{
		AccountID:    accountID,
		Amount:       amount,
		Kind:         kind,
		Description:  description,
		BalanceAfter: balanceAfter,
	})
	if err != nil {
		// The balance write already landed; the audit row is best-effort.
		zap.L().Error("ledger: append transaction failed",
			zap.String("account_id", accountID),
			zap.Int("amount", amount),
			zap.String("kind", string(kind)),
			zap.Error(err),
		)
	}
	return nil
}

func (s *Service) retryConfig(operation string) resilience.RetryConfig {
	return resilience.RetryConfig{
		MaxAttempts:    s.cfg.MaxAttempts,
		InitialBackoff: s.cfg.InitialBackoff,
		MaxBackoff:     s.cfg.MaxBackoff,
		JitterFraction: 0.5,
		ShouldRetry:    resilience.IsConflict,
		OnRetry:        resilience.RetryLogger("ledger", operation),
	}
}

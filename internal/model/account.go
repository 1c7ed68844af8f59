package model

import "time"

// TransactionKind classifies a ledger transaction.
type TransactionKind string

const (
	TransactionUsage    TransactionKind = "usage"
	TransactionRefund   TransactionKind = "refund"
	TransactionPurchase TransactionKind = "purchase"
	TransactionGrant    TransactionKind = "grant"
)

// Account holds the two credit pools for one user. Spendable credits are
// the sum of both pools. Deduction drains allowance first to keep the
// non-expiring purchased pool for last. Balances are mutated only through
// the ledger service, never by direct writes.
type Account struct {
	ID               string    `json:"id"`
	APIKey           string    `json:"-"`
	AllowanceCredits int       `json:"allowance_credits"`
	PurchasedCredits int       `json:"purchased_credits"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Available returns total spendable credits.
func (a *Account) Available() int {
	return a.AllowanceCredits + a.PurchasedCredits
}

// LedgerTransaction is an immutable audit record of one ledger operation.
// Amount is negative for consumption and positive for refunds and grants.
// It is never used to compute balances; the balance lives on the account.
type LedgerTransaction struct {
	ID           string          `json:"id"`
	AccountID    string          `json:"account_id"`
	Amount       int             `json:"amount"`
	Kind         TransactionKind `json:"kind"`
	Description  string          `json:"description"`
	BalanceAfter int             `json:"balance_after"`
	CreatedAt    time.Time       `json:"created_at"`
}

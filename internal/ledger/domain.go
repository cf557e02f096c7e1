package ledger

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Entry is one append-only posting on a provider's running account. Exactly
// one of Debit/Credit is non-zero; Seq is monotonic per provider and Balance
// carries the running total after this entry.
type Entry struct {
	ID         int64           `json:"id"`
	ProviderID int64           `json:"provider_id"`
	Seq        int64           `json:"seq"`
	Debit      decimal.Decimal `json:"debit"`
	Credit     decimal.Decimal `json:"credit"`
	Balance    decimal.Decimal `json:"balance"`
	PurchaseID *int64          `json:"purchase_id,omitempty"`
	PaymentID  *int64          `json:"payment_id,omitempty"`
	Note       string          `json:"note,omitempty"`
	PostedAt   time.Time       `json:"posted_at"`
}

// Validation is the result of replaying a provider's chain against the stored
// balances. Drift is reported, never auto-corrected.
type Validation struct {
	Valid    bool            `json:"valid"`
	Expected decimal.Decimal `json:"expected"`
	Actual   decimal.Decimal `json:"actual"`
	BadSeq   int64           `json:"bad_seq,omitempty"`
}

var (
	// ErrInvalidAmount indicates a non-positive posting amount.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrProviderRequired indicates a missing provider id.
	ErrProviderRequired = errors.New("ledger: provider required")
	// ErrNoEntries indicates a provider without postings.
	ErrNoEntries = errors.New("ledger: no entries for provider")
	// ErrImbalance indicates the stored chain does not fold to its balances.
	ErrImbalance = errors.New("ledger: stored balance does not match replayed chain")
)

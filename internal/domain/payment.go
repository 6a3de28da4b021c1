package domain

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// CurrencyPair names a conversion from the traveler's home currency to the
// merchant's local currency.
type CurrencyPair struct {
	Base  string
	Quote string
}

func (p CurrencyPair) String() string {
	return p.Base + "/" + p.Quote
}

// QuotedRate is a conversion rate with a validity window. Stale quotes must be
// re-fetched before settlement.
type QuotedRate struct {
	Pair      CurrencyPair
	Rate      decimal.Decimal
	QuotedAt  time.Time
	ExpiresAt time.Time
}

// Expired reports whether the quote is no longer usable at the given instant.
func (q QuotedRate) Expired(now time.Time) bool {
	return !q.ExpiresAt.IsZero() && !now.Before(q.ExpiresAt)
}

// PaymentIntent is the unit of work submitted to the orchestrator. It is
// immutable after creation and consumed exactly once, keyed by the
// client-generated idempotency key.
type PaymentIntent struct {
	IdempotencyKey string
	Merchant       Merchant
	Amount         decimal.Decimal
	Currency       string
	RailID         RailID
	RoundUp        bool
	PayerPhone     string
	CreatedAt      time.Time
}

// Validate checks the structural invariants of an intent before any
// settlement attempt.
func (i PaymentIntent) Validate() error {
	if i.IdempotencyKey == "" {
		return InvalidRequest("payment intent is missing an idempotency key")
	}
	if i.Merchant.ID == "" {
		return InvalidRequest("payment intent is missing a merchant")
	}
	if !i.Amount.IsPositive() {
		return InvalidRequest(fmt.Sprintf("amount %s must be greater than zero", i.Amount))
	}
	if i.Currency == "" {
		return InvalidRequest("payment intent is missing a currency")
	}
	if i.RailID == "" {
		return InvalidRequest("payment intent is missing a rail")
	}
	return nil
}

// SettlementSnapshot captures the converted amounts an intent settles with.
// Offline entries persist the snapshot so a later drain replays the amounts
// the user confirmed, not the rates at drain time.
type SettlementSnapshot struct {
	Rate          decimal.Decimal
	LocalAmount   decimal.Decimal
	LocalCurrency string
	Donation      decimal.Decimal
	TotalCharged  decimal.Decimal
}

// TransactionStatus is the settlement outcome recorded for a transaction.
type TransactionStatus string

const (
	StatusCompleted TransactionStatus = "COMPLETED"
	StatusQueued    TransactionStatus = "QUEUED"
	StatusFailed    TransactionStatus = "FAILED"
)

// Transaction is the settled record produced by the orchestrator on a
// terminal transition. Append-only; the only permitted mutation is the
// Queued to Completed/Failed reconciliation transition.
type Transaction struct {
	ID               string
	IdempotencyKey   string
	MerchantID       string
	MerchantName     string
	MerchantCategory string
	Amount           decimal.Decimal
	Donation         decimal.Decimal
	TotalCharged     decimal.Decimal
	Currency         string
	LocalAmount      decimal.Decimal
	LocalCurrency    string
	Rate             decimal.Decimal
	RailID           RailID
	Status           TransactionStatus
	ProviderRef      string
	FailureReason    string
	OfflineQueued    bool
	CreatedAt        time.Time
	SettledAt        *time.Time
}

// OfflineQueueEntry is a payment intent plus its settlement snapshot, stored
// durably while disconnected and consumed by reconciliation.
type OfflineQueueEntry struct {
	Seq        uint64
	Intent     PaymentIntent
	Snapshot   SettlementSnapshot
	EnqueuedAt time.Time
}

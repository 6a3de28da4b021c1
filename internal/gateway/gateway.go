// Package gateway abstracts provider-specific settlement calls. One
// implementation exists per rail; all satisfy the same contract.
package gateway

import (
	"context"
	"time"

	"github.com/musaucrea/foti-pay-2/internal/domain"
)

// SettlementStatus is the provider-side view of a charge.
type SettlementStatus string

const (
	StatusPending SettlementStatus = "PENDING"
	StatusSuccess SettlementStatus = "SUCCESS"
	StatusFailed  SettlementStatus = "FAILED"
)

// PendingSettlement is the immediate result of initiating a charge. For
// push-capable rails the customer confirms out-of-band and the caller polls
// the reference; Initiate never blocks until final confirmation.
type PendingSettlement struct {
	Reference    string
	PollInterval time.Duration
}

// Gateway is the capability contract every rail adapter satisfies.
//
// Initiate fails with domain.ErrGatewayUnavailable (retryable),
// domain.ErrDeclined (terminal) or domain.ErrInvalidRequest (terminal,
// non-retryable). Poll is a non-blocking status check; the caller owns the
// polling cadence and overall timeout.
type Gateway interface {
	Rail() domain.RailID
	Initiate(ctx context.Context, intent domain.PaymentIntent, quote domain.QuotedRate) (PendingSettlement, error)
	Poll(ctx context.Context, reference string) (SettlementStatus, error)
}
